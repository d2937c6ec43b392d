// Package signature turns extracted function units into fixed-dimension
// locality-sensitive vectors. Encoding is deterministic: the same function
// body always yields byte-identical vectors, and vectors never depend on
// addresses, symbol names, or raw operand values.
package signature

import (
	"fmt"

	"github.com/theStache/Surfactant/pkg/analysis/extract"
	"github.com/theStache/Surfactant/pkg/models"
)

// Encoder maps function units onto signature vectors using a fixed strategy.
// Vectors from different strategies are not comparable; a database stores
// signatures from exactly one strategy.
type Encoder struct {
	strategy string
}

// NewEncoder returns an encoder for the named strategy. The empty string
// selects the default weighted strategy.
func NewEncoder(strategy string) (*Encoder, error) {
	switch strategy {
	case "":
		strategy = models.StrategyWeighted
	case models.StrategyWeighted, models.StrategyMinHash:
	default:
		return nil, fmt.Errorf("signature: unknown strategy %q", strategy)
	}
	return &Encoder{strategy: strategy}, nil
}

// Strategy reports the strategy name recorded alongside every vector.
func (e *Encoder) Strategy() string {
	return e.strategy
}

// Dim reports the dimensionality of produced vectors.
func (e *Encoder) Dim() int {
	return models.SignatureDim
}

// Encode produces the signature vector for one function unit.
//
// A degenerate unit whose graph decodes to no instructions encodes to the
// all-zero vector rather than an error, so callers can store it and have it
// match only other degenerate functions.
func (e *Encoder) Encode(unit *extract.FunctionUnit) ([]float32, error) {
	if unit == nil {
		return nil, fmt.Errorf("signature: nil function unit")
	}
	if unit.Graph == nil || unit.Graph.InstrCount() == 0 {
		return make([]float32, models.SignatureDim), nil
	}

	switch e.strategy {
	case models.StrategyMinHash:
		return encodeMinHash(unit), nil
	default:
		return encodeWeighted(unit), nil
	}
}
