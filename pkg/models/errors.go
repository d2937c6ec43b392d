package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the extraction pipeline. Callers classify failures with
// errors.Is; context (binary identity, function offset) travels in the wrap.
var (
	// ErrUnsupportedFormat marks input that is neither ELF nor PE.
	// The pipeline skips the file and continues.
	ErrUnsupportedFormat = errors.New("unsupported binary format")

	// ErrCorruptHeader marks a recognized container with a malformed or
	// truncated structure. The file is skipped and reported.
	ErrCorruptHeader = errors.New("corrupt container header")

	// ErrAnalysisTimeout marks a single function that exceeded its
	// disassembly budget. Only that function is skipped.
	ErrAnalysisTimeout = errors.New("analysis timeout")

	// ErrAnalysis marks a disassembly collaborator failure on one function.
	// The function is skipped; the binary continues.
	ErrAnalysis = errors.New("analysis error")

	// ErrStoreWrite marks a failed batch write. Nothing partial is
	// persisted; the whole binary is safe to retry.
	ErrStoreWrite = errors.New("store write failure")

	// ErrIndexBuild marks corrupt or inconsistent store contents during a
	// rebuild. The prior index remains usable.
	ErrIndexBuild = errors.New("index build failure")
)

// FunctionSkip records one function excluded from a binary's signature set.
// Every skip surfaces in the extraction report; none are silent.
type FunctionSkip struct {
	Offset uint64 `json:"offset"`
	Reason string `json:"reason"`
}

func (s FunctionSkip) String() string {
	return fmt.Sprintf("0x%x: %s", s.Offset, s.Reason)
}
