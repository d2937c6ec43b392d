package models

import "time"

//-- Section --

const (
	// FilePermReadWrite defines standard non-executable file permissions.
	FilePermReadWrite = 0644
	// FilePermSecure enforces strict owner-only access for exported databases.
	FilePermSecure = 0600
	// prevents memory exhaustion by capping the size of binaries loaded for analysis.
	MaxBinaryFileSize = 256 * 1024 * 1024 // 256 MB
	// caps a single function body during disassembly; anything larger is
	// almost certainly a boundary-detection artifact, not a real function.
	MaxFunctionBytes = 1 * 1024 * 1024 // 1 MB
	// bounds recursive descent so a pathological call graph cannot explode
	// the candidate set on stripped binaries.
	MaxDiscoveredStarts = 65536

	// per-function disassembly budget; a function exceeding it is skipped
	// and reported, never allowed to stall the binary.
	DefaultFunctionTimeout = 5 * time.Second
	// acts as a circuit breaker for a whole-corpus ingest run.
	GlobalIngestTimeout = 30 * time.Minute

	// SignatureDim is the fixed dimension of every signature vector.
	// Changing it is a schema break: bump the store schema version with it.
	SignatureDim = 64

	// DefaultTopK is the result count for similarity queries when the
	// caller does not specify one.
	DefaultTopK = 10

	//  depth-weighted block histogram aggregation (default).
	StrategyWeighted = "weighted"
	//  min-hash over quantized block shingles.
	StrategyMinHash = "minhash"

	//  Linux/Unix executable container.
	FormatELF = "ELF"
	//  Windows executable container.
	FormatPE = "PE"

	//  AMD64 / Intel 64-bit.
	ArchX86_64 = "x86-64"
	//  ARM 64-bit.
	ArchARM64 = "aarch64"

	//  portable single-file SQL storage backend.
	BackendSQLite = "sqlite"
	//  LSM tree based storage for large corpora.
	BackendPebbleDB = "pebbledb"

	//  exact linear-scan index, the correctness oracle.
	IndexBruteForce = "brute"
	//  vantage-point tree approximate index.
	IndexVPTree = "vptree"
)
