package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/theStache/Surfactant/internal/cli"
	"github.com/theStache/Surfactant/pkg/models"
	version "github.com/theStache/Surfactant/pkg/version"
)

// Package main provides the bsig CLI tool for extracting binary function
// signatures and matching them against a similarity database.

// -- Main Entry Point --

func main() {
	// Configure help text
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `bsig - Binary Signature CLI

Function-level similarity signatures for ELF and PE binaries.

Usage:
  bsig ingest <file|directory> --db <path>    Extract signatures and commit them to the database
  bsig query <file> --db <path>               Find the nearest stored functions for each probe function
  bsig rebuild --db <path>                    Recompute summaries and rebuild the similarity index
  bsig invalidate <binary-id> --db <path>     Drop a binary's signatures ahead of a re-index
  bsig stats --db <path>                      Show database statistics
  bsig export --db <path> [--out <file>]      Export the database as a JSON archive
  bsig import <archive> --db <path>           Import a JSON archive into the database

Commands:
  ingest      Load binaries, extract per-function signatures, commit one atomic batch per binary
              Flags:
                --strategy    Signature strategy: weighted or minhash (default: weighted)
                --timeout     Per-function analysis timeout (default: 5s)
                --workers     Parallel files in flight (default: GOMAXPROCS)

  query       Extract the probe file's functions and return top-k matches per function
              Flags:
                --k           Matches per probe function (default: 10)
                --index       Similarity index: vptree or brute (default: vptree)

  rebuild     Repair derived state and rebuild the index from a full scan
  invalidate  Remove one binary's records and summary
  stats       Display database statistics
  export      Write summaries and records as one JSON archive
  import      Commit an exported archive, one atomic batch per binary.
              Also the migration path between the Pebble and SQLite backends.
  version     Display CLI and engine version

The database backend follows the path: a .db or .sqlite suffix selects the
SQLite backend, anything else is a Pebble directory. --db defaults to
$BSIG_DB_PATH, then the DATABASE key of bsig.conf, then ./signatures.bsig.

Examples:
  bsig ingest ./firmware/rootfs --db signatures.bsig
  bsig ingest vendor_blob.so --db signatures.db --strategy minhash
  bsig query suspect.exe --db signatures.bsig --k 5
  bsig invalidate 4f2c0d… --db signatures.bsig && bsig rebuild --db signatures.bsig
  bsig version
`)
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	// -- Flag Definitions --

	ingestCmd := flag.NewFlagSet("ingest", flag.ExitOnError)
	ingestDB := ingestCmd.String("db", "", "Path to signature database")
	ingestStrategy := ingestCmd.String("strategy", "", "Signature strategy: weighted or minhash")
	ingestTimeout := ingestCmd.Duration("timeout", 0, "Per-function analysis timeout")
	ingestWorkers := ingestCmd.Int("workers", 0, "Parallel files in flight")
	ingestConfig := ingestCmd.String("config", "", "Path to KEY=VALUE config file")

	queryCmd := flag.NewFlagSet("query", flag.ExitOnError)
	queryDB := queryCmd.String("db", "", "Path to signature database")
	queryK := queryCmd.Int("k", 0, "Matches per probe function")
	queryIndex := queryCmd.String("index", "", "Similarity index: vptree or brute")
	queryConfig := queryCmd.String("config", "", "Path to KEY=VALUE config file")

	rebuildCmd := flag.NewFlagSet("rebuild", flag.ExitOnError)
	rebuildDB := rebuildCmd.String("db", "", "Path to signature database")
	rebuildIndex := rebuildCmd.String("index", "", "Similarity index: vptree or brute")
	rebuildConfig := rebuildCmd.String("config", "", "Path to KEY=VALUE config file")

	invalidateCmd := flag.NewFlagSet("invalidate", flag.ExitOnError)
	invalidateDB := invalidateCmd.String("db", "", "Path to signature database")
	invalidateConfig := invalidateCmd.String("config", "", "Path to KEY=VALUE config file")

	statsCmd := flag.NewFlagSet("stats", flag.ExitOnError)
	statsDB := statsCmd.String("db", "", "Path to signature database")
	statsConfig := statsCmd.String("config", "", "Path to KEY=VALUE config file")

	exportCmd := flag.NewFlagSet("export", flag.ExitOnError)
	exportDB := exportCmd.String("db", "", "Path to signature database")
	exportOut := exportCmd.String("out", "", "Output file (default: stdout)")
	exportConfig := exportCmd.String("config", "", "Path to KEY=VALUE config file")

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importDB := importCmd.String("db", "", "Path to signature database")
	importConfig := importCmd.String("config", "", "Path to KEY=VALUE config file")

	// -- Command Routing --

	switch cmd {
	case "ingest":
		if err := ingestCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		if ingestCmd.NArg() < 1 {
			ingestCmd.Usage()
			os.Exit(1)
		}
		cfg := loadConfig(*ingestConfig)
		opts := models.IngestOptions{
			DBPath:   cli.ResolveDBPath(*ingestDB, cfg.Database),
			Strategy: firstNonEmpty(*ingestStrategy, cfg.Strategy),
			Timeout:  *ingestTimeout,
			Workers:  *ingestWorkers,
		}
		if err := cli.RunIngest(ingestCmd.Arg(0), opts); err != nil {
			cli.ExitError(err)
		}

	case "query":
		if err := queryCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		if queryCmd.NArg() < 1 {
			queryCmd.Usage()
			os.Exit(1)
		}
		cfg := loadConfig(*queryConfig)
		k := *queryK
		if k <= 0 {
			k = cfg.TopK
		}
		opts := cli.QueryOptions{
			DBPath: cli.ResolveDBPath(*queryDB, cfg.Database),
			TopK:   k,
			Index:  firstNonEmpty(*queryIndex, cfg.Index),
		}
		if err := cli.RunQuery(queryCmd.Arg(0), opts); err != nil {
			cli.ExitError(err)
		}

	case "rebuild":
		if err := rebuildCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		cfg := loadConfig(*rebuildConfig)
		db := cli.ResolveDBPath(*rebuildDB, cfg.Database)
		if err := cli.RunRebuild(db, firstNonEmpty(*rebuildIndex, cfg.Index)); err != nil {
			cli.ExitError(err)
		}

	case "invalidate":
		if err := invalidateCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		if invalidateCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: bsig invalidate <binary-id> --db <path>")
			os.Exit(1)
		}
		cfg := loadConfig(*invalidateConfig)
		db := cli.ResolveDBPath(*invalidateDB, cfg.Database)
		if err := cli.RunInvalidate(db, invalidateCmd.Arg(0)); err != nil {
			cli.ExitError(err)
		}

	case "stats":
		if err := statsCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		cfg := loadConfig(*statsConfig)
		if err := cli.RunStats(cli.ResolveDBPath(*statsDB, cfg.Database)); err != nil {
			cli.ExitError(err)
		}

	case "export":
		if err := exportCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		cfg := loadConfig(*exportConfig)
		db := cli.ResolveDBPath(*exportDB, cfg.Database)
		if err := cli.RunExport(db, *exportOut); err != nil {
			cli.ExitError(err)
		}

	case "import":
		if err := importCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		if importCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: bsig import <archive> --db <path>")
			os.Exit(1)
		}
		cfg := loadConfig(*importConfig)
		db := cli.ResolveDBPath(*importDB, cfg.Database)
		if err := cli.RunImport(importCmd.Arg(0), db); err != nil {
			cli.ExitError(err)
		}

	case "version":
		fmt.Println("Binary Signature CLI")
		// Automatically pulls the tag from the build info, or "(devel)" locally
		fmt.Printf("Build: %s\n", version.EngineVersion())

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		if suggestion := cli.SuggestCommand(cmd); suggestion != "" {
			fmt.Fprintf(os.Stderr, "Did you mean '%s'?\n", suggestion)
		}
		flag.Usage()
		os.Exit(1)
	}
}

// -- Helpers --

// loadConfig reads the explicit config path, or the default file when it
// exists. A missing default file is fine; a broken one is fatal.
func loadConfig(path string) *cli.Config {
	fsys := cli.RealFileSystem{}
	if path == "" {
		cfg, err := cli.MaybeLoadConfig(fsys, cli.DefaultConfigFile)
		if err != nil {
			cli.ExitError(err)
		}
		return cfg
	}
	cfg, err := cli.LoadConfig(fsys, path)
	if err != nil {
		cli.ExitError(err)
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
