package main

import (
	"flag"
	"fmt"
	"os"
)

type cliFlags struct {
	dsn      string
	source   string
	mode     string
	id       string
	state    string
	since    int64
	checksum string
}

func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("roomstore", flag.ContinueOnError)
	var f cliFlags
	fs.StringVar(&f.dsn, "dsn", "", "path to the room's SQLite database")
	fs.StringVar(&f.source, "source", "cli", "source tag attached to any transaction this invocation opens")
	fs.StringVar(&f.mode, "mode", "", "put|delete|get|changes|prune|stats|verify")
	fs.StringVar(&f.id, "id", "", "document id (put|delete|get|verify)")
	fs.StringVar(&f.state, "state", "", "document state as a raw string (put)")
	fs.Int64Var(&f.since, "since", -1, "cursor clock value (changes)")
	fs.StringVar(&f.checksum, "checksum", "", "expected hex-encoded BLAKE3 checksum (verify)")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if f.dsn == "" {
		return cliFlags{}, fmt.Errorf("-dsn is required")
	}
	return f, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: roomstore -dsn <path> -mode put|delete|get|changes|prune|stats|verify "+
		"[-id ID] [-state STATE] [-since N] [-checksum HEX] [-source TAG]")
}
