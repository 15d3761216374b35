package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/store"
)

// runStatusCommand prints row counts from the materialized store. It
// reads the database directly, so it works whether or not the daemon is
// running (WAL allows concurrent readers).
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawdeck status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	db, err := store.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer db.Close()

	counts, err := db.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
