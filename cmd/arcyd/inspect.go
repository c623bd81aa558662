package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/arcyd/internal/config"
	"github.com/mattjoyce/arcyd/internal/inspect"
	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/storage"
)

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", ".", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	// Accept the pass id before or after the flags.
	var passID string
	var remainingArgs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-config":
			remainingArgs = append(remainingArgs, arg)
			if i+1 < len(args) {
				i++
				remainingArgs = append(remainingArgs, args[i])
			}
		case !strings.HasPrefix(arg, "-") && passID == "":
			passID = arg
		default:
			remainingArgs = append(remainingArgs, arg)
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()
	store := state.NewStore(db)

	var out string
	if jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, passID)
	} else {
		out, err = inspect.BuildReport(ctx, store, passID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if jsonOut {
		fmt.Println()
	}
	return 0
}

func printInspectHelp() {
	fmt.Println("Usage: arcyd inspect [PASS_ID] [--config PATH] [--json]")
	fmt.Println()
	fmt.Println("Show the outcome of one pass and every diff it produced.")
	fmt.Println("Without PASS_ID the newest pass is shown.")
}
