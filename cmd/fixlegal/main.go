// fixlegal rewrites the copyright and license footer of every tracked file
// in a git working copy, using the commit history of each file to decide
// the copyright years.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/arcyd/internal/git"
	"github.com/mattjoyce/arcyd/internal/legal"
	"github.com/mattjoyce/arcyd/internal/log"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var differentSince, logLevel string

	flagSet := pflag.NewFlagSet("fixlegal", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&differentSince, "different-since", "", "only check files that differ between `COMMIT` and HEAD")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) != 1 {
		printHelp(stderr, flagSet)
		return fmt.Errorf("expected exactly one path, got %d", len(rest))
	}
	root := rest[0]
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", root)
	}

	logger := log.New(stderr, logLevel, "text")
	fixer := legal.NewFixer(root, git.NewRepository(root), stdout, logger)
	_, err := fixer.Run(ctx, differentSince)
	return err
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprint(w, `fixlegal - rewrite files with the correct legal footer.

Usage:
  fixlegal [flags] PATH

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
	flagSet.SetOutput(io.Discard)
}
