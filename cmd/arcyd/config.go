package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/arcyd/internal/config"
	"github.com/mattjoyce/arcyd/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// runConfigCheck exits 0 when valid, 1 on errors and 2 on warnings only.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", ".", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	result, code, err := validateConfigAtPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return code
	}
	printValidationSummary(result)
	return code
}

func validateConfigAtPath(configPath string) (*doctor.Result, int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, 1, err
	}
	result := doctor.New(cfg).Validate()
	if !result.Valid {
		return result, 1, nil
	}
	if len(result.Warnings) > 0 {
		return result, 2, nil
	}
	return result, 0, nil
}

func printValidationSummary(result *doctor.Result) {
	if result == nil {
		return
	}
	printIssue := func(level string, issue doctor.Issue) {
		if issue.Field != "" {
			fmt.Printf("  %-5s [%s] %s: %s\n", level, issue.Category, issue.Field, issue.Message)
		} else {
			fmt.Printf("  %-5s [%s] %s\n", level, issue.Category, issue.Message)
		}
	}

	switch {
	case !result.Valid:
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
		for _, issue := range result.Errors {
			printIssue("ERROR", issue)
		}
	case len(result.Warnings) == 0:
		fmt.Println("Validation: ✓ All checks passed")
		return
	default:
		fmt.Printf("Validation: ✓ passed with %d warning(s)\n", len(result.Warnings))
	}
	for _, issue := range result.Warnings {
		printIssue("WARN", issue)
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", ".", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show what would be written")
	verbose := fs.Bool("v", false, "List every hashed file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	reports, err := config.Lock(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for _, report := range reports {
		verb := "wrote"
		if !report.Written {
			verb = "would write"
		}
		fmt.Printf("%s %s (%d file(s))\n", verb, report.ChecksumPath, len(report.Files))
		if *verbose {
			for _, f := range report.Files {
				fmt.Printf("  %s  %s\n", f.Hash, f.Filename)
			}
		}
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", ".", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	cfg = cfg.Redacted()

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}
