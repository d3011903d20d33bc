package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cmdsink/internal/config"
	"github.com/mattjoyce/cmdsink/internal/doctor"
	"github.com/mattjoyce/cmdsink/internal/inspect"
	"github.com/mattjoyce/cmdsink/internal/ledger"
	"github.com/mattjoyce/cmdsink/internal/storage"
)

const redacted = "<redacted>"

// --- CONFIG ---

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
	if hasHelpFlag(actionArgs) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

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

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	code := 0
	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		code = 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render check JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return code
	}

	fmt.Printf("Config: %s\n", cfg.SourcePath)
	fmt.Printf("Command: %s\n", cfg.Output.Command)
	fmt.Printf("Tasks: %d\n", cfg.Exec.Tasks)
	if cfg.Input.SplitBytes > 0 {
		fmt.Printf("Split: every %d bytes\n", cfg.Input.SplitBytes)
	} else {
		fmt.Println("Split: none")
	}
	for _, issue := range result.Errors {
		fmt.Printf("ERROR [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("WARN  [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	if code != 0 {
		fmt.Println("Status: Configuration check FAILED.")
		return code
	}
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Print hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	target, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}

	report, err := config.Lock(target, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for _, name := range report.SortedFiles() {
		fmt.Printf("HASH %s: %s\n", name, report.Files[name])
	}
	if report.Written {
		fmt.Printf("WROTE %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("DRY-RUN %s: not written\n", report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	redactTokens(cfg)

	var data []byte
	if *jsonOut {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	os.Stdout.Write(data)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func redactTokens(cfg *config.Config) {
	for i := range cfg.API.Tokens {
		cfg.API.Tokens[i].Token = redacted
	}
}

// resolveConfigFile returns the config file path for configPath, accepting a
// directory or falling back to discovery.
func resolveConfigFile(configPath string) (string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return "", err
		}
		configPath = discovered
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s", configPath)
	}
	if info.IsDir() {
		configPath = filepath.Join(configPath, config.DefaultFileName)
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", configPath)
		}
	}
	return configPath, nil
}

// --- RUNS ---

func runRunsNoun(args []string) int {
	if len(args) < 1 {
		printRunsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printRunsNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "list":
		return runRunsList(actionArgs)
	case "inspect":
		return runRunsInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs action: %s\n", action)
		return 1
	}
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of runs to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeStore, err := openLedger(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		return 1
	}
	defer closeStore()

	runs, err := store.RecentRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		if runs == nil {
			runs = []ledger.Run{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render runs JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Print(inspect.BuildRunList(runs, currentTheme()))
	return 0
}

func runRunsInspect(args []string) int {
	// Allow the run id before or after the flags.
	var runID string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		runID, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if runID == "" && fs.NArg() > 0 {
		runID = fs.Arg(0)
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: cmdsink runs inspect <id> [--config PATH] [--json]")
		return 1
	}

	ctx := context.Background()
	store, closeStore, err := openLedger(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		return 1
	}
	defer closeStore()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, runID)
	} else {
		out, err = inspect.BuildReport(ctx, store, runID, currentTheme())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to inspect run: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func openLedger(ctx context.Context, configPath string) (*ledger.Ledger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return ledger.New(db), func() { _ = db.Close() }, nil
}

func currentTheme() inspect.Theme {
	_, noColor := os.LookupEnv("NO_COLOR")
	return inspect.NewTheme(noColor)
}
