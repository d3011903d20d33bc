package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "runs":
		return runRunsNoun(args)

	// --- VERBS ---
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: cmdsink version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("cmdsink %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cmdsink - stream input bytes into per-file shell commands

Usage:
  cmdsink <command> [flags]
  cmdsink <noun> <action> [flags]

Commands:
  run [inputs...]   Run one transaction and record it in the ledger

Config Commands:
  config check      Validate syntax, values, and integrity
  config lock       Record the config hash in .checksums
  config show       Print the effective configuration

Runs Commands:
  runs list         Show recent runs from the ledger
  runs inspect <id> Show one run and its file invocations

General:
  version           Show version information
  help              Show this help message

The config is taken from --config, $CMDSINK_CONFIG, ./cmdsink.yaml,
or ~/.config/cmdsink/cmdsink.yaml, in that order.
`)
}

func printRunHelp() {
	fmt.Print(`Usage: cmdsink run [--config PATH] [--tasks N] [--json] [inputs...]

Reads every input ("-" is stdin) and pipes it into out.command, starting a
new command every in.split_bytes bytes. Inputs default to in.paths, then stdin.
Exits 1 if any task fails.
`)
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: cmdsink config <action> [flags]

Actions:
  check [--config PATH] [--strict] [--json]  Validate the configuration and host
  lock  [--config PATH] [--dry-run]          Record the config hash in .checksums
  show  [--config PATH] [--json]             Print the effective configuration (tokens redacted)
`)
}

func printRunsNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: cmdsink runs <action> [flags]

Actions:
  list    [--config PATH] [--limit N] [--json]  Show recent runs
  inspect <id> [--config PATH] [--json]         Show one run and its files

Set NO_COLOR to disable styling.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
