package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/tilepack/internal/config"
	"github.com/mattjoyce/tilepack/internal/log"
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
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "job":
		return runJobNoun(args)
	case "map":
		return runMapNoun(args)
	case "config":
		return runConfigNoun(args)

	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
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
		fmt.Fprintln(os.Stderr, "Usage: tilepack version [--json]")
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

	fmt.Printf("tilepack %s\n", info.Version)
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

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`tilepack - convert MBTiles into Mapeo background map packages

Usage:
  tilepack <noun> <action> [flags]

Nouns:
  system    Service lifecycle
  job       Conversion jobs
  map       Installed background maps
  config    Configuration and integrity

System Commands:
  system start              Run the worker pool, janitor and HTTP API in the foreground

Job Commands:
  job convert <file>        Convert a file locally and wait for the result
  job status <id>           Ask a running service for a job's status
  job history               Show finished jobs from the history database

Map Commands:
  map install <dir>         Install converted output into the Mapeo styles directory
  map history               Show past installs

Config Commands:
  config check              Validate configuration and run preflight checks
  config show [path]        Show the resolved configuration
  config get <path>         Read a single value
  config set <path>=<value> Change a value (--dry-run | --apply)
  config lock               Record integrity hashes for config files

General:
  doctor                    Alias for 'config check'
  version                   Show version information
  help                      Show this help message

Use 'tilepack <noun> help' for action lists.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "convert":
		if hasHelpFlag(actionArgs) {
			printJobConvertHelp()
			return 0
		}
		return runJobConvert(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printJobStatusHelp()
			return 0
		}
		return runJobStatus(actionArgs)
	case "history", "list":
		if hasHelpFlag(actionArgs) {
			printJobHistoryHelp()
			return 0
		}
		return runJobHistory(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runMapNoun(args []string) int {
	if len(args) < 1 {
		printMapNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printMapNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "install":
		if hasHelpFlag(actionArgs) {
			printMapInstallHelp()
			return 0
		}
		return runMapInstall(actionArgs)
	case "history":
		if hasHelpFlag(actionArgs) {
			printMapHistoryHelp()
			return 0
		}
		return runMapHistory(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown map action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
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

// loadConfig discovers and loads configuration; with no file anywhere the
// defaults are used. Logging is set up from the loaded level.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfg, path, err := config.LoadOrDefault(explicit)
	if err != nil {
		return nil, path, err
	}
	log.Setup(cfg.Service.LogLevel)
	return cfg, path, nil
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tilepack system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tilepack job <action>")
	fmt.Fprintln(w, "Actions: convert, status, history")
}

func printMapNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tilepack map <action>")
	fmt.Fprintln(w, "Actions: install, history")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tilepack config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get, set, lock")
}

func printSystemStartHelp() {
	fmt.Println("Usage: tilepack system start [--config PATH]")
	fmt.Println("Run the conversion service in the foreground until SIGINT/SIGTERM.")
}

func printJobConvertHelp() {
	fmt.Println("Usage: tilepack job convert <file.mbtiles> [--install] [--target DIR] [--config PATH] [--json]")
	fmt.Println("Convert a file in this process and wait for the archive. --install also installs the output.")
}

func printJobStatusHelp() {
	fmt.Println("Usage: tilepack job status <id> [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Query a running service for a job's status.")
}

func printJobHistoryHelp() {
	fmt.Println("Usage: tilepack job history [--limit N] [--config PATH] [--json]")
	fmt.Println("List finished jobs recorded in the history database, newest first.")
}

func printMapInstallHelp() {
	fmt.Println("Usage: tilepack map install <dir> [--target DIR] [--config PATH] [--json]")
	fmt.Println("Copy a converted map directory into the styles directory, keeping the old one as a numbered backup.")
}

func printMapHistoryHelp() {
	fmt.Println("Usage: tilepack map history [--limit N] [--config PATH] [--json]")
	fmt.Println("List past installs, newest first.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: tilepack config check [--config PATH] [--strict] [--json]")
	fmt.Println("Validate configuration and check the converter, directories and API settings.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: tilepack config show [path] [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration or one node of it.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: tilepack config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: tilepack config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: tilepack config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Record BLAKE3 hashes of the config files so later loads detect edits.")
}
