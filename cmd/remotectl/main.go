package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitTimeout = 2
	exitFailed  = 3
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitError
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "command":
		return runCommandNoun(args)
	case "files":
		return runFilesNoun(args)
	case "processes":
		return runProcessesNoun(args)
	case "db":
		return runDBNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- VERBS ---
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return exitOK
		}
		return runServe(args)
	case "live":
		if hasHelpFlag(args) {
			printLiveHelp()
			return exitOK
		}
		return runLive(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return exitOK
		}
		return runWatch(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return exitOK
		}
		return runDoctor(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitError
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl version [--json]")
		return exitError
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("remotectl %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
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
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
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
	fmt.Print(`remotectl - Remote control for devices that poll a shared record store

Usage:
  remotectl <noun> <action> [flags]
  remotectl <verb> [flags]

Service:
  serve                 Run the HTTP API (dispatch, results, agent routes, SSE)
  watch                 Follow a running server's events in a dashboard

Commands:
  command send          Dispatch a command and wait for its reply
  command dispatch      Dispatch a command without waiting
  command await <id>    Wait for the reply to an existing command
  command status <id>   Show the stored row for a command
  command list          List commands for a device
  command inspect <id>  Show which stored events could answer a command

Device helpers:
  files ls [path]       List a directory on the device
  files get <path>      Download a file from the device
  files rm <path>       Delete a file on the device
  processes ls          List running processes
  processes kill <id>   Kill a process by pid or name
  live                  Repeat a capture command and watch the results

Maintenance:
  db prune              Delete rows older than the retention window
  doctor                Check the store for stuck commands and silent devices
  config check          Validate the configuration
  config get <path>     Print one configuration value
  config show           Print the configuration with secrets masked

General:
  version               Show version information
  help                  Show this help message

Global flags (every action):
  --config <path>       Configuration file or directory

Exit codes: 0 ok, 1 error, 2 no reply in time, 3 the device reported failure.
Use 'remotectl <noun> help' for resource-specific flags.
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
