package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/config"
	"github.com/mattjoyce/remotectl/internal/doctor"
)

// --- db ---

func runDBNoun(args []string) int {
	if len(args) < 1 {
		printDBNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printDBNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "prune":
		return runDBPrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown db action: %s\n", args[0])
		printDBNounHelp(os.Stderr)
		return exitError
	}
}

func printDBNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: remotectl db <action>")
	fmt.Fprintln(w, "Actions: prune")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  prune [--commands D] [--events D] [--dry-run]")
	fmt.Fprintln(w, "        Deletes rows older than retention.commands / retention.events.")
	fmt.Fprintln(w, "        A zero retention keeps that table untouched.")
}

func runDBPrune(args []string) int {
	fs, cf := newFlagSet("db prune", false)
	commandsAge := fs.Duration("commands", -1, "Override retention.commands")
	eventsAge := fs.Duration("events", -1, "Override retention.events")
	dryRun := fs.Bool("dry-run", false, "Print the cutoffs without deleting")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	keepCommands := a.cfg.Retention.Commands
	if *commandsAge >= 0 {
		keepCommands = *commandsAge
	}
	keepEvents := a.cfg.Retention.Events
	if *eventsAge >= 0 {
		keepEvents = *eventsAge
	}

	now := time.Now()
	if keepCommands > 0 {
		cutoff := now.Add(-keepCommands)
		if *dryRun {
			fmt.Printf("would prune commands created before %s\n", cutoff.Format(time.RFC3339))
		} else {
			n, err := a.store.PruneCommands(ctx, cutoff)
			if err != nil {
				return exitCodeFor(err)
			}
			fmt.Printf("pruned %d commands created before %s\n", n, cutoff.Format(time.RFC3339))
		}
	}
	if keepEvents > 0 {
		cutoff := now.Add(-keepEvents)
		if *dryRun {
			fmt.Printf("would prune events created before %s\n", cutoff.Format(time.RFC3339))
		} else {
			n, err := a.store.PruneEvents(ctx, cutoff)
			if err != nil {
				return exitCodeFor(err)
			}
			fmt.Printf("pruned %d events created before %s\n", n, cutoff.Format(time.RFC3339))
		}
	}
	if keepCommands <= 0 && keepEvents <= 0 {
		fmt.Println("retention disabled; nothing pruned")
	}
	return exitOK
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "get":
		return runConfigGet(args[1:])
	case "show":
		return runConfigShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		printConfigNounHelp(os.Stderr)
		return exitError
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: remotectl config <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: check, get, show")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  check [--json]    Validate and print the resolved poll policies")
	fmt.Fprintln(w, "  get <path>        Print one value, e.g. poll.budgets.image.interval")
	fmt.Fprintln(w, "  show              Print the effective configuration, secrets masked")
}

type configCheckResult struct {
	Valid    bool              `json:"valid"`
	Path     string            `json:"path,omitempty"`
	Error    string            `json:"error,omitempty"`
	Policies map[string]string `json:"policies,omitempty"`
}

func runConfigCheck(args []string) int {
	fs, cf := newFlagSet("config check", false)
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadDiscovered(cf.configPath)
	if err != nil {
		if *jsonOut {
			printJSON(configCheckResult{Valid: false, Path: cf.configPath, Error: err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return exitError
	}
	policies, err := cfg.Policies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitError
	}

	source := cfg.SourcePath
	if source == "" {
		source = "(defaults and environment)"
	}
	result := configCheckResult{Valid: true, Path: source, Policies: map[string]string{}}
	for _, k := range command.Kinds() {
		result.Policies[string(k)] = policies.For(k).String()
	}
	if *jsonOut {
		return printJSON(result)
	}

	fmt.Printf("Configuration valid: %s\n\n", source)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPOLICY\tBUDGET")
	for _, k := range command.Kinds() {
		p := policies.For(k)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k, p, p.Budget())
	}
	_ = tw.Flush()
	return exitOK
}

func runConfigGet(args []string) int {
	fs, cf := newFlagSet("config get", false)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl config get <path>")
		return exitError
	}

	cfg, err := config.LoadDiscovered(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	val, err := cfg.Redacted().GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	switch v := val.(type) {
	case map[string]any, []any:
		out, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
		fmt.Print(string(out))
	default:
		fmt.Println(v)
	}
	return exitOK
}

func runConfigShow(args []string) int {
	fs, cf := newFlagSet("config show", false)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadDiscovered(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	fmt.Print(string(out))
	return exitOK
}

// --- doctor ---

func printDoctorHelp() {
	fmt.Println("Usage: remotectl doctor [--json] [--silent-after D] [--config-only]")
	fmt.Println("Check the configuration, then the store for commands past their await")
	fmt.Println("budget and devices with outstanding commands that stopped writing events.")
	fmt.Println("Exits 1 when any error is found; warnings alone exit 0.")
}

func runDoctor(args []string) int {
	fs, cf := newFlagSet("doctor", false)
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	silentAfter := fs.Duration("silent-after", 10*time.Minute, "Flag devices quiet for longer than this")
	configOnly := fs.Bool("config-only", false, "Skip the store checks")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	var store doctor.Store
	if !*configOnly {
		store = a.store
	}
	r := doctor.New(a.cfg, store, doctor.Options{SilentAfter: *silentAfter}).Validate(ctx)

	if *jsonOut {
		printJSON(r)
	} else {
		printDoctorResult(r)
	}
	if !r.Valid {
		return exitError
	}
	return exitOK
}

func printDoctorResult(r *doctor.Result) {
	for _, e := range r.Errors {
		fmt.Printf("ERROR   [%s] %s%s\n", e.Category, e.Message, issueField(e))
	}
	for _, w := range r.Warnings {
		fmt.Printf("WARNING [%s] %s%s\n", w.Category, w.Message, issueField(w))
	}
	if r.Valid && len(r.Warnings) == 0 {
		fmt.Println("No problems found.")
		return
	}
	fmt.Printf("\n%d error(s), %d warning(s)\n", len(r.Errors), len(r.Warnings))
}

func issueField(i doctor.Issue) string {
	if i.Field == "" {
		return ""
	}
	return " (" + i.Field + ")"
}
