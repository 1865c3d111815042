package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/inspect"
	"github.com/mattjoyce/remotectl/internal/records"
)

func runCommandNoun(args []string) int {
	if len(args) < 1 {
		printCommandNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printCommandNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "send":
		return runCommandSend(actionArgs, true)
	case "dispatch":
		return runCommandSend(actionArgs, false)
	case "await":
		return runCommandAwait(actionArgs)
	case "status":
		return runCommandStatus(actionArgs)
	case "list":
		return runCommandList(actionArgs)
	case "kinds":
		return runCommandKinds(actionArgs)
	case "inspect":
		return runCommandInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command action: %s\n", action)
		printCommandNounHelp(os.Stderr)
		return exitError
	}
}

func printCommandNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: remotectl command <action>")
	fmt.Fprintln(w, "Actions: send, dispatch, await, status, list, inspect, kinds")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  send <kind> [arg...] --device ID [--timeout D] [--json] [--voice V]")
	fmt.Fprintln(w, "  dispatch <kind> [arg...] --device ID")
	fmt.Fprintln(w, "  await <command-id> [--timeout D] [--json]")
	fmt.Fprintln(w, "  status <command-id> [--json]")
	fmt.Fprintln(w, "  list --device ID [--status S] [--limit N] [--json]")
	fmt.Fprintln(w, "  inspect <command-id> [--limit N] [--lookback D] [--json]")
	fmt.Fprintln(w, "  kinds")
}

// signalContext is cancelled on SIGINT or SIGTERM so an await stops cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCommandSend(args []string, wait bool) int {
	name := "command dispatch"
	if wait {
		name = "command send"
	}
	fs, cf := newFlagSet(name, true)
	voice := fs.String("voice", "", "Voice for speak (default "+command.DefaultVoice+")")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: remotectl %s <kind> [arg...] --device ID\n", name)
		return exitError
	}
	if !cf.requireDevice() {
		return exitError
	}

	kind, err := command.ParseKind(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	payload, err := payloadFromArgs(kind, fs.Args()[1:], *voice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	if !wait {
		d, err := a.dispatch(ctx, cf.deviceID, payload)
		if err != nil {
			return exitCodeFor(err)
		}
		if cf.jsonOut {
			return printJSON(map[string]any{
				"command_id":    d.CommandID,
				"device_id":     d.DeviceID,
				"kind":          d.Kind,
				"dispatched_at": d.DispatchedAt,
				"deduplicated":  d.Deduplicated,
			})
		}
		fmt.Println(d.CommandID)
		return exitOK
	}

	_, res, err := a.send(ctx, cf.deviceID, payload, cf.timeout)
	if err != nil {
		return exitCodeFor(err)
	}
	return printResult(res, cf.jsonOut)
}

func runCommandAwait(args []string) int {
	fs, cf := newFlagSet("command await", true)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl command await <command-id> [--timeout D]")
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	row, err := a.store.QueryCommandStatus(ctx, fs.Arg(0))
	if err != nil {
		return commandLookupError(fs.Arg(0), err)
	}
	// The window opens at the row's creation so replies that predate the
	// command stay invisible.
	w, err := correlate.NewWindow(row.ID, row.DeviceID, row.Kind, row.CreatedAt)
	if err != nil {
		return exitCodeFor(err)
	}
	res, err := a.scheduler.Await(ctx, w, a.policy(row.Kind, cf.timeout))
	if err != nil {
		return exitCodeFor(err)
	}
	return printResult(res, cf.jsonOut)
}

func runCommandStatus(args []string) int {
	fs, cf := newFlagSet("command status", true)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl command status <command-id> [--json]")
		return exitError
	}

	ctx := context.Background()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	row, err := a.store.QueryCommandStatus(ctx, fs.Arg(0))
	if err != nil {
		return commandLookupError(fs.Arg(0), err)
	}
	if cf.jsonOut {
		return printJSON(commandView(*row))
	}

	fmt.Printf("id:         %s\n", row.ID)
	fmt.Printf("device:     %s\n", row.DeviceID)
	fmt.Printf("kind:       %s\n", row.Kind)
	fmt.Printf("status:     %s\n", row.Status)
	fmt.Printf("created_at: %s\n", row.CreatedAt.Format(time.RFC3339Nano))
	if row.ExecutedAt != nil {
		fmt.Printf("executed:   %s\n", row.ExecutedAt.Format(time.RFC3339Nano))
	}
	if row.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", row.ErrorMessage)
	}
	if len(row.Result) > 0 {
		fmt.Printf("result:     %s\n", string(row.Result))
	}
	return exitOK
}

func runCommandList(args []string) int {
	fs, cf := newFlagSet("command list", true)
	statuses := fs.StringSlice("status", nil, "Only these statuses (pending, executing, completed, failed)")
	limit := fs.Int("limit", 50, "At most N commands, oldest first (0 for all)")
	since := fs.Duration("since", 0, "Only commands created within this long")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if !cf.requireDevice() {
		return exitError
	}

	filter := records.CommandFilter{DeviceID: cf.deviceID, Limit: *limit}
	for _, s := range *statuses {
		st := command.Status(strings.ToLower(strings.TrimSpace(s)))
		if !st.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", s)
			return exitError
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	ctx := context.Background()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	rows, err := a.store.ListCommands(ctx, filter)
	if err != nil {
		return exitCodeFor(err)
	}

	if cf.jsonOut {
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, commandView(row))
		}
		return printJSON(out)
	}

	if len(rows) == 0 {
		fmt.Println("No commands.")
		return exitOK
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCREATED\tERROR")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			row.ID, row.Kind, row.Status, row.CreatedAt.Local().Format("2006-01-02 15:04:05"), row.ErrorMessage)
	}
	_ = tw.Flush()
	return exitOK
}

// runCommandInspect lists the stored events that could answer a command and
// how the acceptance rule treats each one.
func runCommandInspect(args []string) int {
	fs, cf := newFlagSet("command inspect", false)
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	limit := fs.Int("limit", 20, "At most N candidate events, newest first")
	lookback := fs.Duration("lookback", time.Minute, "Also list events this long before dispatch")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl command inspect <command-id> [--json]")
		return exitError
	}
	id := fs.Arg(0)

	ctx := context.Background()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	row, err := a.store.QueryCommandStatus(ctx, id)
	if err != nil {
		return commandLookupError(id, err)
	}
	opts := inspect.Options{
		RequireCorrelationID: a.cfg.Correlation.RequireCorrelationID,
		Policy:               a.policies.For(row.Kind),
		Lookback:             *lookback,
		Limit:                *limit,
	}

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, a.store, id, opts)
	if err != nil {
		return exitCodeFor(err)
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return exitOK
}

func runCommandKinds(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl command kinds")
		return exitError
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tREPLY\tBUDGET\tLIVE")
	for _, k := range command.Kinds() {
		spec, _ := command.Lookup(k)
		reply := string(spec.Reply.Source)
		if spec.Reply.Source == command.ReplyEvent {
			reply = spec.Reply.EventKind
			if spec.Reply.Subtype != "" {
				reply += "/" + spec.Reply.Subtype
			}
		}
		live := ""
		if spec.Live {
			live = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k, reply, spec.Budget, live)
	}
	_ = tw.Flush()
	return exitOK
}

func commandLookupError(id string, err error) int {
	if errors.Is(err, records.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Command %s not found\n", id)
		return exitError
	}
	return exitCodeFor(err)
}

func commandView(row records.Command) map[string]any {
	v := map[string]any{
		"id":         row.ID,
		"device_id":  row.DeviceID,
		"issuer_id":  row.IssuerID,
		"kind":       row.Kind,
		"status":     row.Status,
		"created_at": row.CreatedAt,
		"updated_at": row.UpdatedAt,
	}
	if row.ExecutedAt != nil {
		v["executed_at"] = *row.ExecutedAt
	}
	if row.ErrorMessage != "" {
		v["error"] = row.ErrorMessage
	}
	if len(row.Result) > 0 {
		v["result"] = row.Result
	}
	return v
}

// printResult writes a generic reply: the content on stdout, or the whole
// result with --json.
func printResult(res correlate.Result, jsonOut bool) int {
	if jsonOut {
		return printJSON(res)
	}
	if res.Content == "" {
		fmt.Printf("%s: ok\n", res.Kind)
		return exitOK
	}
	fmt.Println(res.Content)
	return exitOK
}
