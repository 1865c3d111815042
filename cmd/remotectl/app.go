package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/config"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/dispatch"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/log"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
	"github.com/mattjoyce/remotectl/internal/storage"
)

// clientFlags are shared by every action that talks to a device.
type clientFlags struct {
	configPath string
	deviceID   string
	jsonOut    bool
	timeout    time.Duration
	verbose    bool
}

func newFlagSet(name string, withDevice bool) (*pflag.FlagSet, *clientFlags) {
	cf := &clientFlags{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cf.configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVarP(&cf.verbose, "verbose", "v", false, "Log at the configured level on stderr")
	if withDevice {
		fs.StringVarP(&cf.deviceID, "device", "d", "", "Target device id (required)")
		fs.BoolVar(&cf.jsonOut, "json", false, "Print the result as JSON")
		fs.DurationVar(&cf.timeout, "timeout", 0, "Override the kind's await budget")
	}
	return fs, cf
}

// parseFlags parses args and reports the exit code to return when parsing
// did not succeed.
func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, false
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError, false
	}
	return exitOK, true
}

func (cf *clientFlags) requireDevice() bool {
	if cf.deviceID == "" {
		fmt.Fprintln(os.Stderr, "--device is required")
		return false
	}
	return true
}

// app is the in-process command pipeline: the store, a dispatcher and the
// poll scheduler sharing one event hub.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	store      *records.Store
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	scheduler  *poll.Scheduler
	policies   *poll.Policies
	logger     *slog.Logger
}

// openApp loads the configuration and opens the store. Logs go to logTo at
// level.
func openApp(ctx context.Context, configPath string, logTo io.Writer, level string) (*app, error) {
	cfg, err := config.LoadDiscovered(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level == "" {
		level = cfg.Service.LogLevel
	}
	log.SetupWriter(logTo, level)
	return buildApp(ctx, cfg, log.Get())
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}

	db, dialect, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	store := records.New(db, dialect)
	hub := events.NewHub(256)
	corr := correlate.New(store, correlate.Options{
		RequireCorrelationID: cfg.Correlation.RequireCorrelationID,
		Logger:               logger,
	})

	return &app{
		cfg:        cfg,
		db:         db,
		store:      store,
		hub:        hub,
		dispatcher: dispatch.New(store, hub, dispatch.Config{DedupeWindow: cfg.Dispatch.DedupeWindow}, logger),
		scheduler:  poll.New(corr, hub, logger),
		policies:   policies,
		logger:     logger,
	}, nil
}

func (a *app) Close() {
	a.scheduler.Close()
	_ = a.db.Close()
}

// openClient is openApp for device actions: quiet unless --verbose.
func openClient(ctx context.Context, cf *clientFlags) (*app, bool) {
	level := "warn"
	if cf.verbose {
		level = ""
	}
	a, err := openApp(ctx, cf.configPath, os.Stderr, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, false
	}
	return a, true
}

func (a *app) issuer() string {
	if a.cfg.Service.IssuerID != "" {
		return a.cfg.Service.IssuerID
	}
	return dispatch.AnonymousIssuer
}

func (a *app) dispatch(ctx context.Context, deviceID string, p command.Payload) (dispatch.Dispatched, error) {
	return a.dispatcher.Dispatch(ctx, dispatch.Request{
		DeviceID: deviceID,
		IssuerID: a.issuer(),
		Kind:     p.Kind(),
		Payload:  p,
	})
}

// policy resolves the await policy for kind. A positive timeout replaces
// the kind's budget, keeping its interval.
func (a *app) policy(kind command.Kind, timeout time.Duration) poll.Policy {
	p := a.policies.For(kind)
	if timeout <= 0 {
		return p
	}
	n := int((timeout + p.Interval - 1) / p.Interval)
	if n < 1 {
		n = 1
	}
	p.MaxAttempts = n
	return p
}

// send dispatches p and waits for its reply.
func (a *app) send(ctx context.Context, deviceID string, p command.Payload, timeout time.Duration) (dispatch.Dispatched, correlate.Result, error) {
	d, err := a.dispatch(ctx, deviceID, p)
	if err != nil {
		return dispatch.Dispatched{}, correlate.Result{}, err
	}
	res, err := a.scheduler.Await(ctx, d.Window, a.policy(d.Kind, timeout))
	return d, res, err
}

// payloadFromArgs builds the payload for kind from the positional arguments,
// which are joined with spaces.
func payloadFromArgs(kind command.Kind, args []string, voice string) (command.Payload, error) {
	if len(args) == 0 {
		return command.DecodePayload(kind, nil)
	}
	text := strings.Join(args, " ")
	if kind == command.KindSpeak {
		p := command.Speak{Text: text, Voice: voice}
		return p, p.Validate()
	}
	inner, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	env, err := json.Marshal(map[string]json.RawMessage{"payload": inner})
	if err != nil {
		return nil, err
	}
	return command.DecodePayload(kind, env)
}

// exitCodeFor maps an await or dispatch error to an exit code and prints it.
func exitCodeFor(err error) int {
	var failed *correlate.CommandFailedError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, poll.ErrTimeout):
		fmt.Fprintf(os.Stderr, "No reply: %v\n", err)
		return exitTimeout
	case errors.As(err, &failed):
		fmt.Fprintf(os.Stderr, "Device reported failure: %s\n", failed.Message)
		return exitFailed
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return exitError
	}
	fmt.Println(string(data))
	return exitOK
}
