package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/live"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/tui/livewatch"
)

func printLiveHelp() {
	fmt.Println("Usage: remotectl live --device ID [--kind KIND] [--out DIR] [--plain] [--count N]")
	fmt.Println("Re-issue a capture command back to back until stopped.")
	fmt.Println("Kinds: screenshot (default), webcam_shot, get_running_processes.")
	fmt.Println("--out saves every image frame; --plain prints one line per frame instead of the viewer.")
}

func runLive(args []string) int {
	fs, cf := newFlagSet("live", true)
	kindName := fs.StringP("kind", "k", string(command.KindScreenshot), "Command kind to repeat")
	outDir := fs.StringP("out", "o", "", "Save image frames into this directory")
	plain := fs.Bool("plain", false, "Print frames as lines instead of the terminal viewer")
	count := fs.Int("count", 0, "Stop after N frames (0 runs until interrupted)")
	cooldown := fs.Duration("cooldown", -1, "Override live.cooldown")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if !cf.requireDevice() {
		return exitError
	}
	kind, err := command.ParseKind(*kindName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	liveKinds, err := a.cfg.LiveKinds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	lcfg := live.Config{
		Cooldown:               a.cfg.Live.Cooldown,
		MaxConsecutiveFailures: a.cfg.Live.MaxConsecutiveFailures,
		Kinds:                  liveKinds,
		IssuerID:               a.issuer(),
	}
	if *cooldown >= 0 {
		lcfg.Cooldown = *cooldown
	}
	policies := timeoutPolicies{app: a, timeout: cf.timeout}
	runner := live.NewRunner(a.dispatcher, a.scheduler, policies, a.hub, lcfg, a.logger)

	frames := make(chan live.Frame, 16)
	var session *live.Live
	started := make(chan struct{})
	onFrame := func(f live.Frame) {
		<-started
		if *outDir != "" {
			saveFrame(*outDir, kind, f)
		}
		if *count > 0 && f.Seq >= *count {
			session.Stop()
		}
		select {
		case frames <- f:
		default:
			// The viewer is behind; it only shows the newest frames anyway.
		}
	}

	session, err = runner.StartLive(ctx, cf.deviceID, kind, onFrame)
	close(started)
	if err != nil {
		if errors.Is(err, live.ErrNotLiveCapable) {
			fmt.Fprintf(os.Stderr, "%s cannot run live (allowed: %v)\n", kind, lcfg.Kinds)
			return exitError
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	if *plain || cf.jsonOut {
		return runLivePlain(session, frames, kind, cf.jsonOut)
	}

	p := tea.NewProgram(livewatch.New(session, frames), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		session.Stop()
		<-session.Done()
		fmt.Fprintf(os.Stderr, "Viewer failed: %v\n", err)
		return exitError
	}
	return liveExitCode(session)
}

func runLivePlain(session *live.Live, frames <-chan live.Frame, kind command.Kind, jsonOut bool) int {
	for {
		select {
		case f := <-frames:
			printFrame(kind, f, jsonOut)
		case <-session.Done():
			// Drain what arrived before the session ended.
			for {
				select {
				case f := <-frames:
					printFrame(kind, f, jsonOut)
				default:
					return liveExitCode(session)
				}
			}
		}
	}
}

func printFrame(kind command.Kind, f live.Frame, jsonOut bool) {
	s := livewatch.Summarize(kind, f)
	if jsonOut {
		v := map[string]any{
			"seq":        s.Seq,
			"command_id": f.CommandID,
			"ok":         s.OK,
			"latency_ms": s.Latency.Milliseconds(),
			"at":         s.At,
			"detail":     s.Detail,
		}
		if s.Processes != nil {
			v["processes"] = s.Processes
		}
		printJSON(v)
		return
	}
	status := "ok  "
	if !s.OK {
		status = "fail"
	}
	fmt.Printf("%s #%-4d %s %8s  %s\n", s.At.Format("15:04:05"), s.Seq, status, s.Latency.Round(time.Millisecond), s.Detail)
}

func liveExitCode(session *live.Live) int {
	if err := session.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Live session ended: %v\n", err)
		return exitError
	}
	return exitOK
}

// saveFrame writes an image frame as <kind>-<seq>.<ext>. Failed and
// non-image frames are skipped.
func saveFrame(dir string, kind command.Kind, f live.Frame) {
	if f.Err != nil || (kind != command.KindScreenshot && kind != command.KindWebcamShot) {
		return
	}
	img, err := command.DecodeImage(f.Result.Content)
	if err != nil {
		return
	}
	name := fmt.Sprintf("%s-%05d%s", kind, f.Seq, imageExt(img.MIME))
	if err := os.WriteFile(filepath.Join(dir, name), img.Data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "save frame %d: %v\n", f.Seq, err)
	}
}

func imageExt(mime string) string {
	switch mime {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".png"
	}
}

// timeoutPolicies applies --timeout to every window of a live session.
type timeoutPolicies struct {
	app     *app
	timeout time.Duration
}

func (p timeoutPolicies) For(kind command.Kind) poll.Policy {
	return p.app.policy(kind, p.timeout)
}
