package livewatch

import (
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/live"
)

// Summary is the rendered-independent digest of one frame.
type Summary struct {
	Seq     int
	At      time.Time
	OK      bool
	Latency time.Duration
	Detail  string

	// Set for image kinds.
	Image *command.Image
	// Set for get_running_processes, sorted by memory, largest first.
	Processes []command.Process
}

// Summarize decodes a frame's content according to its kind.
func Summarize(kind command.Kind, f live.Frame) Summary {
	s := Summary{Seq: f.Seq, At: f.At, Latency: f.Latency}
	if f.Err != nil {
		s.Detail = f.Err.Error()
		return s
	}

	switch kind {
	case command.KindScreenshot, command.KindWebcamShot:
		img, err := command.DecodeImage(f.Result.Content)
		if err != nil {
			s.Detail = "undecodable image: " + err.Error()
			return s
		}
		s.OK = true
		s.Image = &img
		s.Detail = fmt.Sprintf("%s %s", img.MIME, humanBytes(len(img.Data)))
	case command.KindGetRunningProcesses:
		list, err := command.DecodeProcessList(f.Result.Content)
		if err != nil {
			s.Detail = "undecodable process list: " + err.Error()
			return s
		}
		procs := append([]command.Process(nil), list.Processes...)
		sort.SliceStable(procs, func(i, j int) bool { return procs[i].Memory > procs[j].Memory })
		s.OK = true
		s.Processes = procs
		s.Detail = fmt.Sprintf("%d processes", len(procs))
	default:
		s.OK = true
		s.Detail = fmt.Sprintf("%d bytes", len(f.Result.Content))
	}
	return s
}

func humanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
