package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
	"github.com/mattjoyce/remotectl/internal/storage"
)

var imagePolicy = poll.Policy{Interval: time.Second, MaxAttempts: 30}

func newStore(t *testing.T) *records.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "remotectl.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return records.New(db, storage.DialectSQLite)
}

func appendEvent(t *testing.T, s *records.Store, kind, meta, content string) records.Event {
	t.Helper()
	e, err := s.AppendEvent(context.Background(), records.NewEvent{
		DeviceID: "dev-1", Kind: kind, Content: content, Metadata: json.RawMessage(meta),
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	return e
}

// seedScreenshot stores one reply of every verdict around a screenshot command.
func seedScreenshot(t *testing.T, s *records.Store) (cmd records.Command, tagged, untagged records.Event) {
	t.Helper()
	appendEvent(t, s, command.EventKindScreenshot, `{}`, "before")

	cmd, err := s.InsertCommand(context.Background(), records.NewCommand{DeviceID: "dev-1", Kind: command.KindScreenshot})
	if err != nil {
		t.Fatalf("InsertCommand: %v", err)
	}
	appendEvent(t, s, command.EventKindScreenshot, `{"correlation_id":"someone-else"}`, "foreign")
	tagged = appendEvent(t, s, command.EventKindScreenshot, `{"correlation_id":"`+cmd.ID+`"}`, "mine")
	untagged = appendEvent(t, s, command.EventKindScreenshot, `{}`, "late untagged")
	appendEvent(t, s, command.EventKindInfo, `{"subtype":"file_list","correlation_id":"`+cmd.ID+`"}`, "other kind")
	return cmd, tagged, untagged
}

func verdicts(r *Report) []correlate.Verdict {
	out := make([]correlate.Verdict, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		out = append(out, c.Verdict)
	}
	return out
}

func TestGatherClassifiesCandidates(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	cmd, _, untagged := seedScreenshot(t, s)

	r, err := Gather(context.Background(), s, cmd.ID, Options{Policy: imagePolicy})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := []correlate.Verdict{correlate.VerdictAccepted, correlate.VerdictAccepted, correlate.VerdictForeign, correlate.VerdictStale}
	got := verdicts(r)
	if len(got) != len(want) {
		t.Fatalf("verdicts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("verdicts = %v, want %v", got, want)
		}
	}
	if r.Reply == nil || r.Reply.EventID != untagged.ID {
		t.Fatalf("reply = %+v, want the newest untagged event %s", r.Reply, untagged.ID)
	}
	if !r.Deadline.Equal(cmd.CreatedAt.Add(30 * time.Second)) {
		t.Fatalf("deadline = %s", r.Deadline)
	}
	if r.ReplySource != string(command.ReplyEvent) || r.EventKind != command.EventKindScreenshot {
		t.Fatalf("reply routing = %s %s", r.ReplySource, r.EventKind)
	}
	if !strings.HasPrefix(r.Candidates[3].Offset, "-") {
		t.Fatalf("stale offset = %q, want negative", r.Candidates[3].Offset)
	}
}

func TestGatherStrictSkipsUntagged(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	cmd, tagged, _ := seedScreenshot(t, s)

	r, err := Gather(context.Background(), s, cmd.ID, Options{Policy: imagePolicy, RequireCorrelationID: true})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if got := r.Candidates[0].Verdict; got != correlate.VerdictUntagged {
		t.Fatalf("newest verdict = %s, want untagged", got)
	}
	if r.Reply == nil || r.Reply.EventID != tagged.ID {
		t.Fatalf("reply = %+v, want tagged event %s", r.Reply, tagged.ID)
	}
}

func TestGatherHonoursLimit(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	cmd, _, _ := seedScreenshot(t, s)

	r, err := Gather(context.Background(), s, cmd.ID, Options{Policy: imagePolicy, Limit: 2})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(r.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(r.Candidates))
	}
}

func TestBuildReportStatusKind(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	cmd, err := s.InsertCommand(ctx, records.NewCommand{DeviceID: "dev-1", Kind: command.KindLockPC})
	if err != nil {
		t.Fatalf("InsertCommand: %v", err)
	}
	if _, err := s.UpdateCommandStatus(ctx, cmd.ID, records.StatusUpdate{Status: command.StatusFailed, ErrorMessage: "session locked"}); err != nil {
		t.Fatalf("UpdateCommandStatus: %v", err)
	}

	out, err := BuildReport(ctx, s, cmd.ID, Options{Policy: poll.Policy{Interval: time.Second, MaxAttempts: 10}})
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{"Kind        : lock_pc", "Status      : failed", "Error       : session locked", "Reply via   : command status", "1s x 10"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildReportMarksReply(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	cmd, _, untagged := seedScreenshot(t, s)

	out, err := BuildReport(context.Background(), s, cmd.ID, Options{Policy: imagePolicy})
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "screenshot event (lenient correlation)") {
		t.Fatalf("missing reply routing:\n%s", out)
	}
	var marked string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "* ") {
			marked = line
		}
	}
	if !strings.Contains(marked, untagged.ID) || !strings.Contains(marked, "<untagged>") {
		t.Fatalf("marked line = %q", marked)
	}
	if !strings.Contains(out, "someone-else") || !strings.Contains(out, "stale") {
		t.Fatalf("missing rejected candidates:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	cmd, _, _ := seedScreenshot(t, s)

	raw, err := BuildJSONReport(context.Background(), s, cmd.ID, Options{Policy: imagePolicy})
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var decoded struct {
		CommandID  string `json:"command_id"`
		Candidates []struct {
			Verdict string `json:"verdict"`
		} `json:"candidates"`
		Reply *struct {
			EventID string `json:"event_id"`
		} `json:"reply"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.CommandID != cmd.ID || len(decoded.Candidates) != 4 || decoded.Reply == nil {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestGatherUnknownCommand(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := Gather(context.Background(), s, "missing", Options{})
	if !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := Gather(context.Background(), s, "  ", Options{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestFormatOffset(t *testing.T) {
	t.Parallel()
	if got := formatOffset(1500 * time.Millisecond); got != "+1.5s" {
		t.Fatalf("formatOffset = %q", got)
	}
	if got := formatOffset(-2 * time.Second); got != "-2s" {
		t.Fatalf("formatOffset = %q", got)
	}
}
