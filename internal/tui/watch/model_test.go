package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/remotectl/internal/events"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(id int64, typ, device string, at time.Time, data map[string]any) events.Event {
	b, _ := json.Marshal(data)
	return events.Event{ID: id, Type: typ, DeviceID: device, At: at, Data: b}
}

func sseFrame(e events.Event) string {
	b, _ := json.Marshal(e)
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, b)
}

func TestReadStreamParsesEnvelopes(t *testing.T) {
	first := ev(1, events.CommandDispatched, "pc-1", t0, map[string]any{"command_id": "c1", "kind": "screenshot"})
	stream := sseFrame(first) +
		": keep-alive\n\n" +
		"id: 7\nevent: custom\ndata: {\"note\":\"bare\"}\n\n"

	var got []events.Event
	require.NoError(t, readStream(strings.NewReader(stream), func(e events.Event) { got = append(got, e) }))
	require.Len(t, got, 2)

	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "pc-1", got[0].DeviceID)
	assert.True(t, got[0].At.Equal(t0))
	assert.JSONEq(t, `{"command_id":"c1","kind":"screenshot"}`, string(got[0].Data))

	// A data line that is not an envelope is kept as the payload.
	assert.Equal(t, int64(7), got[1].ID)
	assert.Equal(t, "custom", got[1].Type)
	assert.JSONEq(t, `{"note":"bare"}`, string(got[1].Data))
	assert.False(t, got[1].At.IsZero())
}

func TestTrackerFollowsCommandLifecycle(t *testing.T) {
	tr := newTracker()
	tr.apply(ev(1, events.CommandDispatched, "pc-1", t0, map[string]any{"command_id": "c1", "kind": "screenshot", "dispatched_at": t0}))
	tr.apply(ev(2, events.CommandDispatched, "pc-1", t0, map[string]any{"command_id": "c2", "kind": "lock_pc", "dispatched_at": t0}))
	tr.apply(ev(3, events.CommandDispatched, "pc-2", t0, map[string]any{"command_id": "c3", "kind": "get_running_processes"}))

	assert.Equal(t, 3, tr.inFlight())
	assert.Equal(t, []string{"pc-1", "pc-2"}, tr.sortedDeviceIDs())

	tr.apply(ev(4, events.CommandResolved, "pc-1", t0.Add(2*time.Second), map[string]any{"command_id": "c1", "kind": "screenshot", "attempts": 2}))
	tr.apply(ev(5, events.CommandTimedOut, "pc-1", t0.Add(15*time.Second), map[string]any{"command_id": "c2", "kind": "lock_pc", "attempts": 10, "error": "no reply"}))
	tr.apply(ev(6, events.CommandFailed, "pc-2", t0.Add(time.Second), map[string]any{"command_id": "c3", "error": "access denied"}))

	assert.Equal(t, 0, tr.inFlight())
	pc1 := tr.devices["pc-1"]
	assert.Equal(t, 1, pc1.Resolved)
	assert.Equal(t, 1, pc1.TimedOut)
	assert.Equal(t, t0.Add(15*time.Second), pc1.LastSeen)
	assert.Equal(t, 1, tr.devices["pc-2"].Failed)

	require.Len(t, tr.recent, 3)
	assert.Equal(t, "c3", tr.recent[0].ID)
	assert.Equal(t, outcomeFailed, tr.recent[0].Outcome)
	assert.Equal(t, "get_running_processes", tr.recent[0].Kind)
	assert.Equal(t, outcomeTimedOut, tr.recent[1].Outcome)
	assert.Equal(t, 10, tr.recent[1].Attempts)
	assert.Equal(t, outcomeResolved, tr.recent[2].Outcome)
	assert.Empty(t, tr.commands)
}

func TestTrackerOutcomeWithoutDispatch(t *testing.T) {
	tr := newTracker()
	tr.apply(ev(1, events.CommandResolved, "pc-1", t0, map[string]any{"command_id": "late", "kind": "webcam_shot"}))

	require.Len(t, tr.recent, 1)
	assert.Equal(t, "webcam_shot", tr.recent[0].Kind)
	assert.Equal(t, 1, tr.devices["pc-1"].Resolved)
}

func TestTrackerRecentIsBounded(t *testing.T) {
	tr := newTracker()
	for i := range recentLimit + 5 {
		id := fmt.Sprintf("c%d", i)
		tr.apply(ev(int64(i), events.CommandResolved, "pc-1", t0, map[string]any{"command_id": id}))
	}
	require.Len(t, tr.recent, recentLimit)
	assert.Equal(t, fmt.Sprintf("c%d", recentLimit+4), tr.recent[0].ID)
}

func TestTrackerLiveSessions(t *testing.T) {
	tr := newTracker()
	tr.apply(ev(1, events.LiveFrame, "pc-1", t0, map[string]any{"kind": "screenshot", "seq": 1, "latency_ms": 900}))
	tr.apply(ev(2, events.LiveFrame, "pc-1", t0, map[string]any{"kind": "screenshot", "seq": 2, "latency_ms": 1100}))

	d := tr.devices["pc-1"]
	assert.Equal(t, 1, tr.liveSessions())
	assert.Equal(t, 2, d.LiveFrames)
	assert.Equal(t, 1100*time.Millisecond, d.LiveLatency)

	tr.apply(ev(3, events.LiveStopped, "pc-1", t0, map[string]any{"kind": "screenshot", "error": "too many failures"}))
	assert.Equal(t, 0, tr.liveSessions())
	assert.Equal(t, "too many failures", d.LiveError)
}

func TestTrackerIgnoresDevicelessEvents(t *testing.T) {
	tr := newTracker()
	tr.apply(ev(1, events.CommandDispatched, "", t0, map[string]any{"command_id": "c1"}))
	assert.Empty(t, tr.devices)
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "[0123abcd] screenshot after 3 polls",
		describeEvent(ev(1, events.CommandResolved, "pc-1", t0, map[string]any{"command_id": "0123abcd-ffff", "kind": "screenshot", "attempts": 3})))
	assert.Equal(t, "[c9] screenshot #4 850ms",
		describeEvent(ev(2, events.LiveFrame, "pc-1", t0, map[string]any{"command_id": "c9", "kind": "screenshot", "seq": 4, "latency_ms": 850})))
	assert.Equal(t, "{}", describeEvent(ev(3, "other", "pc-1", t0, map[string]any{})))
}

func TestModelUpdateTracksEvents(t *testing.T) {
	m := New(Source{URL: "http://localhost:8080"})
	m.now = func() time.Time { return t0 }

	next, cmd := m.Update(eventMsg(ev(5, events.CommandDispatched, "pc-1", t0, map[string]any{"command_id": "c1", "kind": "lock_pc"})))
	require.NotNil(t, cmd)
	got := next.(Model)
	assert.Equal(t, int64(5), got.lastID)
	assert.True(t, got.health.Connected)
	require.Len(t, got.eventLog, 1)
	assert.Equal(t, 1, got.tracker.inFlight())
	assert.Equal(t, 5, got.activity.Dots())

	next, cmd = got.Update(sseDisconnectedMsg{})
	require.NotNil(t, cmd)
	got = next.(Model)
	assert.False(t, got.health.Connected)
	assert.Contains(t, got.lastError, "reconnecting")

	next, _ = got.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	view := next.(Model).View()
	assert.Contains(t, view, "REMOTECTL WATCH")
	assert.Contains(t, view, "pc-1")
	assert.Contains(t, view, "lock_pc")
}

func TestModelEventLogIsBounded(t *testing.T) {
	var m tea.Model = *New(Source{URL: "http://x"})
	for i := range eventLogLimit + 10 {
		m, _ = m.Update(eventMsg(ev(int64(i+1), events.LiveFrame, "pc-1", t0, map[string]any{"seq": i})))
	}
	got := m.(Model)
	assert.Len(t, got.eventLog, eventLogLimit)
	assert.Equal(t, int64(eventLogLimit+10), got.eventLog[0].ID)
}

func TestActivityDecays(t *testing.T) {
	var a Activity
	a.OnEvent(t0)
	a.Decay(t0.Add(time.Second))
	assert.Equal(t, 5, a.Dots())
	a.Decay(t0.Add(5 * time.Second))
	assert.Equal(t, 3, a.Dots())
	a.Decay(t0.Add(time.Minute))
	assert.Equal(t, 0, a.Dots())
}

func TestSubscribeResumesFromLastID(t *testing.T) {
	var gotLastID, gotAuth, gotDevice string
	e := ev(9, events.CommandResolved, "pc-1", t0, map[string]any{"command_id": "c1"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLastID = r.Header.Get("Last-Event-ID")
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.URL.Query().Get("device_id")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame(e))
	}))
	defer srv.Close()

	ch := make(chan events.Event, 4)
	msg := subscribeToEvents(Source{URL: srv.URL, Token: "tok", DeviceID: "pc-1"}, 8, ch)()

	assert.IsType(t, sseDisconnectedMsg{}, msg)
	assert.Equal(t, "8", gotLastID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "pc-1", gotDevice)
	require.Len(t, ch, 1)
	assert.Equal(t, int64(9), (<-ch).ID)
}

func TestSubscribeReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	msg := subscribeToEvents(Source{URL: srv.URL}, 0, make(chan events.Event, 1))()
	disc, ok := msg.(sseDisconnectedMsg)
	require.True(t, ok)
	require.Error(t, disc.err)
	assert.Contains(t, disc.err.Error(), "401")
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		fmt.Fprint(w, `{"status":"ok","uptime_seconds":42}`)
	}))
	defer srv.Close()

	msg := fetchHealth(Source{URL: srv.URL + "/"})
	h, ok := msg.(healthMsg)
	require.True(t, ok)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, int64(42), h.UptimeSeconds)
}
