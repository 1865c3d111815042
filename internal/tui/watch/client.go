package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/remotectl/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

// Source says where the dashboard connects.
type Source struct {
	URL      string
	Token    string
	DeviceID string
}

func (s Source) eventsURL() string {
	u := strings.TrimRight(s.URL, "/") + "/events"
	if s.DeviceID != "" {
		u += "?device_id=" + url.QueryEscape(s.DeviceID)
	}
	return u
}

func (s Source) authorize(req *http.Request) {
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
}

// --- Commands ---

// subscribeToEvents follows /events and feeds ch until the stream drops.
// lastID resumes after a reconnect through Last-Event-ID.
func subscribeToEvents(src Source, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, src.eventsURL(), nil)
		if err != nil {
			return errMsg(err)
		}
		src.authorize(req)
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events: %s", resp.Status)}
		}

		err = readStream(resp.Body, func(ev events.Event) { ch <- ev })
		return sseDisconnectedMsg{err: err}
	}
}

// readStream parses SSE frames. Each data line carries a whole event
// envelope; the id and event fields fill in anything the envelope lacks.
func readStream(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		id   int64
		typ  string
		data string
	)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data != "" {
				var ev events.Event
				if err := json.Unmarshal([]byte(data), &ev); err != nil || (ev.Type == "" && len(ev.Data) == 0) {
					ev = events.Event{Data: json.RawMessage(data)}
				}
				if ev.ID == 0 {
					ev.ID = id
				}
				if ev.Type == "" {
					ev.Type = typ
				}
				if ev.At.IsZero() {
					ev.At = time.Now().UTC()
				}
				emit(ev)
			}
			id, typ, data = 0, "", ""
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries /healthz.
func fetchHealth(src Source) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(src.URL, "/")+"/healthz", nil)
	if err != nil {
		return errMsg(err)
	}
	src.authorize(req)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("healthz: %s", resp.Status))
	}

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
