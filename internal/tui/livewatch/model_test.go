package livewatch

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/live"
)

type fakeSession struct {
	kind    command.Kind
	done    chan struct{}
	stopped int
	err     error
}

func newFakeSession(kind command.Kind) *fakeSession {
	return &fakeSession{kind: kind, done: make(chan struct{})}
}

func (s *fakeSession) Stop()                 { s.stopped++ }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Err() error            { return s.err }
func (s *fakeSession) Kind() command.Kind    { return s.kind }
func (s *fakeSession) DeviceID() string      { return "dev-1" }

const processJSON = `{"processes":[{"pid":4,"name":"System","memory":100},{"pid":900,"name":"chrome.exe","memory":5000},{"pid":700,"name":"lsass.exe","memory":2000}]}`

func TestSummarizeProcesses(t *testing.T) {
	f := live.Frame{Seq: 1, Result: correlate.Result{Content: processJSON}, Latency: 80 * time.Millisecond}

	s := Summarize(command.KindGetRunningProcesses, f)
	require.True(t, s.OK)
	require.Len(t, s.Processes, 3)
	assert.Equal(t, "chrome.exe", s.Processes[0].Name, "largest first")
	assert.Equal(t, "3 processes", s.Detail)
}

func TestSummarizeImage(t *testing.T) {
	f := live.Frame{Seq: 2, Result: correlate.Result{Content: "data:image/jpeg;base64,aGVsbG8="}}

	s := Summarize(command.KindScreenshot, f)
	require.True(t, s.OK)
	require.NotNil(t, s.Image)
	assert.Equal(t, "image/jpeg", s.Image.MIME)
	assert.Equal(t, []byte("hello"), s.Image.Data)
	assert.Equal(t, "image/jpeg 5 B", s.Detail)
}

func TestSummarizeError(t *testing.T) {
	s := Summarize(command.KindScreenshot, live.Frame{Seq: 3, Err: errors.New("no reply")})
	assert.False(t, s.OK)
	assert.Equal(t, "no reply", s.Detail)

	s = Summarize(command.KindScreenshot, live.Frame{Seq: 4, Result: correlate.Result{Content: "%%%"}})
	assert.False(t, s.OK)
	assert.Contains(t, s.Detail, "undecodable image")
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 MiB", humanBytes(2<<20))
}

func TestModelFrames(t *testing.T) {
	sess := newFakeSession(command.KindGetRunningProcesses)
	frames := make(chan live.Frame, 4)
	var m tea.Model = New(sess, frames)

	m, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m, cmd := m.Update(frameMsg(live.Frame{Seq: 1, Result: correlate.Result{Content: processJSON}, At: time.Now()}))
	assert.NotNil(t, cmd, "keeps reading frames")
	m, _ = m.Update(frameMsg(live.Frame{Seq: 2, Err: errors.New("timed out"), At: time.Now()}))

	model := m.(Model)
	assert.Equal(t, 2, model.total)
	assert.Equal(t, 1, model.failures)
	require.NotNil(t, model.latest)
	assert.Equal(t, 1, model.latest.Seq, "a failed frame does not replace the last good one")

	view := model.View()
	assert.Contains(t, view, "chrome.exe")
	assert.Contains(t, view, "timed out")
	assert.Contains(t, view, "dev-1")
}

func TestModelStop(t *testing.T) {
	sess := newFakeSession(command.KindScreenshot)
	var m tea.Model = New(sess, make(chan live.Frame))

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Nil(t, cmd, "waits for the session to finish")
	assert.Equal(t, 1, sess.stopped)

	m, cmd = m.Update(doneMsg{})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.(Model).stopped)
}

func TestModelSessionEndsOnItsOwn(t *testing.T) {
	sess := newFakeSession(command.KindScreenshot)
	var m tea.Model = New(sess, make(chan live.Frame))
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	m, cmd := m.Update(doneMsg{err: errors.New("3 consecutive failures")})
	assert.Nil(t, cmd, "stays open so the error can be read")
	assert.Contains(t, m.View(), "ENDED: 3 consecutive failures")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 0, sess.stopped)
}
