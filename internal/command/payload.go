package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultVoice is used by Speak when no voice is given.
const DefaultVoice = "google_tr"

// MaxBlockInputSeconds caps how long an agent may be asked to freeze input.
const MaxBlockInputSeconds = 300

// Payload is the typed argument of a command.
type Payload interface {
	Kind() Kind
	Validate() error
}

// SetVolume sets the master volume to Level percent.
type SetVolume struct {
	Level int `json:"level"`
}

func (SetVolume) Kind() Kind { return KindSetVolume }

func (p SetVolume) Validate() error {
	if p.Level < 0 || p.Level > 100 {
		return fmt.Errorf("volume level %d out of range 0-100", p.Level)
	}
	return nil
}

// SendMessage pops a message box on the device.
type SendMessage struct {
	Text string `json:"text"`
}

func (SendMessage) Kind() Kind { return KindSendMessage }

func (p SendMessage) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("message text is required")
	}
	return nil
}

// Speak reads Text aloud with Voice.
type Speak struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

func (Speak) Kind() Kind { return KindSpeak }

func (p Speak) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("speak text is required")
	}
	return nil
}

// BlockInput freezes keyboard and mouse for Seconds.
type BlockInput struct {
	Seconds int `json:"seconds"`
}

func (BlockInput) Kind() Kind { return KindBlockInput }

func (p BlockInput) Validate() error {
	if p.Seconds <= 0 || p.Seconds > MaxBlockInputSeconds {
		return fmt.Errorf("block_input seconds must be between 1 and %d", MaxBlockInputSeconds)
	}
	return nil
}

// BlockSite adds Domain to the device's blocklist.
type BlockSite struct {
	Domain string `json:"domain"`
}

func (BlockSite) Kind() Kind { return KindBlockSite }

func (p BlockSite) Validate() error {
	d := strings.TrimSpace(p.Domain)
	if d == "" {
		return fmt.Errorf("domain is required")
	}
	if strings.ContainsAny(d, " /\\") {
		return fmt.Errorf("domain %q must be a bare host name", d)
	}
	return nil
}

// ListDirectory asks for the entries of Path. An empty path lists the agent's roots.
type ListDirectory struct {
	Path string `json:"path"`
}

func (ListDirectory) Kind() Kind      { return KindListDirectory }
func (ListDirectory) Validate() error { return nil }

// GetFile uploads the file at Path as base64.
type GetFile struct {
	Path string `json:"path"`
}

func (GetFile) Kind() Kind { return KindGetFile }

func (p GetFile) Validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("file path is required")
	}
	return nil
}

// DeleteFile removes the file at Path.
type DeleteFile struct {
	Path string `json:"path"`
}

func (DeleteFile) Kind() Kind { return KindDeleteFile }

func (p DeleteFile) Validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("file path is required")
	}
	return nil
}

// KillProcess terminates a process by PID or by image name. Exactly one is set.
type KillProcess struct {
	PID  int    `json:"pid,omitempty"`
	Name string `json:"name,omitempty"`
}

func (KillProcess) Kind() Kind { return KindKillProcess }

func (p KillProcess) Validate() error {
	name := strings.TrimSpace(p.Name)
	switch {
	case p.PID == 0 && name == "":
		return fmt.Errorf("kill_process needs a pid or a name")
	case p.PID != 0 && name != "":
		return fmt.Errorf("kill_process takes a pid or a name, not both")
	case p.PID < 0:
		return fmt.Errorf("invalid pid %d", p.PID)
	case name != "" && IsProtectedProcess(name):
		return fmt.Errorf("process %q is protected", name)
	}
	return nil
}

// Empty is the payload of kinds that take no argument.
type Empty struct {
	K Kind
}

func (p Empty) Kind() Kind { return p.K }

func (p Empty) Validate() error {
	if !p.K.Valid() {
		return fmt.Errorf("unknown kind %q", p.K)
	}
	if argKind(p.K) {
		return fmt.Errorf("kind %s requires an argument", p.K)
	}
	return nil
}

func argKind(k Kind) bool {
	switch k {
	case KindSetVolume, KindSendMessage, KindSpeak, KindBlockInput, KindBlockSite,
		KindListDirectory, KindGetFile, KindDeleteFile, KindKillProcess:
		return true
	}
	return false
}

var protectedProcesses = map[string]struct{}{}

func init() {
	for _, n := range []string{
		"system", "registry", "smss.exe", "csrss.exe", "wininit.exe", "services.exe",
		"lsass.exe", "svchost.exe", "fontdrvhost.exe", "memory compression",
		"spoolsv.exe", "explorer.exe", "winlogon.exe", "dwm.exe", "rdpclip.exe",
		"sihost.exe", "taskhostw.exe", "ctfmon.exe", "searchui.exe", "runtimebroker.exe",
		"lockapp.exe", "audiodg.exe", "wudfhost.exe", "werfault.exe", "smartscreen.exe",
		"python.exe", "pythonw.exe", "cmd.exe", "conhost.exe", "powershell.exe",
		"code.exe", "node.exe", "npm.exe",
		"applicationframehost.exe", "securityhealthservice.exe", "searchapp.exe",
		"startmenuexperiencehost.exe", "shellexperiencehost.exe", "textinputhost.exe",
		"agent.exe", "nvcontainer.exe", "nvidia share.exe", "radeonsoftware.exe",
	} {
		protectedProcesses[n] = struct{}{}
	}
}

// IsProtectedProcess reports whether name is a system or agent process that
// must never be killed remotely.
func IsProtectedProcess(name string) bool {
	_, ok := protectedProcesses[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// envelope is the command_data shape the agent reads.
type envelope struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode validates p and renders it in the agent wire shape {"payload": <value>}.
// Scalar arguments travel as strings, which is what deployed agents parse.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var wire any
	switch v := p.(type) {
	case SetVolume:
		wire = strconv.Itoa(v.Level)
	case SendMessage:
		wire = v.Text
	case Speak:
		voice := v.Voice
		if voice == "" {
			voice = DefaultVoice
		}
		wire = map[string]string{"text": v.Text, "voice": voice}
	case BlockInput:
		wire = strconv.Itoa(v.Seconds)
	case BlockSite:
		wire = strings.TrimSpace(v.Domain)
	case ListDirectory:
		wire = v.Path
	case GetFile:
		wire = v.Path
	case DeleteFile:
		wire = v.Path
	case KillProcess:
		if v.PID != 0 {
			wire = strconv.Itoa(v.PID)
		} else {
			wire = strings.TrimSpace(v.Name)
		}
	case Empty:
		return json.RawMessage(`{}`), nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}

	inner, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := json.Marshal(envelope{Payload: inner})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// DecodePayload parses a stored command_data document back into its typed payload.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode command data: %w", err)
		}
	}
	inner := env.Payload
	if len(inner) == 0 || string(inner) == "null" {
		if argKind(kind) && kind != KindListDirectory {
			return nil, fmt.Errorf("kind %s requires a payload", kind)
		}
		if kind == KindListDirectory {
			return ListDirectory{}, nil
		}
		return Empty{K: kind}, nil
	}

	var p Payload
	switch kind {
	case KindSetVolume:
		n, err := scalarInt(inner)
		if err != nil {
			return nil, fmt.Errorf("decode volume level: %w", err)
		}
		p = SetVolume{Level: n}
	case KindBlockInput:
		n, err := scalarInt(inner)
		if err != nil {
			return nil, fmt.Errorf("decode block seconds: %w", err)
		}
		p = BlockInput{Seconds: n}
	case KindSpeak:
		var s Speak
		if err := json.Unmarshal(inner, &s); err != nil {
			return nil, fmt.Errorf("decode speak payload: %w", err)
		}
		p = s
	case KindKillProcess:
		s, err := scalarString(inner)
		if err != nil {
			return nil, fmt.Errorf("decode kill target: %w", err)
		}
		if pid, err := strconv.Atoi(s); err == nil {
			p = KillProcess{PID: pid}
		} else {
			p = KillProcess{Name: s}
		}
	case KindSendMessage, KindBlockSite, KindListDirectory, KindGetFile, KindDeleteFile:
		s, err := scalarString(inner)
		if err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		switch kind {
		case KindSendMessage:
			p = SendMessage{Text: s}
		case KindBlockSite:
			p = BlockSite{Domain: s}
		case KindListDirectory:
			p = ListDirectory{Path: s}
		case KindGetFile:
			p = GetFile{Path: s}
		default:
			p = DeleteFile{Path: s}
		}
	default:
		p = Empty{K: kind}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", string(raw))
	}
	return n.String(), nil
}

func scalarInt(raw json.RawMessage) (int, error) {
	s, err := scalarString(raw)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}
