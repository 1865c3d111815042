package command

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies an action the remote agent knows how to perform.
type Kind string

const (
	KindLockPC              Kind = "lock_pc"
	KindScreenshot          Kind = "screenshot"
	KindWebcamShot          Kind = "webcam_shot"
	KindSetVolume           Kind = "set_volume"
	KindSendMessage         Kind = "send_message"
	KindSpeak               Kind = "speak"
	KindBlockInput          Kind = "block_input"
	KindBlockSite           Kind = "block_site"
	KindListDirectory       Kind = "list_directory"
	KindGetFile             Kind = "get_file"
	KindDeleteFile          Kind = "delete_file"
	KindGetRunningProcesses Kind = "get_running_processes"
	KindKillProcess         Kind = "kill_process"
	KindGetOpenWindows      Kind = "get_open_windows"
	KindShutdown            Kind = "shutdown"
	KindRestart             Kind = "restart"
	KindStopAgent           Kind = "stop_agent"
)

// ReplySource says where the answer to a command shows up.
type ReplySource string

const (
	// ReplyEvent answers arrive as a device event of EventKind/Subtype.
	ReplyEvent ReplySource = "event"
	// ReplyStatus answers are the command row itself reaching a terminal status.
	ReplyStatus ReplySource = "status"
)

// Event kinds written by the agent.
const (
	EventKindInfo       = "info"
	EventKindScreenshot = "screenshot"
	EventKindWebcam     = "webcam"
)

// Event subtypes carried in event metadata.
const (
	SubtypeFileList     = "file_list"
	SubtypeFileDownload = "file_download"
	SubtypeProcessList  = "process_list"
)

// Reply describes how the correlator locates a command's answer.
type Reply struct {
	Source    ReplySource
	EventKind string
	Subtype   string
}

// Budget names a poll budget class; the concrete interval and attempt count
// come from configuration.
type Budget string

const (
	BudgetFast     Budget = "fast"
	BudgetImage    Budget = "image"
	BudgetTransfer Budget = "transfer"
	BudgetAck      Budget = "ack"
)

// Spec is the catalog entry for one kind.
type Spec struct {
	Kind   Kind
	Reply  Reply
	Budget Budget
	// Live marks kinds that make sense to re-issue continuously.
	Live bool
}

var ackReply = Reply{Source: ReplyStatus}

var catalog = map[Kind]Spec{
	KindLockPC:      {Kind: KindLockPC, Reply: ackReply, Budget: BudgetAck},
	KindScreenshot:  {Kind: KindScreenshot, Reply: Reply{Source: ReplyEvent, EventKind: EventKindScreenshot}, Budget: BudgetImage, Live: true},
	KindWebcamShot:  {Kind: KindWebcamShot, Reply: Reply{Source: ReplyEvent, EventKind: EventKindWebcam}, Budget: BudgetImage, Live: true},
	KindSetVolume:   {Kind: KindSetVolume, Reply: ackReply, Budget: BudgetAck},
	KindSendMessage: {Kind: KindSendMessage, Reply: ackReply, Budget: BudgetAck},
	KindSpeak:       {Kind: KindSpeak, Reply: ackReply, Budget: BudgetAck},
	KindBlockInput:  {Kind: KindBlockInput, Reply: ackReply, Budget: BudgetAck},
	KindBlockSite:   {Kind: KindBlockSite, Reply: ackReply, Budget: BudgetAck},
	KindListDirectory: {
		Kind:   KindListDirectory,
		Reply:  Reply{Source: ReplyEvent, EventKind: EventKindInfo, Subtype: SubtypeFileList},
		Budget: BudgetFast,
	},
	KindGetFile: {
		Kind:   KindGetFile,
		Reply:  Reply{Source: ReplyEvent, EventKind: EventKindInfo, Subtype: SubtypeFileDownload},
		Budget: BudgetTransfer,
	},
	KindDeleteFile: {Kind: KindDeleteFile, Reply: ackReply, Budget: BudgetAck},
	KindGetRunningProcesses: {
		Kind:   KindGetRunningProcesses,
		Reply:  Reply{Source: ReplyEvent, EventKind: EventKindInfo, Subtype: SubtypeProcessList},
		Budget: BudgetFast,
		Live:   true,
	},
	KindKillProcess:    {Kind: KindKillProcess, Reply: ackReply, Budget: BudgetAck},
	KindGetOpenWindows: {Kind: KindGetOpenWindows, Reply: ackReply, Budget: BudgetAck},
	KindShutdown:       {Kind: KindShutdown, Reply: ackReply, Budget: BudgetAck},
	KindRestart:        {Kind: KindRestart, Reply: ackReply, Budget: BudgetAck},
	KindStopAgent:      {Kind: KindStopAgent, Reply: ackReply, Budget: BudgetAck},
}

// Lookup returns the catalog entry for k.
func Lookup(k Kind) (Spec, bool) {
	s, ok := catalog[k]
	return s, ok
}

// Valid reports whether k is in the catalog.
func (k Kind) Valid() bool {
	_, ok := catalog[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// ParseKind converts user input into a known Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(s)))
	if k == "" {
		return "", fmt.Errorf("kind is empty")
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

// Kinds returns every catalog kind in lexical order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
