package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireShape(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want string
	}{
		{"volume", SetVolume{Level: 50}, `{"payload":"50"}`},
		{"message", SendMessage{Text: "hello"}, `{"payload":"hello"}`},
		{"speak default voice", Speak{Text: "merhaba"}, `{"payload":{"text":"merhaba","voice":"google_tr"}}`},
		{"block input", BlockInput{Seconds: 15}, `{"payload":"15"}`},
		{"block site", BlockSite{Domain: " example.com "}, `{"payload":"example.com"}`},
		{"list root", ListDirectory{}, `{"payload":""}`},
		{"get file", GetFile{Path: `C:\a.txt`}, `{"payload":"C:\\a.txt"}`},
		{"kill by pid", KillProcess{PID: 4242}, `{"payload":"4242"}`},
		{"kill by name", KillProcess{Name: "notepad.exe"}, `{"payload":"notepad.exe"}`},
		{"no args", Empty{K: KindLockPC}, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.p)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
	}{
		{"nil", nil},
		{"volume range", SetVolume{Level: 101}},
		{"empty message", SendMessage{Text: "  "}},
		{"block too long", BlockInput{Seconds: MaxBlockInputSeconds + 1}},
		{"site with path", BlockSite{Domain: "example.com/path"}},
		{"kill nothing", KillProcess{}},
		{"kill both", KillProcess{PID: 1, Name: "x.exe"}},
		{"kill protected", KillProcess{Name: "LSASS.exe"}},
		{"empty for arg kind", Empty{K: KindGetFile}},
		{"empty unknown", Empty{K: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.p)
			assert.Error(t, err)
		})
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	payloads := []Payload{
		SetVolume{Level: 25},
		SendMessage{Text: "hi"},
		Speak{Text: "x", Voice: "en"},
		BlockInput{Seconds: 15},
		BlockSite{Domain: "example.com"},
		ListDirectory{Path: "/home"},
		GetFile{Path: "/etc/hosts"},
		DeleteFile{Path: "/tmp/x"},
		KillProcess{PID: 99},
		KillProcess{Name: "notepad.exe"},
		Empty{K: KindScreenshot},
	}
	for _, p := range payloads {
		raw, err := Encode(p)
		require.NoError(t, err)
		got, err := DecodePayload(p.Kind(), raw)
		require.NoError(t, err, p.Kind())
		assert.Equal(t, p, got)
	}
}

func TestDecodePayloadAcceptsNumbers(t *testing.T) {
	p, err := DecodePayload(KindSetVolume, json.RawMessage(`{"payload":100}`))
	require.NoError(t, err)
	assert.Equal(t, SetVolume{Level: 100}, p)
}

func TestDecodePayloadErrors(t *testing.T) {
	_, err := DecodePayload("bogus", nil)
	assert.Error(t, err)

	_, err = DecodePayload(KindGetFile, json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "requires a payload")

	_, err = DecodePayload(KindSetVolume, json.RawMessage(`{"payload":"loud"}`))
	assert.Error(t, err)

	_, err = DecodePayload(KindKillProcess, json.RawMessage(`{"payload":"svchost.exe"}`))
	assert.ErrorContains(t, err, "protected")

	p, err := DecodePayload(KindListDirectory, nil)
	require.NoError(t, err)
	assert.Equal(t, ListDirectory{}, p)
}
