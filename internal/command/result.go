package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultDownloadName is used when the agent does not report a file name.
const DefaultDownloadName = "downloaded_file"

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// IsDir reports whether the entry is a directory.
func (f FileEntry) IsDir() bool { return f.Type == "dir" }

// DirectoryListing is the answer to list_directory.
type DirectoryListing struct {
	CurrentPath string      `json:"current_path"`
	Files       []FileEntry `json:"files"`
}

// Process is one row of a process list. Memory is in bytes.
type Process struct {
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Memory int64  `json:"memory"`
}

// Protected reports whether the process may not be killed remotely.
func (p Process) Protected() bool { return IsProtectedProcess(p.Name) }

// ProcessList is the answer to get_running_processes.
type ProcessList struct {
	Processes []Process `json:"processes"`
}

// Window is one top-level window on the device.
type Window struct {
	Title   string `json:"title,omitempty"`
	Process string `json:"process"`
	PID     int    `json:"pid"`
}

// WindowList is the answer to get_open_windows.
type WindowList struct {
	Windows []Window `json:"windows"`
}

// Image is a decoded screenshot or webcam frame.
type Image struct {
	MIME string
	Data []byte
}

// FileDownload is a decoded get_file answer.
type FileDownload struct {
	Filename string
	Data     []byte
}

// unwrapJSON returns the JSON document in content. Agents write structured
// content either as a JSON object or as a JSON string holding that object;
// the latter is unwrapped once.
func unwrapJSON(content string) ([]byte, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("content is empty")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, fmt.Errorf("decode string content: %w", err)
		}
		trimmed = strings.TrimSpace(inner)
	}
	return []byte(trimmed), nil
}

// DecodeDirectoryListing parses a file_list event body.
func DecodeDirectoryListing(content string) (DirectoryListing, error) {
	var out DirectoryListing
	raw, err := unwrapJSON(content)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode directory listing: %w", err)
	}
	if out.Files == nil {
		return out, fmt.Errorf("decode directory listing: missing files")
	}
	return out, nil
}

// DecodeProcessList parses a process_list event body.
func DecodeProcessList(content string) (ProcessList, error) {
	var out ProcessList
	raw, err := unwrapJSON(content)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode process list: %w", err)
	}
	if out.Processes == nil {
		return out, fmt.Errorf("decode process list: missing processes")
	}
	return out, nil
}

// DecodeWindowList parses the result of a completed get_open_windows command.
func DecodeWindowList(result string) (WindowList, error) {
	var out WindowList
	raw, err := unwrapJSON(result)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode window list: %w", err)
	}
	return out, nil
}

// DecodeImage decodes base64 image content, with or without a data URL prefix.
func DecodeImage(content string) (Image, error) {
	img := Image{MIME: "image/png"}
	body := strings.TrimSpace(content)
	if rest, ok := strings.CutPrefix(body, "data:"); ok {
		header, data, found := strings.Cut(rest, ",")
		if !found {
			return img, fmt.Errorf("malformed data url")
		}
		img.MIME, _, _ = strings.Cut(header, ";")
		body = data
	}
	data, err := decodeBase64(body)
	if err != nil {
		return img, fmt.Errorf("decode image: %w", err)
	}
	img.Data = data
	return img, nil
}

// DecodeFileDownload decodes a file_download event. The file name travels in
// the event metadata.
func DecodeFileDownload(content string, metadata json.RawMessage) (FileDownload, error) {
	out := FileDownload{Filename: DefaultDownloadName}
	if len(metadata) > 0 {
		var meta struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(metadata, &meta); err == nil && meta.Filename != "" {
			out.Filename = meta.Filename
		}
	}
	data, err := decodeBase64(strings.TrimSpace(content))
	if err != nil {
		return out, fmt.Errorf("decode file %s: %w", out.Filename, err)
	}
	out.Data = data
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("content is empty")
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
