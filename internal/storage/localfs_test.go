package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "b", "remotectl.db")

	var inspected string
	err := checkLocalFilesystem(dbPath, func(p string) (string, error) {
		inspected = p
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want nearest existing %q", inspected, root)
	}

	err = checkLocalFilesystem(dbPath, func(string) (string, error) { return "NFS", nil })
	if err == nil || !strings.Contains(err.Error(), "storage.driver to postgres") {
		t.Fatalf("expected remote filesystem rejection, got %v", err)
	}
}

func TestIsRemoteFilesystem(t *testing.T) {
	t.Parallel()

	for fs, want := range map[string]bool{"nfs": true, " SMBFS ": true, "apfs": false, "0x6969": false} {
		if got := isRemoteFilesystem(fs); got != want {
			t.Fatalf("isRemoteFilesystem(%q)=%v, want %v", fs, got, want)
		}
	}
}
