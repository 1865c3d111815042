package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

type fsTypeFunc func(path string) (string, error)

// ensureLocalFilesystem refuses SQLite paths on network mounts, where file
// locking is unreliable and concurrent agents would corrupt the command table.
func ensureLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, statfsType)
}

func checkLocalFilesystem(path string, fsType fsTypeFunc) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve sqlite path %q: %w", path, err)
	}
	kind, err := fsType(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemoteFilesystem(kind) {
		return fmt.Errorf("sqlite path %q is on %s; use a local storage.path or switch storage.driver to postgres", path, kind)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor")
		}
		p = parent
	}
}

func isRemoteFilesystem(kind string) bool {
	_, ok := remoteFilesystems[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}
