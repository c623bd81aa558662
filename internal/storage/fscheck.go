package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrRemoteStatePath is returned by OpenSQLite when the state database
// would live on a network mount, where SQLite locking is unreliable.
var ErrRemoteStatePath = errors.New("state database is on a network filesystem")

var errFSTypeUnknown = errors.New("filesystem type cannot be detected on this platform")

// remoteFSTypes lists the mount types arcyd refuses for state.path.
var remoteFSTypes = map[string]bool{
	"9p":         true,
	"afpfs":      true,
	"cifs":       true,
	"fuse.sshfs": true,
	"ncpfs":      true,
	"nfs":        true,
	"smb2":       true,
	"smbfs":      true,
	"webdav":     true,
}

type fsTypeFunc func(dir string) (string, error)

// checkStatePath rejects a state.path that resolves to a network mount.
// The path need not exist yet; its closest existing ancestor is checked.
func checkStatePath(path string, fsType fsTypeFunc) error {
	dir, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("state.path %q: %w", path, err)
	}
	kind, err := fsType(dir)
	if err != nil {
		return fmt.Errorf("state.path %q: %w", path, err)
	}
	if isRemoteFS(kind) {
		return fmt.Errorf("%w: state.path %q is on %q, move it to local disk", ErrRemoteStatePath, path, kind)
	}
	return nil
}

func closestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor")
		}
		p = parent
	}
}

func isRemoteFS(kind string) bool {
	return remoteFSTypes[strings.ToLower(strings.TrimSpace(kind))]
}
