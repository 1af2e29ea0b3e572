package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem describes the mount that holds a path.
type Filesystem struct {
	// Inspected is the nearest existing ancestor of the path, which is what
	// was actually stat'ed.
	Inspected string
	Type      string
	Remote    bool
	// Volatile filesystems lose their contents on reboot.
	Volatile  bool
}

var (
	remoteTypes   = []string{"afpfs", "afs", "cifs", "nfs", "nfs4", "smbfs", "smb2", "webdav"}
	volatileTypes = []string{"ramfs", "tmpfs"}
)

// Inspect reports the filesystem holding path, or its nearest existing
// parent when path does not exist yet.
func Inspect(path string) (Filesystem, error) {
	return inspectWith(path, filesystemType)
}

// CheckLocalState verifies that path, named by config key in errors, can hold
// agent state: SQLite locking and the staging directory's rename-into-place
// are unreliable on network filesystems. When the platform cannot tell, the
// check passes.
func CheckLocalState(key, path string) (Filesystem, error) {
	return checkLocalStateWith(key, path, filesystemType)
}

func checkLocalStateWith(key, path string, statfs func(string) (string, error)) (Filesystem, error) {
	fs, err := inspectWith(path, statfs)
	if errors.Is(err, errors.ErrUnsupported) {
		return fs, nil
	}
	if err != nil {
		return fs, fmt.Errorf("%s: %w", key, err)
	}
	if fs.Remote {
		return fs, fmt.Errorf("%s %q is on network filesystem %q; agent state must be on a local filesystem", key, path, fs.Type)
	}
	return fs, nil
}

func inspectWith(path string, statfs func(string) (string, error)) (Filesystem, error) {
	if strings.TrimSpace(path) == "" {
		return Filesystem{}, fmt.Errorf("path is empty")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return Filesystem{}, err
	}

	fsType, err := statfs(existing)
	if err != nil {
		return Filesystem{Inspected: existing}, fmt.Errorf("detect filesystem of %q: %w", existing, err)
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	return Filesystem{
		Inspected: existing,
		Type:      fsType,
		Remote:    oneOf(fsType, remoteTypes),
		Volatile:  oneOf(fsType, volatileTypes),
	}, nil
}

func nearestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
