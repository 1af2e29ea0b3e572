package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Staging is the private received-files directory. Every file it holds is
// named by the MD5 hex digest of its contents.
type Staging struct {
	dir string
}

// NewStaging creates dir with owner-only permissions if needed.
func NewStaging(dir string) (*Staging, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("staging directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Staging{dir: filepath.Clean(dir)}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string { return s.dir }

// Path returns the location of the staged file named hash.
func (s *Staging) Path(hash string) string {
	return filepath.Join(s.dir, filepath.Base(hash))
}

// Exists reports whether a file named hash is staged.
func (s *Staging) Exists(hash string) bool {
	info, err := os.Stat(s.Path(hash))
	return err == nil && info.Mode().IsRegular()
}

// Ingest writes a new file through fill, hashes the bytes written, and moves
// the file to its content-addressed name. The temporary file is removed on
// failure.
func (s *Staging) Ingest(fill func(w io.Writer) error) (string, error) {
	tmpPath := filepath.Join(s.dir, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}

	h := md5.New()
	fillErr := fill(io.MultiWriter(f, h))
	closeErr := f.Close()
	if fillErr != nil {
		_ = os.Remove(tmpPath)
		return "", fillErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close staging file: %w", closeErr)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if err := os.Rename(tmpPath, s.Path(hash)); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename staging file: %w", err)
	}
	return hash, nil
}

// Stage copies r into the staging directory and returns its content hash.
func (s *Staging) Stage(r io.Reader) (string, error) {
	return s.Ingest(func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// RemotePath resolves the upload destination for a staged file. An empty
// target or a target ending in "/" is treated as a directory and the hash is
// used as the file name.
func RemotePath(target, hash string) string {
	switch {
	case target == "":
		return hash
	case strings.HasSuffix(target, "/"):
		return target + hash
	default:
		return target
	}
}
