package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFilename    = "config.yaml"
	ChecksumsFilename = ".checksums"
	KnownHostsFile    = "known_hosts"

	// Version 2 keys may be absolute paths for files outside the config dir.
	manifestVersion = 2
)

// ErrNoChecksums is returned by LoadChecksums when no manifest exists.
var ErrNoChecksums = errors.New("checksums file not found")

// PinnedFile is a file the agent trusts for security decisions and therefore
// pins in .checksums.
type PinnedFile struct {
	// Key names the file in the manifest: relative to the config directory
	// when inside it, absolute otherwise.
	Key      string
	Path     string
	Required bool
}

// LockedFile is one entry of a LockReport.
type LockedFile struct {
	PinnedFile
	Exists bool
	Hash   string
}

// LockReport describes what `ahenkd config lock` pinned.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []LockedFile
}

// PinnedFiles lists what cfg depends on: config.yaml itself and the
// known_hosts file that identifies file servers. An explicitly configured
// known_hosts must exist; the default one next to config.yaml is optional.
func PinnedFiles(cfg *Config) []PinnedFile {
	dir := filepath.Dir(cfg.Path)
	knownHosts := cfg.Transfer.KnownHosts
	if knownHosts == "" {
		knownHosts = filepath.Join(dir, KnownHostsFile)
	}
	return []PinnedFile{
		{Key: ConfigFilename, Path: cfg.Path, Required: true},
		{Key: manifestKey(dir, knownHosts), Path: knownHosts, Required: cfg.Transfer.KnownHosts != ""},
	}
}

// KnownHostsPath is the file the SSH transport verifies host keys against:
// transfer.known_hosts, else known_hosts next to config.yaml when it exists.
// Empty means there is none.
func (c *Config) KnownHostsPath() string {
	if c.Transfer.KnownHosts != "" {
		return c.Transfer.KnownHosts
	}
	if c.Path == "" {
		return ""
	}
	p := filepath.Join(filepath.Dir(c.Path), KnownHostsFile)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Lock pins the files of the configuration at configPath in .checksums. The
// configuration is parsed but not verified or validated, so an edited setup
// can be re-authorized.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	cfg, raw, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(cfg.Path)
	report := &LockReport{
		ConfigDir:    dir,
		ChecksumPath: filepath.Join(dir, ChecksumsFilename),
	}
	manifest := ChecksumManifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	for _, pf := range PinnedFiles(cfg) {
		entry := LockedFile{PinnedFile: pf}
		hash, err := pf.hash(raw)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !pf.Required:
			report.Files = append(report.Files, entry)
			continue
		case err != nil:
			return nil, fmt.Errorf("pin %s: %w", pf.Key, err)
		}
		entry.Exists, entry.Hash = true, hash
		manifest.Hashes[pf.Key] = hash
		report.Files = append(report.Files, entry)
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := writeFileAtomic(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumsFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w (run 'ahenkd config lock')", ErrNoChecksums)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version < 1 || manifest.Version > manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = map[string]string{}
	}
	return &manifest, nil
}

// verifyPinned checks the pinned files of cfg against the manifest beside
// config.yaml. raw is the config.yaml content that was parsed, so the bytes
// verified are the bytes in use. A missing manifest is only a warning.
func verifyPinned(cfg *Config, raw []byte) (*IntegrityResult, error) {
	dir := filepath.Dir(cfg.Path)
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no %s manifest found at %s; run 'ahenkd config lock' to enable integrity verification",
				ChecksumsFilename, filepath.Join(dir, ChecksumsFilename)))
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Verified = true

	fail := func(format string, args ...any) {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if err := ownerWritableOnly(filepath.Join(dir, ChecksumsFilename)); err != nil {
		fail("%v", err)
	}

	used := make(map[string]bool)
	for _, pf := range PinnedFiles(cfg) {
		used[pf.Key] = true
		want, locked := manifest.Hashes[pf.Key]

		got, err := pf.hash(raw)
		if errors.Is(err, fs.ErrNotExist) {
			if locked || pf.Required {
				fail("%s is pinned but missing from disk", pf.Key)
			}
			continue
		}
		if err != nil {
			fail("%s: %v", pf.Key, err)
			continue
		}
		if pf.Key != ConfigFilename {
			if err := ownerWritableOnly(pf.Path); err != nil {
				fail("%v", err)
			}
		}

		switch {
		case !locked:
			fail("%s has no hash in %s (run 'ahenkd config lock')", pf.Key, ChecksumsFilename)
		case got != want:
			fail("%s changed since it was locked; this indicates tampering or an unlocked edit "+
				"(run 'ahenkd config lock' if the change is intended)", pf.Key)
		}
	}

	var stale []string
	for key := range manifest.Hashes {
		if !used[key] {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	for _, key := range stale {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s is pinned but no longer used by the configuration", key))
	}
	return result, nil
}

// hash returns the BLAKE3 digest of the file. config.yaml is hashed from raw.
func (pf PinnedFile) hash(raw []byte) (string, error) {
	if pf.Key == ConfigFilename {
		sum := blake3.Sum256(raw)
		return hex.EncodeToString(sum[:]), nil
	}
	f, err := os.Open(pf.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", pf.Path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ownerWritableOnly rejects files that group or others can rewrite; whoever
// can edit known_hosts can impersonate a file server.
func ownerWritableOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		return fmt.Errorf("%s is writable by group or others (mode %#o)", path, perm)
	}
	return nil
}

func manifestKey(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
