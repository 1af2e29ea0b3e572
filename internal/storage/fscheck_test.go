package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func fixedType(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestCheckLocalState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		statfs       func(string) (string, error)
		wantErr      []string
		wantVolatile bool
	}{
		{name: "local disk", statfs: fixedType("ext4")},
		{name: "unknown linux magic", statfs: fixedType("0x6a656a62")},
		{name: "tmpfs is local but volatile", statfs: fixedType("tmpfs"), wantVolatile: true},
		{name: "nfs rejected", statfs: fixedType("nfs"), wantErr: []string{"staging.dir", `network filesystem "nfs"`}},
		{name: "case insensitive", statfs: fixedType(" SMBFS "), wantErr: []string{`"smbfs"`}},
		{
			name:   "unsupported platform passes",
			statfs: func(string) (string, error) { return "", fmt.Errorf("detect: %w", errors.ErrUnsupported) },
		},
		{
			name:    "statfs failure",
			statfs:  func(string) (string, error) { return "", errors.New("permission denied") },
			wantErr: []string{"staging.dir", "permission denied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := filepath.Join(t.TempDir(), "received")
			fs, err := checkLocalStateWith("staging.dir", dir, tt.statfs)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Fatal("expected an error")
				}
				for _, want := range tt.wantErr {
					if !strings.Contains(err.Error(), want) {
						t.Fatalf("expected %q in %q", want, err)
					}
				}
			}
			if fs.Volatile != tt.wantVolatile {
				t.Fatalf("volatile = %v, want %v", fs.Volatile, tt.wantVolatile)
			}
		})
	}
}

func TestInspectUsesNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	fs, err := inspectWith(filepath.Join(root, "state", "ahenk.db"), func(p string) (string, error) {
		inspected = p
		return "xfs", nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if inspected != root || fs.Inspected != root {
		t.Fatalf("expected %q to be inspected, got %q / %q", root, inspected, fs.Inspected)
	}
	if fs.Type != "xfs" || fs.Remote || fs.Volatile {
		t.Fatalf("unexpected result: %+v", fs)
	}
}

func TestInspectRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := inspectWith("  ", fixedType("ext4")); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestInspectHostTempDir(t *testing.T) {
	t.Parallel()

	fs, err := Inspect(t.TempDir())
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("filesystem detection unsupported on this platform")
	}
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if fs.Type == "" {
		t.Fatal("expected a filesystem type")
	}
}
