//go:build !darwin && !linux

package storage

import (
	"errors"
	"fmt"
)

func filesystemType(string) (string, error) {
	return "", fmt.Errorf("filesystem type detection: %w", errors.ErrUnsupported)
}
