package fileutils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveIfExists deletes path. A missing file is not an error.
func RemoveIfExists(path string) (bool, error) {
	if path == "" {
		return false, errors.New("RemoveIfExists: empty path")
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SingleLine flattens s onto one line for table cells and log fields.
func SingleLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// BackupFile copies srcPath to srcPath+suffix, replacing any previous backup.
// Returns false when there is nothing to back up.
func BackupFile(srcPath, suffix string) (string, bool, error) {
	if srcPath == "" || suffix == "" {
		return "", false, errors.New("BackupFile: empty path or suffix")
	}
	b, err := os.ReadFile(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("BackupFile: read: %w", err)
	}
	dst := srcPath + suffix
	if err := WriteFileAtomic(dst, b, 0o644); err != nil {
		return "", false, fmt.Errorf("BackupFile: write: %w", err)
	}
	return dst, true, nil
}

func ensureDir(path string) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
