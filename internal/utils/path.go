package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrUnsafePath = errors.New("unsafe path")

func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	// Expand `~` to the user's home directory
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		path = filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// CleanRelPath validates a path that must stay inside some root (the home directory or
// the repository checkout) and returns it in slash form. Leading "~/" is accepted.
func CleanRelPath(path string) (string, error) {
	p := strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "~/")
	if p == "" || strings.HasPrefix(p, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", ErrUnsafePath
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", ErrUnsafePath
		}
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." {
		return "", ErrUnsafePath
	}
	return p, nil
}

func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

func EnsureDir(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
