package paths

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSnapshotID returned when a snapshot id fails validation
	ErrInvalidSnapshotID = errors.New("invalid snapshot id")
	// ErrUnsafePath returned when an uploaded relative path would escape its root
	ErrUnsafePath = errors.New("unsafe relative path")
)

const maxSnapshotIDLen = 64

var snapshotIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxSnapshotIDLen) + `}$`)

// ValidateSnapshotID returns nil for allowed snapshot ids, or ErrInvalidSnapshotID.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring.
func ValidateSnapshotID(id string) error {
	if id == "" {
		return fmt.Errorf("empty snapshot id: %w", ErrInvalidSnapshotID)
	}
	if len(id) > maxSnapshotIDLen {
		return fmt.Errorf("snapshot id too long: %w", ErrInvalidSnapshotID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("snapshot id contains disallowed '..': %w", ErrInvalidSnapshotID)
	}
	if !snapshotIDRe.MatchString(id) {
		return fmt.Errorf("snapshot id contains invalid characters: %w", ErrInvalidSnapshotID)
	}
	return nil
}

// CleanRelPath normalizes an uploaded file name to a slash-separated
// relative path. Absolute paths, drive letters and paths escaping the upload
// root are rejected.
func CleanRelPath(name string) (string, error) {
	s := strings.ReplaceAll(name, "\\", "/")
	if s == "" {
		return "", fmt.Errorf("empty path: %w", ErrUnsafePath)
	}
	if strings.HasPrefix(s, "/") || (len(s) >= 2 && s[1] == ':') {
		return "", fmt.Errorf("absolute path %q: %w", name, ErrUnsafePath)
	}
	cleaned := path.Clean(s)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes upload root: %w", name, ErrUnsafePath)
	}
	return cleaned, nil
}

// DataDir returns the snapdiff state directory under root (e.g. "<root>/.snapdiff").
func DataDir(root string) string {
	return filepath.Join(root, ".snapdiff")
}

// ConfigFile returns the config file path under root.
func ConfigFile(root string) string {
	return filepath.Join(DataDir(root), "config.toml")
}

// DefaultDBPath returns the default backend database path under root.
func DefaultDBPath(root string) string {
	return filepath.Join(DataDir(root), "snapshots.db")
}
