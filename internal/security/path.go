package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var safeComponent = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateFilePath rejects empty paths and paths that traverse upwards
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

// ValidatePathComponent checks that an identifier is usable as a single file name
func ValidatePathComponent(name string) error {
	if !safeComponent.MatchString(name) {
		return fmt.Errorf("invalid path component: %q", name)
	}
	return nil
}

// CredentialsPath builds <baseDir>/<tenantID>/<sessionID>.db and guarantees the
// result stays inside baseDir.
func CredentialsPath(baseDir, tenantID, sessionID string) (string, error) {
	if baseDir == "" {
		return "", fmt.Errorf("credentials directory cannot be empty")
	}
	if err := ValidatePathComponent(tenantID); err != nil {
		return "", fmt.Errorf("tenant id: %w", err)
	}
	if err := ValidatePathComponent(sessionID); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}

	cleanBase := filepath.Clean(baseDir)
	full := filepath.Join(cleanBase, tenantID, sessionID+".db")
	rel, err := filepath.Rel(cleanBase, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes base directory: %s", full)
	}
	return full, nil
}
