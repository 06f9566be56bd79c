// Package pathutil provides shared path validation helpers.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath validates a file path for path traversal and invalid characters.
// Uses segment-based detection so that "scripts/../etc/passwd" is rejected before
// cleaning (cleaned path would be "etc/passwd" and could bypass a simple ".." check).
// Returns an error if the path is empty, contains null bytes, or has ".." in any segment.
func ValidateFilePath(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.Contains(filePath, "\x00") {
		return fmt.Errorf("file path contains invalid characters")
	}

	for _, segment := range strings.Split(filepath.ToSlash(filePath), "/") {
		if segment == ".." {
			return fmt.Errorf("file path contains path traversal: %q", filePath)
		}
	}
	return nil
}

// ValidateFileName validates a bare file name supplied by an uploader.
// Separators are rejected so the name can only ever land directly inside
// the directory it is joined to.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("file name contains invalid characters")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid file name: %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("file name must not contain path separators: %q", name)
	}
	return nil
}

// RelativeKey converts a path relative to root into a slash-separated key.
// It fails when path is not inside root.
func RelativeKey(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %q is outside %q", path, root)
	}
	return rel, nil
}

// JoinKey joins a relative slash key under root, rejecting traversal.
func JoinKey(root, key string) (string, error) {
	if err := ValidateFilePath(key); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(key)), nil
}
