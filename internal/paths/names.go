package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	maxNameLen  = 255
)

// NormalizeName turns a string, typically a file name, into a migration
// name:
// - lower-case
// - spaces, underscores and dots become hyphens
// - only [a-z0-9-] are kept
// - must start with [a-z0-9]
func NormalizeName(s string) (string, error) {
	s = strings.TrimSuffix(s, filepath.Ext(s))
	if s == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	s = strings.ToLower(s)
	s = strings.NewReplacer(" ", "-", "_", "-", ".", "-").Replace(s)

	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	s = strings.Trim(result.String(), "-")

	if s == "" {
		return "", fmt.Errorf("name must contain an alphanumeric character")
	}
	if len(s) > maxNameLen {
		return "", fmt.Errorf("name exceeds maximum length of %d bytes", maxNameLen)
	}
	if !namePattern.MatchString(s) {
		return "", fmt.Errorf("invalid name format: %s", s)
	}
	return s, nil
}
