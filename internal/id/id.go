package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var runIDPattern = regexp.MustCompile(`^R-\d{5,}$`)

// FormatRun formats an apply run friendly ID
func FormatRun(seq int) string {
	return fmt.Sprintf("R-%05d", seq)
}

// ParseRun returns the sequence number of a run friendly ID
func ParseRun(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !runIDPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid run ID format: %s", s)
	}
	return strconv.Atoi(s[2:])
}

// NewUUID returns a fresh random UUID string
func NewUUID() string {
	return uuid.NewString()
}

// IsUUID checks if a string is a valid UUID
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// IsFriendlyID checks if a string is a valid run friendly ID
func IsFriendlyID(s string) bool {
	_, err := ParseRun(s)
	return err == nil
}
