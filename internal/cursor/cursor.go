// Package cursor implements opaque keyset cursors for paging through the
// run history newest first.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Cursor is the sort key of the last row of a page.
type Cursor struct {
	SortFields []string `json:"sort_fields"`
	LastValues []any    `json:"last_values"`
	LastID     string   `json:"last_id"`
}

// New returns a cursor positioned after the row with the given values.
func New(sortFields []string, lastValues []any, lastID string) (*Cursor, error) {
	if len(sortFields) != len(lastValues) {
		return nil, fmt.Errorf("sort fields and last values length mismatch")
	}
	if lastID == "" {
		return nil, fmt.Errorf("last ID required")
	}
	return &Cursor{SortFields: sortFields, LastValues: lastValues, LastID: lastID}, nil
}

// Encode serializes the cursor to an opaque base64 string
func (c *Cursor) Encode() (string, error) {
	if len(c.SortFields) != len(c.LastValues) {
		return "", fmt.Errorf("sort fields and last values length mismatch")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a cursor produced by Encode. The cursor must have been made
// for sortFields.
func Decode(encoded string, sortFields []string) (*Cursor, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty cursor string")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}
	if c.LastID == "" || len(c.SortFields) != len(c.LastValues) {
		return nil, fmt.Errorf("invalid cursor: incomplete sort key")
	}
	if strings.Join(c.SortFields, ",") != strings.Join(sortFields, ",") {
		return nil, fmt.Errorf("invalid cursor: made for a different listing")
	}
	return &c, nil
}

// Where returns the condition selecting rows after the cursor when every
// field, and the id tie-breaker, sorts descending. For fields a, b:
//
//	(a < ?) OR (a = ? AND b < ?) OR (a = ? AND b = ? AND id < ?)
func (c *Cursor) Where() (string, []any) {
	var (
		or     []string
		params []any
	)
	for i := 0; i <= len(c.SortFields); i++ {
		var and []string
		for j := 0; j < i; j++ {
			and = append(and, c.SortFields[j]+" = ?")
			params = append(params, c.LastValues[j])
		}
		if i < len(c.SortFields) {
			and = append(and, c.SortFields[i]+" < ?")
			params = append(params, c.LastValues[i])
		} else {
			and = append(and, "id < ?")
			params = append(params, c.LastID)
		}
		or = append(or, "("+strings.Join(and, " AND ")+")")
	}
	return "(" + strings.Join(or, " OR ") + ")", params
}
