// Package events writes the lifecycle and apply journal entries of the
// event_log table.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Event types written by the daemon besides the session signals.
const (
	TypeApplyStarted  = "apply.started"
	TypeApplyFinished = "apply.finished"
)

// Event is one row of the event log.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Migration string         `json:"migration,omitempty"`
	RunUUID   string         `json:"run_uuid,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Writer handles writing events to the event log
type Writer struct {
	db *sql.DB
}

// NewWriter creates a new event writer
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// LogEvent writes an event to the event log. tx may be nil.
func (w *Writer) LogEvent(tx *sql.Tx, event Event) error {
	var payload *string
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		s := string(data)
		payload = &s
	}

	_, err := w.executor(tx).Exec(`
		INSERT INTO event_log (type, migration, run_uuid, payload)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?)
	`, event.Type, event.Migration, event.RunUUID, payload)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// LogRunStarted logs the start of an apply run
func (w *Writer) LogRunStarted(tx *sql.Tx, runUUID, runID, migration string) error {
	return w.LogEvent(tx, Event{
		Type:      TypeApplyStarted,
		Migration: migration,
		RunUUID:   runUUID,
		Payload:   map[string]any{"id": runID},
	})
}

// LogRunFinished logs the outcome of an apply run
func (w *Writer) LogRunFinished(tx *sql.Tx, runUUID, migration, status string, matchCount int, committed bool) error {
	return w.LogEvent(tx, Event{
		Type:      TypeApplyFinished,
		Migration: migration,
		RunUUID:   runUUID,
		Payload: map[string]any{
			"status":      status,
			"match_count": matchCount,
			"committed":   committed,
		},
	})
}

func (w *Writer) executor(tx *sql.Tx) interface {
	Exec(query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}
