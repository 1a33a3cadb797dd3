package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lherron/matchq/internal/events"
)

// EventStore reads and appends the event log.
type EventStore struct {
	store *Store
}

// Record appends a lifecycle event outside of any run.
func (es *EventStore) Record(e events.Event) error {
	return events.NewWriter(es.store.db.DB).LogEvent(nil, e)
}

// EventFilter narrows List. Zero values match everything.
type EventFilter struct {
	Type    string
	RunUUID string
	SinceID int64
	Limit   int
}

// List returns events in insertion order.
func (es *EventStore) List(f EventFilter) ([]events.Event, error) {
	query := `
		SELECT id, type, COALESCE(migration, ''), COALESCE(run_uuid, ''), payload, created_at
		FROM event_log WHERE id > ?`
	args := []any{f.SinceID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.RunUUID != "" {
		query += ` AND run_uuid = ?`
		args = append(args, f.RunUUID)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := es.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Migration, &e.RunUUID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of event %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
