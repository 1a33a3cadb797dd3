package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lherron/matchq/internal/cursor"
	"github.com/lherron/matchq/internal/events"
	"github.com/lherron/matchq/internal/id"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Run is one apply request and its outcome.
type Run struct {
	UUID          string     `json:"uuid"`
	ID            string     `json:"id"`
	Migration     string     `json:"migration"`
	Status        string     `json:"status"`
	Phase         string     `json:"phase"`
	MatchCount    int        `json:"match_count"`
	CommitMessage string     `json:"commit_message,omitempty"`
	Committed     bool       `json:"committed"`
	VerifyError   string     `json:"verify_error,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     string     `json:"started_at"`
	FinishedAt    string     `json:"finished_at,omitempty"`
	Matches       []RunMatch `json:"matches,omitempty"`
}

// RunMatch is a match an apply run wrote.
type RunMatch struct {
	Address string `json:"address"`
	File    string `json:"file"`
	Label   string `json:"label"`
}

// FinishParams is the outcome of a run.
type FinishParams struct {
	Status        string
	Phase         string
	CommitMessage string
	Committed     bool
	VerifyError   string
	Error         string
	Matches       []RunMatch
}

// RunStore handles apply_runs and apply_run_matches.
type RunStore struct {
	store *Store
}

// Begin records a new running apply and logs apply.started.
func (rs *RunStore) Begin(migration string) (*Run, error) {
	run := &Run{UUID: id.NewUUID(), Migration: migration, Status: StatusRunning, Phase: "requested"}
	err := rs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		_, err := tx.Exec(`
			INSERT INTO apply_runs (uuid, migration, status, phase)
			VALUES (?, ?, ?, ?)
		`, run.UUID, run.Migration, run.Status, run.Phase)
		if err != nil {
			return fmt.Errorf("failed to insert apply run: %w", err)
		}
		if err := tx.QueryRow(`SELECT id, started_at FROM apply_runs WHERE uuid = ?`, run.UUID).Scan(&run.ID, &run.StartedAt); err != nil {
			return fmt.Errorf("failed to read apply run id: %w", err)
		}
		return ew.LogRunStarted(tx, run.UUID, run.ID, run.Migration)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdatePhase records the phase a running apply entered.
func (rs *RunStore) UpdatePhase(runUUID, phase string) error {
	res, err := rs.store.db.Exec(`UPDATE apply_runs SET phase = ? WHERE uuid = ? AND status = 'running'`, phase, runUUID)
	if err != nil {
		return fmt.Errorf("failed to update apply run phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: running apply %s", ErrNotFound, runUUID)
	}
	return nil
}

// Finish stores the outcome and applied matches of a run and logs
// apply.finished.
func (rs *RunStore) Finish(runUUID string, p FinishParams) error {
	return rs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		var migration string
		if err := tx.QueryRow(`SELECT migration FROM apply_runs WHERE uuid = ?`, runUUID).Scan(&migration); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: apply run %s", ErrNotFound, runUUID)
			}
			return fmt.Errorf("failed to load apply run: %w", err)
		}

		_, err := tx.Exec(`
			UPDATE apply_runs
			SET status = ?, phase = ?, match_count = ?, commit_message = NULLIF(?, ''),
			    committed = ?, verify_error = NULLIF(?, ''), error = NULLIF(?, ''),
			    finished_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE uuid = ?
		`, p.Status, p.Phase, len(p.Matches), p.CommitMessage, p.Committed, p.VerifyError, p.Error, runUUID)
		if err != nil {
			return fmt.Errorf("failed to finish apply run: %w", err)
		}

		for i, m := range p.Matches {
			_, err := tx.Exec(`
				INSERT INTO apply_run_matches (run_uuid, position, address, file, label)
				VALUES (?, ?, ?, ?, ?)
			`, runUUID, i, m.Address, m.File, m.Label)
			if err != nil {
				return fmt.Errorf("failed to record applied match: %w", err)
			}
		}

		return ew.LogRunFinished(tx, runUUID, migration, p.Status, len(p.Matches), p.Committed)
	})
}

const runColumns = `uuid, id, migration, status, phase, match_count, COALESCE(commit_message, ''),
	committed, COALESCE(verify_error, ''), COALESCE(error, ''), started_at, COALESCE(finished_at, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	err := row.Scan(&r.UUID, &r.ID, &r.Migration, &r.Status, &r.Phase, &r.MatchCount,
		&r.CommitMessage, &r.Committed, &r.VerifyError, &r.Error, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListParams filters and pages List.
type ListParams struct {
	Migration string
	// Limit <= 0 means no limit.
	Limit int
	// Cursor continues after the last run of a previous page.
	Cursor string
}

var runSortFields = []string{"started_at"}

// List returns the most recent runs first, and a cursor for the next page
// when more runs remain.
func (rs *RunStore) List(p ListParams) ([]*Run, string, error) {
	query := `SELECT ` + runColumns + ` FROM apply_runs`
	var (
		where []string
		args  []any
	)
	if p.Migration != "" {
		where = append(where, `migration = ?`)
		args = append(args, p.Migration)
	}
	if p.Cursor != "" {
		c, err := cursor.Decode(p.Cursor, runSortFields)
		if err != nil {
			return nil, "", err
		}
		clause, params := c.Where()
		where = append(where, clause)
		args = append(args, params...)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit+1)
	}

	rows, err := rs.store.db.Query(query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query apply runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan apply run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if p.Limit <= 0 || len(runs) <= p.Limit {
		return runs, "", nil
	}
	runs = runs[:p.Limit]
	last := runs[len(runs)-1]
	c, err := cursor.New(runSortFields, []any{last.StartedAt}, last.ID)
	if err != nil {
		return nil, "", err
	}
	next, err := c.Encode()
	if err != nil {
		return nil, "", err
	}
	return runs, next, nil
}

// Get loads a run with its matches by friendly ID or UUID.
func (rs *RunStore) Get(ref string) (*Run, error) {
	column := "uuid"
	if id.IsFriendlyID(ref) {
		seq, _ := id.ParseRun(ref)
		ref, column = id.FormatRun(seq), "id"
	}

	r, err := scanRun(rs.store.db.QueryRow(`SELECT `+runColumns+` FROM apply_runs WHERE `+column+` = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: apply run %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load apply run: %w", err)
	}

	rows, err := rs.store.db.Query(`
		SELECT address, file, label FROM apply_run_matches
		WHERE run_uuid = ? ORDER BY position
	`, r.UUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied matches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m RunMatch
		if err := rows.Scan(&m.Address, &m.File, &m.Label); err != nil {
			return nil, fmt.Errorf("failed to scan applied match: %w", err)
		}
		r.Matches = append(r.Matches, m)
	}
	return r, rows.Err()
}
