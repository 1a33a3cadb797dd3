package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// SequenceSpec ties an AUTOINCREMENT counter table to the table whose
// friendly IDs it feeds.
type SequenceSpec struct {
	SeqTable    string
	EntityTable string
	IDColumn    string
	// Prefix is stripped before the numeric part is compared. Empty means
	// IDColumn is already an integer.
	Prefix string
}

// SequenceDrift is a counter that lags behind the IDs already handed out.
// The next trigger-assigned ID would collide.
type SequenceDrift struct {
	SeqTable    string
	EntityTable string
	MaxID       int
	SeqValue    int
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DefaultSequenceSpecs covers apply run IDs (R-00001) and the event log.
func DefaultSequenceSpecs() []SequenceSpec {
	return []SequenceSpec{
		{SeqTable: "run_seq", EntityTable: "apply_runs", IDColumn: "id", Prefix: "R-"},
		{SeqTable: "event_log", EntityTable: "event_log", IDColumn: "id"},
	}
}

// SequenceDrifts reports every spec whose counter is below its max ID.
func SequenceDrifts(q querier, specs []SequenceSpec) ([]SequenceDrift, error) {
	var drifts []SequenceDrift
	for _, spec := range specs {
		maxID, err := maxID(q, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to compute max ID for %s: %w", spec.EntityTable, err)
		}
		seq, err := sequenceValue(q, spec.SeqTable)
		if err != nil {
			return nil, fmt.Errorf("failed to read sqlite_sequence for %s: %w", spec.SeqTable, err)
		}
		if seq < maxID {
			drifts = append(drifts, SequenceDrift{
				SeqTable:    spec.SeqTable,
				EntityTable: spec.EntityTable,
				MaxID:       maxID,
				SeqValue:    seq,
			})
		}
	}
	return drifts, nil
}

// FixSequenceDrifts raises lagging counters to their max ID and returns
// what it changed.
func FixSequenceDrifts(q querier, specs []SequenceSpec) ([]SequenceDrift, error) {
	drifts, err := SequenceDrifts(q, specs)
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		if err := setSequence(q, d.SeqTable, d.MaxID); err != nil {
			return nil, fmt.Errorf("failed to update sqlite_sequence for %s: %w", d.SeqTable, err)
		}
	}
	return drifts, nil
}

func maxID(q querier, spec SequenceSpec) (int, error) {
	var n int
	if spec.Prefix == "" {
		query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", spec.IDColumn, spec.EntityTable)
		err := q.QueryRow(query).Scan(&n)
		return n, err
	}
	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(CAST(SUBSTR(%s, ?) AS INTEGER)), 0) FROM %s WHERE %s LIKE ?",
		spec.IDColumn, spec.EntityTable, spec.IDColumn,
	)
	err := q.QueryRow(query, len(spec.Prefix)+1, spec.Prefix+"%").Scan(&n)
	return n, err
}

func sequenceValue(q querier, seqTable string) (int, error) {
	var seq sql.NullInt64
	err := q.QueryRow("SELECT seq FROM sqlite_sequence WHERE name = ?", seqTable).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(seq.Int64), nil
}

func setSequence(q querier, seqTable string, value int) error {
	res, err := q.Exec("UPDATE sqlite_sequence SET seq = ? WHERE name = ?", value, seqTable)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	_, err = q.Exec("INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)", seqTable, value)
	return err
}
