package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/db"
	"github.com/lherron/matchq/internal/events"
	"github.com/lherron/matchq/internal/testutil"
)

func setupTestDB(t *testing.T) *db.DB {
	return testutil.TempDB(t)
}

func TestRunStore_Lifecycle(t *testing.T) {
	s := New(setupTestDB(t))

	run, err := s.Runs.Begin("rename-foo")
	require.NoError(t, err)
	assert.Equal(t, "R-00001", run.ID)
	assert.NotEmpty(t, run.StartedAt)

	require.NoError(t, s.Runs.UpdatePhase(run.UUID, "writing"))
	require.NoError(t, s.Runs.Finish(run.UUID, FinishParams{
		Status:        StatusDone,
		Phase:         "done",
		CommitMessage: "Batch application of 2 matches for migration 'rename-foo'",
		Committed:     true,
		VerifyError:   "tests failed",
		Matches: []RunMatch{
			{Address: "match:///a.go?matchId=0", File: "a.go", Label: "one"},
			{Address: "match:///a.go?matchId=1", File: "a.go", Label: "two"},
		},
	}))

	got, err := s.Runs.Get("r-1")
	require.Error(t, err, "short friendly IDs are not accepted")

	got, err = s.Runs.Get("R-00001")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 2, got.MatchCount)
	assert.True(t, got.Committed)
	assert.Equal(t, "tests failed", got.VerifyError)
	assert.Empty(t, got.Error)
	assert.NotEmpty(t, got.FinishedAt)
	require.Len(t, got.Matches, 2)
	assert.Equal(t, "two", got.Matches[1].Label)

	byUUID, err := s.Runs.Get(run.UUID)
	require.NoError(t, err)
	assert.Equal(t, "R-00001", byUUID.ID)

	// finished runs take no more phases
	assert.ErrorIs(t, s.Runs.UpdatePhase(run.UUID, "writing"), ErrNotFound)
}

func TestRunStore_ListNewestFirst(t *testing.T) {
	s := New(setupTestDB(t))

	for _, m := range []string{"a", "b", "a"} {
		_, err := s.Runs.Begin(m)
		require.NoError(t, err)
	}

	runs, next, err := s.Runs.List(ListParams{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "R-00003", runs[0].ID)
	assert.Empty(t, next)

	runs, next, err = s.Runs.List(ListParams{Migration: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "R-00003", runs[0].ID)
	require.NotEmpty(t, next)

	runs, next, err = s.Runs.List(ListParams{Migration: "a", Limit: 1, Cursor: next})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "R-00001", runs[0].ID)
	assert.Empty(t, next)
}

func TestRunStore_ListPagesThroughAll(t *testing.T) {
	s := New(setupTestDB(t))
	for i := 0; i < 5; i++ {
		_, err := s.Runs.Begin("m")
		require.NoError(t, err)
	}

	var ids []string
	cursor := ""
	for {
		runs, next, err := s.Runs.List(ListParams{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, r := range runs {
			ids = append(ids, r.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"R-00005", "R-00004", "R-00003", "R-00002", "R-00001"}, ids)

	_, _, err := s.Runs.List(ListParams{Cursor: "garbage"})
	assert.Error(t, err)
}

func TestRunStore_GetMissing(t *testing.T) {
	s := New(setupTestDB(t))
	_, err := s.Runs.Get("R-00009")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Runs.Finish("nope", FinishParams{Status: StatusFailed}), ErrNotFound)
}

func TestEventStore_JournalAndSignals(t *testing.T) {
	s := New(setupTestDB(t))

	require.NoError(t, s.Events.Record(events.Event{Type: "migration.started", Migration: "m"}))
	run, err := s.Runs.Begin("m")
	require.NoError(t, err)
	require.NoError(t, s.Runs.Finish(run.UUID, FinishParams{Status: StatusRejected, Phase: "failed", Error: "already running"}))

	all, err := s.Events.List(EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "migration.started", all[0].Type)
	assert.Nil(t, all[0].Payload)
	assert.Equal(t, events.TypeApplyStarted, all[1].Type)
	assert.Equal(t, "R-00001", all[1].Payload["id"])
	assert.Equal(t, events.TypeApplyFinished, all[2].Type)
	assert.Equal(t, StatusRejected, all[2].Payload["status"])

	forRun, err := s.Events.List(EventFilter{RunUUID: run.UUID})
	require.NoError(t, err)
	assert.Len(t, forRun, 2)

	since, err := s.Events.List(EventFilter{SinceID: all[1].ID, Type: events.TypeApplyFinished})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, all[2].ID, since[0].ID)
}
