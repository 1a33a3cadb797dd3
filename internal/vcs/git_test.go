package vcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/testutil"
)

func TestGit_StageAndCommit(t *testing.T) {
	dir := testutil.GitRepo(t, map[string]string{"a.txt": "A\n", "b.txt": "B\n"})
	g := NewGit(dir)
	ctx := context.Background()

	before, err := g.Head(ctx)
	require.NoError(t, err)

	testutil.WriteFile(t, dir, "a.txt", "A2\n")
	testutil.WriteFile(t, dir, "b.txt", "B2\n")
	require.NoError(t, g.Stage(ctx, []string{"a.txt"}))
	require.NoError(t, g.Commit(ctx, "Apply a\n\nbody"))

	after, err := g.Head(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, "Apply a", testutil.Git(t, dir, "log", "-1", "--format=%s"))
	assert.Equal(t, "a.txt", testutil.Git(t, dir, "show", "--name-only", "--format=", "HEAD"))

	// b.txt stays modified in the working tree
	assert.Equal(t, "M b.txt", testutil.Git(t, dir, "status", "--porcelain"))
}

func TestGit_StageAll(t *testing.T) {
	dir := testutil.GitRepo(t, map[string]string{"a.txt": "A\n"})
	g := NewGit(dir)
	ctx := context.Background()

	testutil.WriteFile(t, dir, "a.txt", "A2\n")
	testutil.WriteFile(t, dir, "new/c.txt", "C\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "everything"))
	assert.Empty(t, testutil.Git(t, dir, "status", "--porcelain"))
}

func TestGit_CommitWithCleanIndex(t *testing.T) {
	dir := testutil.GitRepo(t, map[string]string{"a.txt": "A\n"})
	err := NewGit(dir).Commit(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestGit_ErrorsIncludeStderr(t *testing.T) {
	dir := testutil.GitRepo(t, nil)
	err := NewGit(dir).Stage(context.Background(), []string{"missing.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")
}
