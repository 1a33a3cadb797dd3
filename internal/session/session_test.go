package session

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/rpc"
	"github.com/lherron/matchq/internal/supervisor"
	"github.com/lherron/matchq/internal/testutil"
	"github.com/lherron/matchq/pkg/protocol"
	"github.com/lherron/matchq/pkg/scriptkit"
)

// fakeProcess serves a scriptkit registry in memory.
type fakeProcess struct {
	reg *scriptkit.Registry

	mu       sync.Mutex
	state    supervisor.State
	client   *rpc.Client
	stop     func()
	spawns   int
	restarts int
}

func (p *fakeProcess) Spawn(context.Context, supervisor.SpawnOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = scriptkit.Serve(ctx, p.reg, reqR, respW)
		respW.Close()
	}()
	p.client = rpc.NewClient(reqW, respR, nil)
	p.stop = func() {
		cancel()
		reqW.Close()
		p.client.Close(nil)
	}
	p.state = supervisor.Running
	p.spawns++
	return nil
}

func (p *fakeProcess) Restart(ctx context.Context, opts supervisor.SpawnOptions) error {
	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	return p.Spawn(ctx, opts)
}

func (p *fakeProcess) Kill(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	return nil
}

func (p *fakeProcess) killLocked() {
	if p.stop != nil {
		p.stop()
		p.stop = nil
		p.client = nil
		p.state = supervisor.Stopped
	}
}

func (p *fakeProcess) State() supervisor.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakeProcess) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return nil, supervisor.ErrNotRunning
	}
	return c.Call(ctx, method, args...)
}

type filesMigration struct{ files []protocol.MatchedFile }

func (m filesMigration) MatchedFiles(context.Context) ([]protocol.MatchedFile, error) {
	return m.files, nil
}

type harness struct {
	sess    *Session
	proc    *fakeProcess
	reg     *matches.Registry
	path    string
	signals []Signal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "a.txt", "A\nB\nC\n")

	sk := scriptkit.NewRegistry()
	sk.MustRegister("Edit", func() (scriptkit.Migration, error) {
		return filesMigration{files: []protocol.MatchedFile{{
			Path: path,
			Matches: []protocol.Match{
				{Label: "one", ModifiedContent: "X\nB\nC\n"},
				{Label: "two", ModifiedContent: "A\nB\nY\n"},
			},
		}}}, nil
	})
	proc := &fakeProcess{reg: sk}
	reg := matches.NewRegistry()
	h := &harness{proc: proc, reg: reg, path: path}
	h.sess = New(Options{Process: proc, Registry: reg})
	h.sess.Subscribe(func(s Signal) { h.signals = append(h.signals, s) })
	t.Cleanup(func() {
		h.sess.Close()
		_ = proc.Kill(context.Background())
	})
	return h
}

func (h *harness) types() []SignalType {
	var out []SignalType
	for _, s := range h.signals {
		out = append(out, s.Type)
	}
	return out
}

func TestSession_StartLoadsMatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sess.Start(ctx, "Edit", false))
	<-h.sess.Ready()

	id := matches.FileIDFromPath(h.path)
	assert.Equal(t, []matches.FileID{id}, h.reg.QueuedFiles())
	entry, err := h.reg.Lookup(h.reg.QueuedMatches(id)[0])
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\n", entry.Original)

	st := h.sess.Status()
	assert.Equal(t, "Edit", st.Migration)
	assert.Equal(t, supervisor.Running, st.Process)
	assert.Equal(t, 2, st.Matches.Queued)
	assert.False(t, st.Loading)
	assert.Equal(t, []SignalType{MigrationStarted}, h.types())
	assert.Equal(t, 1, h.proc.spawns)

	name, err := h.sess.Target().Name(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Edit", name)
}

func TestSession_AllResolvedFiresOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Start(context.Background(), "Edit", false))
	addrs := h.reg.QueuedMatches(matches.FileIDFromPath(h.path))

	require.NoError(t, h.reg.Resolve(addrs[0]))
	assert.Equal(t, []SignalType{MigrationStarted}, h.types())
	require.NoError(t, h.reg.Resolve(addrs[1]))
	require.NoError(t, h.reg.Resolve(addrs[1]))
	assert.Equal(t, []SignalType{MigrationStarted, MatchesResolved}, h.types())
	assert.Equal(t, "Edit", h.signals[1].Migration)
}

func TestSession_StopClearsMatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, "Edit", false))

	require.NoError(t, h.sess.Target().Stop(ctx))
	assert.Empty(t, h.reg.QueuedFiles())
	assert.Empty(t, h.sess.Name())
	assert.Equal(t, []SignalType{MigrationStarted, MigrationStopped}, h.types())

	_, err := h.sess.Target().Name(ctx)
	assert.ErrorIs(t, err, ErrNoMigration)
	assert.ErrorIs(t, h.sess.Reload(ctx), ErrNoMigration)

	// stopping twice is quiet
	require.NoError(t, h.sess.Stop(ctx))
	assert.Len(t, h.signals, 2)
}

func TestSession_RestartDropsMigration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, "Edit", false))

	require.NoError(t, h.sess.Restart(ctx, false))
	assert.Empty(t, h.sess.Name())
	assert.Zero(t, h.reg.Stats().Queued)
	assert.Equal(t, 1, h.proc.restarts)
	assert.Equal(t, []SignalType{MigrationStarted, MigrationStopped, ProcessRestarted}, h.types())
}

func TestSession_KillStopsProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, "Edit", false))

	require.NoError(t, h.sess.Kill(ctx))
	assert.Equal(t, supervisor.Stopped, h.proc.State())
	assert.Empty(t, h.reg.QueuedFiles())
}

func TestSession_HandleCrash(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Start(context.Background(), "Edit", false))

	h.sess.HandleCrash(supervisor.CrashReport{PID: 42, ExitCode: 2, Output: "panic: x"})
	require.Len(t, h.signals, 2)
	crash := h.signals[1]
	assert.Equal(t, ProcessCrashed, crash.Type)
	assert.Equal(t, "Edit", crash.Migration)
	assert.Equal(t, 2, crash.Detail["exit_code"])
	assert.Equal(t, "panic: x", crash.Detail["output"])
}

func TestSession_UnknownMigration(t *testing.T) {
	h := newHarness(t)
	err := h.sess.Start(context.Background(), "Missing", false)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "UnknownMigration", remote.Name)
	assert.Empty(t, h.sess.Name())
	assert.Empty(t, h.signals)
}

func TestSession_RefreshLoadsDeclarativeMigrations(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "rename_foo.yaml", "pattern: foo\nreplace: bar\n")
	testutil.WriteFile(t, dir, "broken.yaml", "pattern: '('\n")

	sk := scriptkit.NewRegistry()
	sk.AddLoader(scriptkit.DeclarativeLoader)
	proc := &fakeProcess{reg: sk}
	reg := matches.NewRegistry()
	sess := New(Options{Process: proc, Registry: reg, MigrationsDir: dir})
	defer sess.Close()
	defer proc.Kill(context.Background())

	names, err := sess.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rename-foo"}, names)

	failures, err := sess.Refresh(context.Background())
	require.NoError(t, err)
	assert.Contains(t, failures, filepath.Join(dir, "broken.yaml"))
}

func TestReadOriginals_RejectsRelativePaths(t *testing.T) {
	_, err := readOriginals(context.Background(), []protocol.MatchedFile{{Path: "rel.txt"}})
	assert.Error(t, err)
}
