package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/rpc"
	"github.com/lherron/matchq/pkg/protocol"
	"github.com/lherron/matchq/pkg/scriptkit"
)

type helperMigration struct {
	matched func(ctx context.Context) ([]protocol.MatchedFile, error)
}

func (h helperMigration) MatchedFiles(ctx context.Context) ([]protocol.MatchedFile, error) {
	return h.matched(ctx)
}

// TestHelperProcess is the migration script used by these tests. It only
// runs when started by the supervisor.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	reg := scriptkit.NewRegistry()
	reg.MustRegister("Crash", func() (scriptkit.Migration, error) {
		return helperMigration{matched: func(context.Context) ([]protocol.MatchedFile, error) {
			fmt.Fprintln(os.Stderr, "fatal: boom")
			os.Exit(3)
			return nil, nil
		}}, nil
	})
	reg.MustRegister("Hang", func() (scriptkit.Migration, error) {
		return helperMigration{matched: func(context.Context) ([]protocol.MatchedFile, error) {
			time.Sleep(time.Hour)
			return nil, nil
		}}, nil
	})
	reg.MustRegister("Port", func() (scriptkit.Migration, error) {
		return helperMigration{matched: func(context.Context) ([]protocol.MatchedFile, error) {
			return []protocol.MatchedFile{{Path: os.Getenv("DEBUG_LISTEN") + "|" + os.Getenv(DebugPortEnv)}}, nil
		}}, nil
	})

	out := os.Stdout
	os.Stdout = os.Stderr
	if banner := os.Getenv("HELPER_STDOUT_BANNER"); banner != "" {
		fmt.Fprintln(out, banner)
	}
	if err := scriptkit.Serve(context.Background(), reg, os.Stdin, out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func newTestSupervisor(t *testing.T, onCrash func(CrashReport)) *Supervisor {
	t.Helper()
	s := New(Options{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1"},
		OnCrash: onCrash,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Kill(ctx)
	})
	return s
}

func TestSend_NotRunning(t *testing.T) {
	s := newTestSupervisor(t, nil)
	assert.Equal(t, NotStarted, s.State())

	_, err := s.Send(context.Background(), protocol.MethodGetMigrationNames)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSpawnSendKill(t *testing.T) {
	var crashes atomic.Int32
	s := newTestSupervisor(t, func(CrashReport) { crashes.Add(1) })
	ctx := context.Background()

	var events []EventType
	s.Subscribe(func(e Event) { events = append(events, e.Type) })

	require.NoError(t, s.Spawn(ctx, SpawnOptions{}))
	assert.Equal(t, Running, s.State())
	assert.NotZero(t, s.PID())

	names, err := rpc.CallInto[[]string](ctx, s, protocol.MethodGetMigrationNames)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crash", "Hang", "Port"}, names)

	require.NoError(t, s.Kill(ctx))
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, s.PID())

	_, err = s.Send(ctx, protocol.MethodGetMigrationNames)
	assert.ErrorIs(t, err, ErrNotRunning)

	assert.Equal(t, []EventType{EventStarted, EventExited}, events)
	assert.Zero(t, crashes.Load())

	// killing twice is harmless
	require.NoError(t, s.Kill(ctx))
}

func TestCrashDuringCall(t *testing.T) {
	reports := make(chan CrashReport, 2)
	s := newTestSupervisor(t, func(r CrashReport) { reports <- r })
	ctx := context.Background()

	require.NoError(t, s.Spawn(ctx, SpawnOptions{}))
	_, err := s.Send(ctx, protocol.MethodStartMigration, "Crash")
	require.NoError(t, err)

	_, err = s.Send(ctx, protocol.MethodGetMatchedFiles)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessDied))
	var died *ProcessDiedError
	require.True(t, errors.As(err, &died))
	assert.Equal(t, 3, died.ExitCode)

	select {
	case r := <-reports:
		assert.Equal(t, 3, r.ExitCode)
		assert.Contains(t, r.Output, "fatal: boom")
	case <-time.After(5 * time.Second):
		t.Fatal("crash not reported")
	}
	assert.Equal(t, Crashed, s.State())
	assert.Contains(t, s.Output(), "fatal: boom")

	// no automatic restart
	_, err = s.Send(ctx, protocol.MethodGetMigrationNames)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Restart(ctx, SpawnOptions{}))
	assert.Equal(t, Running, s.State())
	_, err = s.Send(ctx, protocol.MethodGetMigrationNames)
	require.NoError(t, err)

	select {
	case <-reports:
		t.Fatal("crash reported twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestKillFailsOutstandingCall(t *testing.T) {
	var crashes atomic.Int32
	s := newTestSupervisor(t, func(CrashReport) { crashes.Add(1) })
	ctx := context.Background()

	require.NoError(t, s.Spawn(ctx, SpawnOptions{}))
	_, err := s.Send(ctx, protocol.MethodStartMigration, "Hang")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, protocol.MethodGetMatchedFiles)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Kill(ctx))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrProcessDied)
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding call not failed")
	}
	assert.Zero(t, crashes.Load())
}

func TestStrayStdoutIsLogged(t *testing.T) {
	logs := make(chan string, 4)
	s := New(Options{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_STDOUT_BANNER=Debugger listening on :4711"},
		OnLog:   func(line string) { logs <- line },
	})
	t.Cleanup(func() { _ = s.Kill(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Spawn(ctx, SpawnOptions{}))

	names, err := rpc.CallInto[[]string](ctx, s, protocol.MethodGetMigrationNames)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crash", "Hang", "Port"}, names)
	assert.Equal(t, Running, s.State())
	assert.Equal(t, "Debugger listening on :4711", <-logs)
}

func TestClosedChannelKillsLiveChild(t *testing.T) {
	grace := channelGrace
	channelGrace = 50 * time.Millisecond
	t.Cleanup(func() { channelGrace = grace })

	reports := make(chan CrashReport, 1)
	s := newTestSupervisor(t, func(r CrashReport) { reports <- r })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Spawn(ctx, SpawnOptions{}))

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	proc.client.Close(rpc.ErrClosed)

	_, err := s.Send(ctx, protocol.MethodGetMigrationNames)
	assert.ErrorIs(t, err, ErrProcessDied)
	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("crash not reported")
	}
	assert.Equal(t, Crashed, s.State())
}

func TestRestartFailureLeavesStopped(t *testing.T) {
	s := New(Options{Command: []string{"/nonexistent/matchq-script"}})
	err := s.Restart(context.Background(), SpawnOptions{})
	require.Error(t, err)
	assert.Equal(t, Stopped, s.State())
}

func TestSpawnDebug(t *testing.T) {
	s := New(Options{
		Command:      []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:          []string{"GO_WANT_HELPER_PROCESS=1"},
		DebugCommand: []string{"env", "DEBUG_LISTEN={port}"},
	})
	ctx := context.Background()
	t.Cleanup(func() { _ = s.Kill(ctx) })

	require.NoError(t, s.Spawn(ctx, SpawnOptions{Debug: true}))
	port := s.DebugPort()
	require.NotZero(t, port)

	_, err := s.Send(ctx, protocol.MethodStartMigration, "Port")
	require.NoError(t, err)
	files, err := rpc.CallInto[[]protocol.MatchedFile](ctx, s, protocol.MethodGetMatchedFiles)
	require.NoError(t, err)
	require.Len(t, files, 1)
	want := strconv.Itoa(port)
	assert.Equal(t, want+"|"+want, files[0].Path)
}

func TestRingBuffer_KeepsTail(t *testing.T) {
	r := newRingBuffer(4)
	_, _ = r.Write([]byte("abc"))
	_, _ = r.Write([]byte("def"))
	assert.Equal(t, "cdef", r.String())
	r.Reset()
	assert.Empty(t, r.String())
}
