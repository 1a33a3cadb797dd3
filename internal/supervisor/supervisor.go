// Package supervisor runs the migration script as a child process and
// exposes it as an RPC service. A child that dies unexpectedly is reported
// once and left down until someone restarts it.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lherron/matchq/internal/notify"
	"github.com/lherron/matchq/internal/rpc"
	"github.com/lherron/matchq/pkg/protocol"
)

// ErrNotRunning is returned by Send when no child process exists.
var ErrNotRunning = errors.New("migration script process is not running; start a migration to spawn it")

// ErrProcessDied matches every *ProcessDiedError.
var ErrProcessDied = errors.New("migration script process died")

// DebugPortEnv carries the debugger port to the child.
const DebugPortEnv = "MATCHQ_DEBUG_PORT"

// DefaultDebugCommand wraps the script in a headless delve server.
var DefaultDebugCommand = []string{
	"dlv", "exec", "--headless", "--listen=127.0.0.1:{port}",
	"--api-version=2", "--accept-multiclient", "--continue", "--",
}

const defaultOutputLimit = 1 << 20

// ProcessDiedError reports how a child exited.
type ProcessDiedError struct {
	PID      int
	ExitCode int
	Signal   string
}

func (e *ProcessDiedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%v (pid %d, signal %s)", ErrProcessDied, e.PID, e.Signal)
	}
	return fmt.Sprintf("%v (pid %d, exit code %d)", ErrProcessDied, e.PID, e.ExitCode)
}

// Is makes errors.Is(err, ErrProcessDied) true.
func (e *ProcessDiedError) Is(target error) bool {
	return target == ErrProcessDied
}

// State is the lifecycle state of the supervised process.
type State int

const (
	NotStarted State = iota
	Running
	Crashed
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "not_started"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{NotStarted, Running, Crashed, Restarting, Stopped} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown process state %q", text)
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventStarted    EventType = "started"
	EventRestarting EventType = "restarting"
	EventExited     EventType = "exited"
	EventCrashed    EventType = "crashed"
)

// Event is published on every lifecycle transition.
type Event struct {
	Type      EventType `json:"type"`
	PID       int       `json:"pid,omitempty"`
	Debug     bool      `json:"debug,omitempty"`
	DebugPort int       `json:"debug_port,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Output    string    `json:"output,omitempty"`
}

// CrashReport is handed to Options.OnCrash once per unexpected exit.
type CrashReport struct {
	PID      int
	ExitCode int
	Signal   string
	Output   string
}

// Options configures a Supervisor.
type Options struct {
	// Command is the script argv.
	Command []string
	Dir     string
	Env     []string

	// DebugCommand prefixes Command in debug mode; "{port}" is replaced by
	// the chosen debugger port.
	DebugCommand []string

	// OutputLimit bounds the captured stderr, in bytes.
	OutputLimit int

	// OnCrash runs on its own goroutine after an unexpected exit.
	OnCrash func(CrashReport)
	// OnLog receives lines relayed through the log side channel.
	OnLog func(line string)

	Logger *slog.Logger
}

// SpawnOptions selects how a child is started.
type SpawnOptions struct {
	Debug bool
}

type process struct {
	cmd       *exec.Cmd
	client    *rpc.Client
	stdout    *os.File
	exited    chan struct{}
	exitErr   *ProcessDiedError
	expected  atomic.Bool
	debug     bool
	debugPort int
}

// Supervisor owns at most one child process at a time.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	output *ringBuffer
	events notify.Hub[Event]

	spawnMu sync.Mutex

	mu    sync.Mutex
	state State
	proc  *process
}

// New returns a supervisor in the NotStarted state.
func New(opts Options) *Supervisor {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	if len(opts.DebugCommand) == 0 {
		opts.DebugCommand = DefaultDebugCommand
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		logger: logger.With("component", "supervisor"),
		output: newRingBuffer(opts.OutputLimit),
	}
}

// Subscribe registers fn for lifecycle events. Handlers must not call
// Spawn, Restart or Kill synchronously.
func (s *Supervisor) Subscribe(fn func(Event)) notify.Disposable {
	return s.events.Subscribe(fn)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the child's pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// DebugPort returns the debugger port of a child started in debug mode,
// or 0.
func (s *Supervisor) DebugPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.debugPort
}

// Output returns the captured stderr of the current or last child.
func (s *Supervisor) Output() string {
	return s.output.String()
}

// Spawn starts a fresh child, killing the existing one first. The old
// child's exit is expected and is not reported as a crash.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) error {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	return s.spawnLocked(ctx, opts)
}

// Restart kills the child, if any, and spawns a new one.
func (s *Supervisor) Restart(ctx context.Context, opts SpawnOptions) error {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	s.setState(Restarting)
	s.events.Publish(Event{Type: EventRestarting})
	return s.spawnLocked(ctx, opts)
}

func (s *Supervisor) spawnLocked(ctx context.Context, opts SpawnOptions) error {
	if err := s.kill(ctx); err != nil {
		return err
	}
	if len(s.opts.Command) == 0 {
		s.setState(Stopped)
		return fmt.Errorf("no migration script command configured")
	}

	argv := append([]string(nil), s.opts.Command...)
	env := append(os.Environ(), s.opts.Env...)
	debugPort := 0
	if opts.Debug {
		port, err := freePort()
		if err != nil {
			s.setState(Stopped)
			return fmt.Errorf("choosing debug port: %w", err)
		}
		debugPort = port
		prefix := make([]string, len(s.opts.DebugCommand))
		for i, part := range s.opts.DebugCommand {
			prefix[i] = strings.ReplaceAll(part, "{port}", strconv.Itoa(port))
		}
		argv = append(prefix, argv...)
		env = append(env, DebugPortEnv+"="+strconv.Itoa(port))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = env
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(Stopped)
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	// The read side is ours alone so that Wait cannot close it under the
	// RPC read loop.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		s.setState(Stopped)
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	s.output.Reset()
	cmd.Stderr = s.output

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		s.setState(Stopped)
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	stdoutW.Close()

	proc := &process{
		cmd:       cmd,
		stdout:    stdoutR,
		exited:    make(chan struct{}),
		debug:     opts.Debug,
		debugPort: debugPort,
	}
	proc.client = rpc.NewClient(stdin, stdoutR, s.handleNotify)

	s.mu.Lock()
	s.proc = proc
	s.state = Running
	s.mu.Unlock()

	go s.wait(proc)

	s.logger.Info("migration script started", "pid", cmd.Process.Pid, "debug", opts.Debug, "debug_port", debugPort)
	s.events.Publish(Event{Type: EventStarted, PID: cmd.Process.Pid, Debug: opts.Debug, DebugPort: debugPort})
	return nil
}

func (s *Supervisor) wait(proc *process) {
	err := proc.cmd.Wait()
	died := &ProcessDiedError{PID: proc.cmd.Process.Pid, ExitCode: -1}
	if state := proc.cmd.ProcessState; state != nil {
		died.ExitCode = state.ExitCode()
		died.Signal = exitSignal(state)
	}
	proc.exitErr = died
	proc.client.Close(died)
	proc.stdout.Close()
	// exited closes last so that callers woken by it observe the new state
	defer close(proc.exited)

	expected := proc.expected.Load()
	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
		if expected {
			s.state = Stopped
		} else {
			s.state = Crashed
		}
	}
	s.mu.Unlock()

	if expected {
		s.logger.Info("migration script stopped", "pid", died.PID)
		s.events.Publish(Event{Type: EventExited, PID: died.PID, ExitCode: died.ExitCode, Signal: died.Signal})
		return
	}

	output := s.output.String()
	s.logger.Warn("migration script process died", "pid", died.PID, "exit_code", died.ExitCode, "signal", died.Signal, "error", err)
	s.events.Publish(Event{Type: EventCrashed, PID: died.PID, ExitCode: died.ExitCode, Signal: died.Signal, Output: output})
	if s.opts.OnCrash != nil {
		go s.opts.OnCrash(CrashReport{PID: died.PID, ExitCode: died.ExitCode, Signal: died.Signal, Output: output})
	}
}

// Kill stops the child without reporting a crash and waits for it to exit.
// Killing when nothing runs is a no-op.
func (s *Supervisor) Kill(ctx context.Context) error {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	return s.kill(ctx)
}

func (s *Supervisor) kill(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	proc.expected.Store(true)
	if err := killProcessGroup(proc.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("killing migration script", "pid", proc.cmd.Process.Pid, "error", err)
	}

	select {
	case <-proc.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send invokes method on the child. It fails with ErrNotRunning when no
// child exists and with a *ProcessDiedError when the child dies before
// answering.
func (s *Supervisor) Send(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil, ErrNotRunning
	}

	raw, err := proc.client.Call(ctx, method, args...)
	if err != nil && errors.Is(err, rpc.ErrClosed) {
		return nil, s.channelClosed(ctx, proc, err)
	}
	return raw, err
}

// channelGrace is how long a closed channel waits for the child to exit
// before the child is considered unusable and killed.
var channelGrace = time.Second

// channelClosed turns a closed connection into the child's death. Output
// ends shortly before Wait returns, so the exit is given channelGrace to
// arrive; a child still alive after that can no longer answer and is killed
// through the crash path.
func (s *Supervisor) channelClosed(ctx context.Context, proc *process, closeErr error) error {
	timer := time.NewTimer(channelGrace)
	defer timer.Stop()
	select {
	case <-proc.exited:
		return proc.exitErr
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	s.logger.Warn("migration script channel closed while the process is alive, killing it",
		"pid", proc.cmd.Process.Pid, "error", closeErr)
	if err := killProcessGroup(proc.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("killing migration script", "pid", proc.cmd.Process.Pid, "error", err)
	}
	select {
	case <-proc.exited:
		return proc.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call adapts Send to rpc.Caller.
func (s *Supervisor) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return s.Send(ctx, method, args...)
}

func (s *Supervisor) handleNotify(method string, args []json.RawMessage) {
	if method != protocol.MethodLog {
		s.logger.Debug("ignoring notification from migration script", "method", method)
		return
	}
	parts := make([]string, 0, len(args))
	for _, raw := range args {
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			parts = append(parts, str)
		} else {
			parts = append(parts, string(raw))
		}
	}
	line := strings.Join(parts, " ")
	if s.opts.OnLog != nil {
		s.opts.OnLog(line)
		return
	}
	s.logger.Info(line, "source", "script")
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// ringBuffer keeps the last limit bytes written to it.
type ringBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newRingBuffer(limit int) *ringBuffer {
	return &ringBuffer{limit: limit}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.limit; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

func (r *ringBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
}

var _ io.Writer = (*ringBuffer)(nil)
