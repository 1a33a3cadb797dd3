package scriptkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/lherron/matchq/pkg/protocol"
)

type logKey struct{}

// Log relays a console line to matchqd. Outside a request it writes to
// stderr.
func Log(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if enc, ok := ctx.Value(logKey{}).(*protocol.Encoder); ok {
		raw, err := protocol.MarshalArgs(msg)
		if err == nil && enc.Encode(protocol.Response{Method: protocol.MethodLog, Args: raw}) == nil {
			return
		}
	}
	fmt.Fprintln(os.Stderr, msg)
}

// Server dispatches protocol requests to the selected migration.
type Server struct {
	reg     *Registry
	enc     *protocol.Encoder
	current Migration
	name    string
}

// NewServer returns a server writing responses to out.
func NewServer(reg *Registry, out io.Writer) *Server {
	return &Server{reg: reg, enc: protocol.NewEncoder(out)}
}

// Serve reads requests from in until it is closed or ctx ends. Requests are
// handled one at a time, in arrival order.
func Serve(ctx context.Context, reg *Registry, in io.Reader, out io.Writer) error {
	return NewServer(reg, out).Serve(ctx, in)
}

// Serve runs the request loop.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	dec := protocol.NewDecoder(in)
	ctx = context.WithValue(ctx, logKey{}, s.enc)

	reqs := make(chan protocol.Request)
	errc := make(chan error, 1)
	go func() {
		defer close(reqs)
		for {
			var req protocol.Request
			if err := dec.Decode(&req); err != nil {
				if !errors.Is(err, io.EOF) {
					errc <- err
				}
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case req, ok := <-reqs:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if err := s.enc.Encode(s.handle(ctx, req)); err != nil {
				return fmt.Errorf("writing response %d: %w", req.ID, err)
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, req protocol.Request) (resp protocol.Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp.Result = nil
			resp.Error = &protocol.RemoteError{
				Name:    "panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	value, err := s.dispatch(ctx, req)
	if err != nil {
		resp.Error = toRemoteError(err)
		return resp
	}
	raw, err := json.Marshal(value)
	if err != nil {
		resp.Error = toRemoteError(fmt.Errorf("encoding result: %w", err))
		return resp
	}
	resp.Result = raw
	return resp
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Method {
	case protocol.MethodGetMigrationNames:
		return s.reg.Names(), nil

	case protocol.MethodRefreshMigrations:
		var dir string
		if err := arg(req, 0, &dir); err != nil {
			return nil, err
		}
		failures := s.reg.Refresh(dir)
		out := make(map[string]*protocol.RemoteError, len(failures))
		for file, err := range failures {
			out[file] = toRemoteError(err)
		}
		return out, nil

	case protocol.MethodStartMigration:
		var name string
		if err := arg(req, 0, &name); err != nil {
			return nil, err
		}
		return nil, s.start(ctx, name)

	case protocol.MethodStopMigration:
		return nil, s.stop(ctx)

	case protocol.MethodGetMigrationName:
		if s.current == nil {
			return nil, nil
		}
		return s.name, nil

	case protocol.MethodGetMatchedFiles:
		m, err := s.migration()
		if err != nil {
			return nil, err
		}
		files, err := m.MatchedFiles(ctx)
		if err != nil {
			return nil, err
		}
		if files == nil {
			files = []protocol.MatchedFile{}
		}
		return files, nil

	case protocol.MethodGetCommitMessage:
		var info protocol.CommitInfo
		if err := arg(req, 0, &info); err != nil {
			return nil, err
		}
		m, err := s.migration()
		if err != nil {
			return nil, err
		}
		cm, ok := m.(CommitMessager)
		if !ok {
			return nil, nil
		}
		msg, err := cm.CommitMessage(ctx, info)
		if err != nil || msg == "" {
			return nil, err
		}
		return msg, nil

	case protocol.MethodVerify:
		m, err := s.migration()
		if err != nil {
			return nil, err
		}
		if v, ok := m.(Verifier); ok {
			return nil, v.Verify(ctx)
		}
		return nil, nil

	default:
		return nil, &protocol.RemoteError{Name: "MethodNotFound", Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) start(ctx context.Context, name string) error {
	if err := s.stop(ctx); err != nil {
		return err
	}
	m, err := s.reg.New(name)
	if err != nil {
		return err
	}
	if st, ok := m.(Starter); ok {
		if err := st.Start(ctx); err != nil {
			return err
		}
	}
	s.current, s.name = m, name
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	if s.current == nil {
		return nil
	}
	m := s.current
	s.current, s.name = nil, ""
	if st, ok := m.(Stopper); ok {
		return st.Stop(ctx)
	}
	return nil
}

func (s *Server) migration() (Migration, error) {
	if s.current == nil {
		return nil, &protocol.RemoteError{Name: "NoMigration", Message: "no migration started"}
	}
	return s.current, nil
}

func arg(req protocol.Request, i int, dst any) error {
	if i >= len(req.Args) {
		return &protocol.RemoteError{Name: "InvalidArguments", Message: fmt.Sprintf("%s: missing argument %d", req.Method, i)}
	}
	if err := json.Unmarshal(req.Args[i], dst); err != nil {
		return &protocol.RemoteError{Name: "InvalidArguments", Message: fmt.Sprintf("%s: argument %d: %v", req.Method, i, err)}
	}
	return nil
}

// namedError lets an error choose its wire name.
type namedError interface {
	ErrorName() string
}

func toRemoteError(err error) *protocol.RemoteError {
	var re *protocol.RemoteError
	if errors.As(err, &re) {
		return re
	}
	name := "Error"
	var ne namedError
	if errors.As(err, &ne) {
		name = ne.ErrorName()
	}
	out := &protocol.RemoteError{Name: name, Message: err.Error()}
	if detailed := fmt.Sprintf("%+v", err); detailed != out.Message {
		out.Stack = detailed
	}
	return out
}

// Main serves reg over the process's stdin and stdout and exits. Anything
// the migrations print to stdout is redirected to stderr so it cannot
// corrupt the protocol stream.
func Main(reg *Registry) {
	protocolOut := os.Stdout
	os.Stdout = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, reg, os.Stdin, protocolOut); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
