// Package rpc implements the parent side of the migration script protocol:
// request/response correlation over a pair of byte streams.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/lherron/matchq/pkg/protocol"
)

// ErrClosed is returned for calls on a closed connection and for calls that
// were still waiting when the connection closed.
var ErrClosed = errors.New("rpc connection closed")

// Caller issues a request and waits for its raw result.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// NotifyFunc handles a notification sent by the remote side.
type NotifyFunc func(method string, args []json.RawMessage)

type result struct {
	value json.RawMessage
	err   error
}

// Client correlates requests and responses by invocation id. Any number of
// calls may be in flight at once.
type Client struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	notify NotifyFunc

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan result
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewClient starts reading responses from r and returns a client writing
// requests to w. notify may be nil.
func NewClient(w io.Writer, r io.Reader, notify NotifyFunc) *Client {
	c := &Client{
		enc:     protocol.NewEncoder(w),
		dec:     protocol.NewDecoder(r),
		notify:  notify,
		pending: make(map[int64]chan result),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Client) readLoop() {
	for {
		var msg protocol.Response
		if err := c.dec.Decode(&msg); err != nil {
			// stray output (a print to stdout, a debugger banner) is
			// relayed as a log line rather than ending the connection
			var lineErr *protocol.LineError
			if errors.As(err, &lineErr) {
				c.relay(lineErr.Line)
				continue
			}
			if errors.Is(err, io.EOF) {
				c.Close(ErrClosed)
			} else {
				c.Close(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}

		if msg.ID == 0 {
			if msg.Method != "" && c.notify != nil {
				c.notify(msg.Method, msg.Args)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		if msg.Error != nil {
			ch <- result{err: msg.Error}
		} else {
			ch <- result{value: msg.Result}
		}
	}
}

func (c *Client) relay(line string) {
	if c.notify == nil {
		return
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return
	}
	c.notify(protocol.MethodLog, []json.RawMessage{raw})
}

// Close fails every pending call with err and rejects further calls.
// Closing twice keeps the first error.
func (c *Client) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[int64]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
	close(c.done)
}

// Call sends method with positional args and waits for the response, the
// connection closing, or ctx ending.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, args...)
	if err != nil {
		return nil, err
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("%w: sending %s: %v", ErrClosed, method, err)
	}

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto calls method and decodes a non-null result into T.
func CallInto[T any](ctx context.Context, c Caller, method string, args ...any) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding %s result: %w", method, err)
	}
	return out, nil
}
