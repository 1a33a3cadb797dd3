// Package protocol defines the messages exchanged between matchqd and a
// migration script process.
//
// Messages are newline-delimited JSON. The parent writes requests to the
// child's stdin; the child writes responses and log notices to its stdout.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Method names understood by a migration script.
const (
	MethodStartMigration    = "startMigration"
	MethodStopMigration     = "stopMigration"
	MethodGetMigrationName  = "getMigrationName"
	MethodGetMatchedFiles   = "getMatchedFiles"
	MethodGetCommitMessage  = "getCommitMessage"
	MethodGetMigrationNames = "getMigrationNames"
	MethodRefreshMigrations = "refreshMigrations"
	MethodVerify            = "verify"

	// MethodLog is the child-to-parent side channel for console output.
	MethodLog = "log"
)

// Match is one proposed edit: the full modified content of a file.
type Match struct {
	Label           string `json:"label"`
	ModifiedContent string `json:"modifiedContent"`
}

// MatchedFile groups the matches a migration produced for one file.
type MatchedFile struct {
	Path    string  `json:"path"`
	Matches []Match `json:"matches"`
}

// CommitInfo describes the single match a commit message is requested for.
type CommitInfo struct {
	FilePath   string `json:"filePath"`
	MatchLabel string `json:"matchLabel"`
}

// Request invokes a method on the other side.
type Request struct {
	ID     int64             `json:"id,omitempty"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// Response answers the Request with the same ID. A zero ID with a Method
// set marks a notification, such as a log line.
type Response struct {
	ID     int64             `json:"id,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *RemoteError      `json:"error,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// RemoteError is an error raised inside the script process.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewRequest marshals args into a Request.
func NewRequest(id int64, method string, args ...any) (Request, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return Request{}, fmt.Errorf("encoding %s args: %w", method, err)
	}
	return Request{ID: id, Method: method, Args: raw}, nil
}

// MarshalArgs encodes positional arguments.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// Encoder writes one JSON message per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes v followed by a newline.
func (e *Encoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(v)
}

// Decoder reads newline-delimited JSON messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// maxMessageSize bounds a single message; matched files carry whole file
// contents.
const maxMessageSize = 256 << 20

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	return &Decoder{scanner: scanner}
}

// LineError reports a line that is not a protocol message. The decoder
// stays usable and the next Decode reads the following line.
type LineError struct {
	Line string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("decoding message %q: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Decode reads the next non-empty line into v. It returns io.EOF when the
// stream ends and a *LineError for a line that does not decode.
func (d *Decoder) Decode(v any) error {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return &LineError{Line: string(line), Err: err}
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
