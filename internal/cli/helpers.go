package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lherron/matchq/internal/api"
)

// Exit codes beyond 0 and 1.
const (
	ExitPartial  = 5
	ExitConflict = 4
	ExitNotFound = 3
	ExitDaemon   = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps a command error onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound:
			return ExitNotFound
		case http.StatusConflict:
			return ExitConflict
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return ExitDaemon
		}
	}
	return 1
}

// describeError adds the script's stack to daemon errors that carry one.
func describeError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Remote != nil && apiErr.Remote.Stack != "" {
		for _, line := range strings.Split(strings.TrimRight(apiErr.Remote.Stack, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// ReportError prints err for the user and returns its exit code.
func ReportError(w io.Writer, err error) int {
	describeError(w, err)
	return ExitCode(err)
}
