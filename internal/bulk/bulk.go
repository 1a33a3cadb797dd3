// Package bulk reads item lists (addresses, paths) from stdin and runs a
// per-item operation over them with bounded parallelism.
package bulk

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ReadItems returns the non-empty lines of r. Lines starting with # are
// skipped.
func ReadItems(r io.Reader) ([]string, error) {
	var items []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	return items, nil
}

// ExpandArgs replaces a lone "-" argument with the items read from stdin.
func ExpandArgs(args []string, stdin io.Reader) ([]string, error) {
	if len(args) == 1 && args[0] == "-" {
		return ReadItems(stdin)
	}
	return args, nil
}

// Operation represents a bulk operation configuration
type Operation struct {
	// Jobs bounds parallelism; 0 means one per CPU.
	Jobs            int
	ContinueOnError bool
}

// Result represents the result of a bulk operation
type Result[T any] struct {
	TotalItems int
	Succeeded  int
	Failed     int
	// Values holds per-item results in input order.
	Values []T
	Errors []ItemError
}

// ItemError represents an error for a specific item
type ItemError struct {
	Item  string
	Error error
}

// Execute runs fn for every item. Without ContinueOnError the first failure
// cancels the context handed to items not yet finished.
func Execute[T any](ctx context.Context, op Operation, items []string, fn func(ctx context.Context, item string) (T, error)) *Result[T] {
	result := &Result[T]{TotalItems: len(items), Values: make([]T, len(items))}
	if len(items) == 0 {
		return result
	}
	jobs := op.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	failed := make([]error, len(items))
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				failed[i] = err
				return nil
			}
			v, err := fn(gctx, item)
			if err != nil {
				failed[i] = err
				if !op.ContinueOnError {
					return err
				}
				return nil
			}
			result.Values[i] = v
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range failed {
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{Item: items[i], Error: err})
		} else {
			result.Succeeded++
		}
	}
	return result
}

// ExitCode returns the appropriate exit code for the result
func (r *Result[T]) ExitCode() int {
	if r.Failed == 0 {
		return 0
	}
	if r.Succeeded > 0 {
		return 5 // partial success
	}
	return 1
}

// PrintSummary prints failures, at most ten of them.
func (r *Result[T]) PrintSummary(w io.Writer) {
	if r.Failed == 0 {
		return
	}
	if r.Succeeded == 0 {
		fmt.Fprintf(w, "All %d operations failed\n", r.TotalItems)
	} else {
		fmt.Fprintf(w, "Partial success: %d succeeded, %d failed (out of %d)\n", r.Succeeded, r.Failed, r.TotalItems)
	}
	shown := r.Errors
	if len(shown) > 10 {
		fmt.Fprintf(w, "Showing first 10 errors (of %d):\n", len(shown))
		shown = shown[:10]
	}
	for _, e := range shown {
		fmt.Fprintf(w, "  %s: %v\n", e.Item, e.Error)
	}
}
