// Package vcs stages and commits applied matches with the git CLI.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNothingToCommit is returned by Commit when the index is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

// VersionControl is what the apply flow needs from a repository.
type VersionControl interface {
	Stage(ctx context.Context, paths []string) error
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message string) error
}

// Git runs git in a working tree.
type Git struct {
	Dir string
	// Env is appended to the environment of every git invocation, e.g.
	// GIT_AUTHOR_NAME.
	Env []string
}

// NewGit returns a Git for the working tree at dir.
func NewGit(dir string) *Git {
	return &Git{Dir: dir}
}

// Stage adds paths to the index, including deletions.
func (g *Git) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "-A", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// StageAll adds every working tree change to the index.
func (g *Git) StageAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "-A")
	return err
}

// Commit records the index with message.
func (g *Git) Commit(ctx context.Context, message string) error {
	staged, err := g.hasStagedChanges(ctx)
	if err != nil {
		return err
	}
	if !staged {
		return ErrNothingToCommit
	}
	_, err = g.runStdin(ctx, strings.NewReader(message), "commit", "-F", "-")
	return err
}

// Head returns the commit HEAD points at, or "" in an empty repository.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Root returns the top level of the working tree containing g.Dir.
func (g *Git) Root(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) hasStagedChanges(ctx context.Context) (bool, error) {
	_, err := g.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	return g.runStdin(ctx, nil, args...)
}

// runStdin runs git and returns stdout, folding stderr into the error.
func (g *Git) runStdin(ctx context.Context, stdin *strings.Reader, args ...string) ([]byte, error) {
	if strings.TrimSpace(g.Dir) == "" {
		return nil, errors.New("git working tree path is required")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	if len(g.Env) > 0 {
		cmd.Env = append(os.Environ(), g.Env...)
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
	}
	return stdout.Bytes(), nil
}
