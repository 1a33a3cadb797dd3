package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/apply"
	"github.com/lherron/matchq/internal/execlock"
	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/merge"
	"github.com/lherron/matchq/internal/paths"
	"github.com/lherron/matchq/internal/session"
	"github.com/lherron/matchq/internal/store"
	"github.com/lherron/matchq/internal/supervisor"
	"github.com/lherron/matchq/pkg/protocol"
)

var requestValidator = validator.New()

func (s *daemonServer) decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *daemonServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *daemonServer) writeError(w http.ResponseWriter, status int, err error) {
	resp := api.ErrorResponse{Message: err.Error()}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		resp.Remote = remote
	}
	s.writeJSON(w, status, resp)
}

// fail maps domain errors onto HTTP statuses.
func (s *daemonServer) fail(w http.ResponseWriter, err error) {
	s.writeError(w, errorStatus(err), err)
}

func errorStatus(err error) int {
	var remote *protocol.RemoteError
	switch {
	case errors.Is(err, execlock.ErrAlreadyRunning), errors.Is(err, session.ErrNoMigration):
		return http.StatusConflict
	case errors.Is(err, matches.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apply.ErrNothingToApply):
		return http.StatusBadRequest
	case errors.Is(err, merge.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrProcessDied):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *daemonServer) addrParam(r *http.Request) (matches.Address, error) {
	raw := r.URL.Query().Get("addr")
	if raw == "" {
		return matches.Address{}, fmt.Errorf("missing addr parameter")
	}
	return matches.ParseAddress(raw)
}

// fileID resolves a path given relative to the project root.
func (s *daemonServer) fileID(path string) matches.FileID {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Root, path)
	}
	return matches.FileIDFromPath(filepath.Clean(path))
}

func (s *daemonServer) view(addr matches.Address) (api.MatchView, error) {
	entry, err := s.registry.Lookup(addr)
	if err != nil {
		return api.MatchView{}, err
	}
	path, err := addr.File.Path()
	if err != nil {
		return api.MatchView{}, err
	}
	return api.MatchView{
		Address: addr.String(),
		File:    paths.Rel(s.cfg.Root, path),
		Index:   addr.Index,
		Label:   entry.Match.Label,
		State:   entry.State.String(),
	}, nil
}

// staleView describes an address the registry no longer knows.
func (s *daemonServer) staleView(addr matches.Address) api.MatchView {
	v := api.MatchView{Address: addr.String(), Index: addr.Index, State: api.StateStale}
	if path, err := addr.File.Path(); err == nil {
		v.File = paths.Rel(s.cfg.Root, path)
	}
	return v
}

func (s *daemonServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{OK: true, Time: time.Now().UTC().Format(time.RFC3339)})
}

func (s *daemonServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := api.StatusResponse{
		Status:        s.session.Status(),
		Root:          s.cfg.Root,
		Applying:      s.apply.Running(),
		CoverageFiles: s.coverage.Files(),
		StreamClients: s.hub.len(),
	}
	if s.process != nil {
		resp.PID = s.process.PID()
		resp.DebugPort = s.process.DebugPort()
	}
	if s.watcher != nil {
		resp.WatchedDirs = s.watcher.Watched()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *daemonServer) handleMigrations(w http.ResponseWriter, r *http.Request) {
	names, err := s.session.Names(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MigrationsResponse{Migrations: names, Current: s.session.Name()})
}

func (s *daemonServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	failures, err := s.session.Refresh(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	names, err := s.session.Names(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MigrationsResponse{Migrations: names, Current: s.session.Name(), Failures: failures})
}

func (s *daemonServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := requestValidator.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start request: %w", err))
		return
	}
	if err := s.session.Start(r.Context(), req.Name, req.Debug); err != nil {
		s.fail(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *daemonServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *daemonServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reload(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *daemonServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req api.RestartRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.session.Restart(r.Context(), req.Debug); err != nil {
		s.fail(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *daemonServer) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Kill(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *daemonServer) handleOutput(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.output != nil {
		_, _ = io.WriteString(w, s.output())
	}
}

func (s *daemonServer) handleMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all := q.Get("all") == "true"

	files := s.registry.QueuedFiles()
	if f := q.Get("file"); f != "" {
		files = []matches.FileID{s.fileID(f)}
	}
	views := []api.MatchView{}
	for _, file := range files {
		addrs := s.registry.QueuedMatches(file)
		if all {
			addrs = s.registry.AllMatches(file)
		}
		for _, addr := range addrs {
			v, err := s.view(addr)
			if err != nil {
				s.fail(w, err)
				return
			}
			views = append(views, v)
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *daemonServer) handleNext(w http.ResponseWriter, r *http.Request) {
	addr, err := s.addrParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	next, ok := s.registry.Next(addr)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: no queued match after %s", matches.ErrNotFound, addr))
		return
	}
	v, err := s.view(next)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *daemonServer) handleContent(w http.ResponseWriter, r *http.Request) {
	addr, err := s.addrParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	// stale addresses read the current disk content
	data, err := s.resolver.Read(r.Context(), addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	v, err := s.view(addr)
	if err != nil {
		v = s.staleView(addr)
	}
	_, pending := s.resolver.Pending(addr)
	s.writeJSON(w, http.StatusOK, api.ContentView{MatchView: v, Content: string(data), Pending: pending})
}

func (s *daemonServer) handleWriteContent(w http.ResponseWriter, r *http.Request) {
	var req api.WriteContentRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := requestValidator.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid content request: %w", err))
		return
	}
	addr, err := matches.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.resolver.Write(addr, []byte(req.Content)); err != nil {
		s.fail(w, err)
		return
	}
	v, err := s.view(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ContentView{MatchView: v, Content: req.Content, Pending: true})
}

func (s *daemonServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	addr, err := s.addrParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := s.view(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	current, err := s.resolver.CurrentContent(r.Context(), addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	proposed, err := s.resolver.Read(r.Context(), addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	diff, err := merge.UnifiedDiff(string(current), string(proposed), "a/"+v.File, "b/"+v.File)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	_, _ = io.WriteString(w, diff)
}

func (s *daemonServer) handleApply(w http.ResponseWriter, r *http.Request) {
	var req api.ApplyRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var addrs []matches.Address
	for _, raw := range req.Addresses {
		addr, err := matches.ParseAddress(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		addrs = append(addrs, addr)
	}
	if !req.WellCovered && len(addrs) == 0 {
		s.fail(w, apply.ErrNothingToApply)
		return
	}

	var runUUID, runID string
	if s.store != nil {
		run, err := s.store.Runs.Begin(s.session.Name())
		if err != nil {
			s.logger.Error("recording apply run", "error", err)
		} else {
			runUUID, runID = run.UUID, run.ID
		}
	}
	progress := func(p apply.Phase) {
		s.hub.broadcast(api.StreamApply, map[string]any{"run": runID, "phase": p})
		if runUUID != "" {
			if err := s.store.Runs.UpdatePhase(runUUID, string(p)); err != nil {
				s.logger.Warn("recording apply phase", "run", runID, "phase", p, "error", err)
			}
		}
	}

	// a client hanging up must not abort a half-written apply
	ctx := context.WithoutCancel(r.Context())
	var res apply.Result
	var err error
	if req.WellCovered {
		res, err = s.apply.ApplyWellCovered(ctx, s.filter, progress)
	} else {
		res, err = s.apply.Apply(ctx, addrs, progress)
	}
	s.finishRun(runUUID, res, err)

	if err != nil {
		resp := api.ErrorResponse{Message: err.Error(), Run: runID}
		var remote *protocol.RemoteError
		if errors.As(err, &remote) {
			resp.Remote = remote
		}
		s.writeJSON(w, errorStatus(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ApplyResponse{Run: runID, Result: res})
}

func (s *daemonServer) finishRun(runUUID string, res apply.Result, applyErr error) {
	if runUUID == "" {
		return
	}
	p := store.FinishParams{
		Status:        store.StatusDone,
		Phase:         string(apply.PhaseDone),
		CommitMessage: res.CommitMessage,
		Committed:     res.Committed,
		VerifyError:   res.VerifyError,
	}
	switch {
	case errors.Is(applyErr, execlock.ErrAlreadyRunning):
		p.Status, p.Phase, p.Error = store.StatusRejected, string(apply.PhaseFailed), applyErr.Error()
	case applyErr != nil:
		p.Status, p.Phase, p.Error = store.StatusFailed, string(apply.PhaseFailed), applyErr.Error()
	}
	if applyErr == nil {
		for _, m := range res.Applied {
			p.Matches = append(p.Matches, store.RunMatch{Address: m.Address, File: m.File, Label: m.Label})
		}
	}
	if err := s.store.Runs.Finish(runUUID, p); err != nil {
		s.logger.Error("recording apply outcome", "error", err)
	}
}

func (s *daemonServer) handleCoverageSet(w http.ResponseWriter, r *http.Request) {
	var req api.CoverageSetRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := requestValidator.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid coverage report: %w", err))
		return
	}
	if req.Clear {
		s.coverage.Clear()
		s.writeJSON(w, http.StatusOK, api.CoverageSetResponse{})
		return
	}
	changed := s.coverage.Set(s.cfg.Root, req.Report)
	s.writeJSON(w, http.StatusOK, api.CoverageSetResponse{Files: s.coverage.Files(), Changed: len(changed)})
}

func (s *daemonServer) handleCoverageMatches(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.filter.Matches(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	views := []api.MatchView{}
	for _, addr := range addrs {
		v, err := s.view(addr)
		if err != nil {
			s.fail(w, err)
			return
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *daemonServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs, next, err := s.store.Runs.List(store.ListParams{
		Migration: q.Get("migration"),
		Limit:     limit,
		Cursor:    q.Get("cursor"),
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	if next != "" {
		w.Header().Set(api.NextCursorHeader, next)
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *daemonServer) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Runs.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *daemonServer) handleEventLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	evs, err := s.store.Events.List(store.EventFilter{Type: q.Get("type"), SinceID: since, Limit: limit})
	if err != nil {
		s.fail(w, err)
		return
	}
	if evs == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, evs)
}
