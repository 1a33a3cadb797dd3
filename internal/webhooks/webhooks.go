// Package webhooks POSTs lifecycle events to configured URLs.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout     = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Payload is the JSON body of every webhook call.
type Payload struct {
	Event     string         `json:"event"`
	Migration string         `json:"migration,omitempty"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Dispatcher sends payloads to a fixed set of URL templates.
type Dispatcher struct {
	targets     []string
	client      *http.Client
	concurrency int
	logger      *slog.Logger
}

// New returns a dispatcher for targets. A target may contain {event} and
// {migration}, substituted per payload.
func New(targets []string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		targets:     targets,
		client:      &http.Client{Timeout: defaultTimeout},
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "webhooks"),
	}
}

// Enabled reports whether any target is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.targets) > 0
}

// Dispatch sends payload to every resolved target and waits for all of
// them. Failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) {
	if !d.Enabled() {
		return
	}
	urls := ResolveTargets(d.targets, payload, d.logger)
	if len(urls) == 0 {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode payload", "error", err)
		return
	}

	workers := min(d.concurrency, len(urls))
	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				if err := d.send(ctx, endpoint, body); err != nil {
					d.logger.Warn("webhook failed", "url", endpoint, "event", payload.Event, "error", err)
				}
			}
		}()
	}
	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// ResolveTargets templates, normalizes and de-dupes target URLs. Invalid
// URLs are logged and skipped.
func ResolveTargets(targets []string, payload Payload, logger *slog.Logger) []string {
	seen := make(map[string]struct{}, len(targets))
	var out []string
	for _, raw := range targets {
		templated := strings.TrimSpace(applyTemplate(strings.TrimSpace(raw), payload))
		templated = strings.TrimRight(templated, "/")
		if templated == "" {
			continue
		}
		if !isValidWebhookURL(templated) {
			if logger != nil {
				logger.Warn("skipping invalid webhook url", "url", templated)
			}
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		out = append(out, templated)
	}
	return out
}

func applyTemplate(raw string, payload Payload) string {
	r := strings.NewReplacer(
		"{event}", url.PathEscape(payload.Event),
		"{migration}", url.PathEscape(payload.Migration),
	)
	return r.Replace(raw)
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
