package webhooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/webhooks"
)

func TestResolveTargets(t *testing.T) {
	payload := webhooks.Payload{Event: "migration.started", Migration: "rename foo"}
	urls := webhooks.ResolveTargets([]string{
		"http://example.com/hook/{event}",
		"ftp://invalid.example.com/hook",
		"http://example.com/hook/{event}/",
		"  ",
		"https://example.com/m/{migration}",
	}, payload, nil)

	assert.Equal(t, []string{
		"http://example.com/hook/migration.started",
		"https://example.com/m/rename%20foo",
	}, urls)
}

func TestDispatch_PostsToEveryTarget(t *testing.T) {
	var mu sync.Mutex
	got := map[string]webhooks.Payload{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			mu.Lock()
			got[r.URL.Path] = p
			mu.Unlock()
		}
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := webhooks.New([]string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/fail"}, nil)
	require.True(t, d.Enabled())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d.Dispatch(context.Background(), webhooks.Payload{
		Event:     "matches.all_resolved",
		Migration: "m",
		At:        at,
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, "matches.all_resolved", got["/a"].Event)
	assert.Equal(t, "m", got["/b"].Migration)
	assert.True(t, at.Equal(got["/a"].At))
}

func TestDispatch_Disabled(t *testing.T) {
	var d *webhooks.Dispatcher
	assert.False(t, d.Enabled())
	d.Dispatch(context.Background(), webhooks.Payload{Event: "x"})
	assert.False(t, webhooks.New(nil, nil).Enabled())
}
