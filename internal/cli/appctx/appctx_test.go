package appctx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/matchq/internal/render"
)

func newCmd(t *testing.T) *cobra.Command {
	t.Helper()
	t.Setenv("MATCHQ_ROOT", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cmd := &cobra.Command{}
	cmd.Flags().String("addr", "", "")
	cmd.Flags().String("unix", "", "")
	cmd.Flags().String("token", "", "")
	cmd.Flags().StringP("output", "o", "", "")
	cmd.Flags().Bool("porcelain", false, "")
	cmd.SetOut(&bytes.Buffer{})
	return cmd
}

func TestBootstrap_Offline(t *testing.T) {
	cmd := newCmd(t)
	require.NoError(t, cmd.Flags().Set("output", "json"))

	app, err := Bootstrap(cmd, Offline())
	require.NoError(t, err)
	assert.NotNil(t, app.Client)
	assert.Equal(t, render.FormatJSON, app.Renderer.Format())
}

func TestBootstrap_PingsDaemon(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cmd := newCmd(t)
	require.NoError(t, cmd.Flags().Set("addr", strings.TrimPrefix(srv.URL, "http://")))
	require.NoError(t, cmd.Flags().Set("token", "s3cret"))

	_, err := Bootstrap(cmd, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", auth)
}

func TestBootstrap_DaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	cmd := newCmd(t)
	require.NoError(t, cmd.Flags().Set("addr", addr))

	_, err := Bootstrap(cmd, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matchqd is not reachable at "+addr)
}

func TestBootstrap_BadFormat(t *testing.T) {
	cmd := newCmd(t)
	require.NoError(t, cmd.Flags().Set("output", "xml"))

	_, err := Bootstrap(cmd, Offline())
	require.Error(t, err)
}
