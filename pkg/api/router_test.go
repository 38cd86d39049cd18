package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittocluster/pkg/api/handlers"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/store/memory"
	"github.com/marmos91/dittocluster/pkg/node"
)

func newTestRouter(t *testing.T) (http.Handler, *node.Node) {
	t.Helper()
	reg := prometheus.NewRegistry()
	n, err := node.New(node.Options{
		ID:       "node-1",
		Store:    memory.New("node-1"),
		Registry: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close(time.Second) })
	return NewRouter(n, reg), n
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, handlers.Response) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var resp handlers.Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestRouter(t)

	w, resp := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Status)

	w, resp = get(t, h, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Status)
}

func TestRouter_RootRedirects(t *testing.T) {
	h, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/health", w.Header().Get("Location"))
}

func TestRouter_Metrics(t *testing.T) {
	h, n := newTestRouter(t)
	require.NoError(t, n.GrantOpLock(context.Background(), "/A", &filestate.OpLock{Type: filestate.OpLockBatch}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dittocluster_")
}

func TestRouter_States(t *testing.T) {
	ctx := context.Background()
	h, n := newTestRouter(t)
	require.NoError(t, n.GrantOpLock(ctx, "/share/doc.txt", &filestate.OpLock{Type: filestate.OpLockBatch, SessionID: "s1"}))

	t.Run("List", func(t *testing.T) {
		w, resp := get(t, h, "/states")
		require.Equal(t, http.StatusOK, w.Code)
		data := resp.Data.(map[string]any)
		assert.Equal(t, []any{"/SHARE/DOC.TXT"}, data["keys"])
	})

	t.Run("GetNormalizesKey", func(t *testing.T) {
		w, resp := get(t, h, "/states/share/doc.txt")
		require.Equal(t, http.StatusOK, w.Code)

		data := resp.Data.(map[string]any)
		assert.Equal(t, "/SHARE/DOC.TXT", data["key"])
		require.NotNil(t, data["shared"])
		require.NotNil(t, data["local"])
		assert.Equal(t, "Batch@node-1/s1", data["local"].(map[string]any)["oplock"])
	})

	t.Run("Missing", func(t *testing.T) {
		w, resp := get(t, h, "/states/nothing/here")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "error", resp.Status)
	})
}

func TestRouter_NilNode(t *testing.T) {
	h := NewRouter(nil, nil)

	w, _ := get(t, h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/states", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(APIConfig{Port: 18089}, nil, nil)
	assert.Equal(t, 18089, s.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAPIConfig_Defaults(t *testing.T) {
	var cfg APIConfig
	cfg.ApplyDefaults()

	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, ":8080", cfg.ListenAddr())

	cfg.Address = "127.0.0.1"
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())

	disabled := false
	cfg.Enabled = &disabled
	assert.False(t, cfg.IsEnabled())
}
