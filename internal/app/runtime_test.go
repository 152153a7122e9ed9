package app

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outliner/api/internal/config"
)

func runtimeConfig(t *testing.T) config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.DatabaseURL = filepath.Join(dir, "outline.db")
	cfg.BlobDir = filepath.Join(dir, "files")
	return cfg
}

func TestOpenRuntimeWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := runtimeConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	rt, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	handler := NewHTTPServer(rt.Service, zap.NewNop(), HTTPOptions{}).Handler()
	ts := &testServer{handler: handler, service: rt.Service}

	rr := ts.do(t, http.MethodPut, "/api/outline", "", strings.NewReader(`[{"title":"one"}]`), "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPut, "/api/outline", "", strings.NewReader(`[{"title":"two"}]`), "application/json")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/history?limit=2", "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[struct {
		Versions []struct {
			ID int64 `json:"id"`
		} `json:"versions"`
	}](t, rr)
	require.Len(t, page.Versions, 2)

	path := "/api/history/diff?from=" + strconv.FormatInt(page.Versions[1].ID, 10) + "&to=" + strconv.FormatInt(page.Versions[0].ID, 10)
	rr = ts.do(t, http.MethodGet, path, "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, mr.Keys())
}

func TestOpenRuntimeRejectsBadDriver(t *testing.T) {
	cfg := runtimeConfig(t)
	cfg.DatabaseDriver = "mysql"
	_, err := Open(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestOpenRuntimeIsRepeatable(t *testing.T) {
	cfg := runtimeConfig(t)
	for range 2 {
		rt, err := Open(context.Background(), cfg, nil)
		require.NoError(t, err)
		require.NoError(t, rt.Close())
	}
}

func TestOpenRuntimeFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := runtimeConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}
