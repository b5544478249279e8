package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- DefaultConfig ---

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 9091, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ReadHeaderTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

// --- 生命周期 ---

func startOps(t *testing.T, stats StatsFunc) *Ops {
	t.Helper()
	// 端口 0 由内核分配, 避免测试间冲突
	o := NewOps(Config{Port: 0}, stats, zap.NewNop())
	require.NoError(t, o.Start())
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func get(t *testing.T, o *Ops, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get("http://" + o.Addr() + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestOps_StartAndShutdown(t *testing.T) {
	o := startOps(t, nil)
	assert.True(t, o.IsRunning())
	assert.NotEmpty(t, o.Addr())

	require.NoError(t, o.Shutdown(context.Background()))
	assert.False(t, o.IsRunning())
	assert.Empty(t, o.Addr())

	// 重复关闭幂等, 关闭后不可再启动
	require.NoError(t, o.Shutdown(context.Background()))
	assert.Error(t, o.Start())
}

func TestOps_DoubleStartRejected(t *testing.T) {
	o := startOps(t, nil)
	assert.Error(t, o.Start())
}

func TestOps_Healthz(t *testing.T) {
	o := startOps(t, nil)
	resp, body := get(t, o, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", strings.TrimSpace(body))
}

func TestOps_Metrics(t *testing.T) {
	o := startOps(t, nil)
	resp, _ := get(t, o, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOps_Stats(t *testing.T) {
	o := startOps(t, func(ctx context.Context) any {
		return map[string]int{"tier1_entries": 3}
	})
	resp, body := get(t, o, "/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var decoded map[string]int
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, 3, decoded["tier1_entries"])
}

func TestOps_StatsDisabledWithoutFunc(t *testing.T) {
	o := startOps(t, nil)
	resp, _ := get(t, o, "/stats")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
