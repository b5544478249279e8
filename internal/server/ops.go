package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🌐 运维端点服务器（/metrics /healthz /stats）
// =============================================================================

// StatsFunc 返回引擎的即时运行快照, 由 /stats 端点序列化输出.
type StatsFunc func(ctx context.Context) any

// Config 运维服务器配置
type Config struct {
	// 监听端口
	Port int `yaml:"port" json:"port"`

	// 读取请求头超时
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认运维服务器配置
func DefaultConfig() Config {
	return Config{
		Port:              9091,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Ops 运维端点服务器, 暴露 Prometheus 指标、健康检查与引擎快照.
type Ops struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewOps 创建运维服务器. stats 为空时不注册 /stats 端点.
func NewOps(config Config, stats StatsFunc, logger *zap.Logger) *Ops {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if stats != nil {
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(stats(r.Context())); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	}

	return &Ops{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "ops_server")),
	}
}

// =============================================================================
// 🎯 生命周期
// =============================================================================

// Start 启动服务器（非阻塞）
func (o *Ops) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("ops server is closed")
	}
	if o.listener != nil {
		return fmt.Errorf("ops server already started")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", o.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", o.config.Port, err)
	}

	o.listener = listener
	o.logger.Info("ops endpoint listening", zap.String("addr", listener.Addr().String()))

	go o.serve(listener)
	return nil
}

func (o *Ops) serve(listener net.Listener) {
	if err := o.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		o.logger.Error("ops server failed", zap.Error(err))
		select {
		case o.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器
func (o *Ops) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	shutdownCtx, cancel := context.WithTimeout(ctx, o.config.ShutdownTimeout)
	defer cancel()

	if err := o.server.Shutdown(shutdownCtx); err != nil {
		o.logger.Error("ops server shutdown failed", zap.Error(err))
		return err
	}

	o.listener = nil
	o.logger.Info("ops server stopped")
	return nil
}

// Errors returns asynchronous server errors.
func (o *Ops) Errors() <-chan error {
	return o.errCh
}

// Addr 返回实际监听地址, 未启动时为空串.
func (o *Ops) Addr() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

// IsRunning 检查服务器是否运行中
func (o *Ops) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.closed && o.listener != nil
}
