// =============================================================================
// Rehydrate 主入口
// =============================================================================
// 上下文再水化引擎服务入口, 包含 Prometheus 指标端点与预热/优化循环
//
// 使用方法:
//
//	rehydrate serve                       # 启动服务
//	rehydrate serve --config config.yaml  # 指定配置文件
//	rehydrate assemble -r planner -t "..."# 一次性装配
//	rehydrate stats                       # 本地快照统计
//	rehydrate version                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/rehydrate"
	"github.com/BaSui01/rehydrate/config"
	"github.com/BaSui01/rehydrate/internal/metrics"
	"github.com/BaSui01/rehydrate/internal/server"
	"github.com/BaSui01/rehydrate/internal/telemetry"
	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	roleFlag   string
	taskFlag   string
	budgetFlag int
)

var rootCmd = &cobra.Command{
	Use:   "rehydrate",
	Short: "rehydrate - token-bounded context rehydration engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine with metrics endpoint, warming and optimization loops",
	RunE:  runServe,
}

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble one context bundle and print it as JSON",
	RunE:  runAssemble,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show a local engine snapshot",
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rehydrate %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	assembleCmd.Flags().StringVarP(&roleFlag, "role", "r", "planner", "Assistant role (planner|implementer|researcher|coder)")
	assembleCmd.Flags().StringVarP(&taskFlag, "task", "t", "", "Task description")
	assembleCmd.Flags().IntVarP(&budgetFlag, "budget", "b", 0, "Token budget (0 = config default)")
	rootCmd.AddCommand(serveCmd, assembleCmd, statsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting rehydrate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 初始化 OpenTelemetry
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	collector := metrics.NewCollector("rehydrate", logger)

	eng, err := rehydrate.New(cfg,
		rehydrate.WithLogger(logger),
		rehydrate.WithCollector(collector),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// 运维端点（/metrics /healthz /stats）
	ops := server.NewOps(server.Config{
		Port:            cfg.Server.MetricsPort,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, func(ctx context.Context) any {
		return eng.Stats(ctx)
	}, logger)

	if err := ops.Start(); err != nil {
		return fmt.Errorf("start ops server: %w", err)
	}

	// 等待关闭信号或服务异常
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-ops.Errors():
		logger.Error("ops server exited unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if err := eng.Close(); err != nil {
		logger.Warn("engine close failed", zap.Error(err))
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}

	logger.Info("rehydrate stopped")
	return nil
}

// =============================================================================
// 🧩 assemble 命令
// =============================================================================

func runAssemble(cmd *cobra.Command, args []string) error {
	if taskFlag == "" {
		return fmt.Errorf("task is required (-t)")
	}
	role := types.Role(roleFlag)
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", roleFlag)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	eng, err := rehydrate.New(cfg, rehydrate.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.AssembleTimeout)
	defer cancel()

	bundle, err := eng.Assemble(ctx, role, taskFlag, budgetFlag)
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}

	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// =============================================================================
// 📊 stats 命令
// =============================================================================

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := rehydrate.New(cfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats := eng.Stats(ctx)
	snap := eng.Policy()

	fmt.Printf("Tier1 entries: %d\n", stats.Tier1Entries)
	fmt.Printf("Tier2 entries: %d (backend: %s)\n", stats.Tier2Entries, cfg.Tier2.Backend)
	fmt.Printf("Policy generation: %d\n", stats.PolicyGeneration)
	fmt.Printf("Optimizer state: %s\n", stats.OptimizerState)
	fmt.Printf("Frontier size: %d\n", stats.FrontierSize)
	fmt.Printf("Eviction threshold: %.2f\n", snap.Vector.EvictionThreshold)
	fmt.Printf("Warming schedule: %s (top %d)\n", snap.Vector.WarmingSchedule, snap.Vector.WarmingTopK)
	fmt.Printf("Compression bit width: %d\n", snap.Vector.CompressionBitWidth)
	return nil
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	// 构建 logger
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
