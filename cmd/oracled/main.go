package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"Fortune-Oracle/internal/config"
	"Fortune-Oracle/pkg/logger"
)

// main 是预言机守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("oracled 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

// configPath 优先使用 ORACLE_CONFIG，其次是 configs/oracle.yaml，都没有时只用默认值与环境变量。
func configPath() string {
	if path := os.Getenv("ORACLE_CONFIG"); path != "" {
		return path
	}
	candidate := filepath.Join("configs", "oracle.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}
