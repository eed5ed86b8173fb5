package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/common/logger"
	"github.com/zxyfanta/emsv1-sub000/internal/config"
	"github.com/zxyfanta/emsv1-sub000/internal/service"
)

// 停机时刷完剩余队列的最长时间
const shutdownTimeout = 30 * time.Second

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "ems-telemetry")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	telemetryService, err := service.NewTelemetryService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	// 5. 启动服务
	if err := telemetryService.Start(ctx); err != nil {
		log.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-telemetryService.Errors():
		log.Error("Service error, shutting down", zap.Error(err))
		exitCode = 1
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := telemetryService.Stop(stopCtx); err != nil {
		log.Error("Telemetry service stopped with errors", zap.Error(err))
		exitCode = 1
	}

	log.Info("Telemetry service stopped")
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
