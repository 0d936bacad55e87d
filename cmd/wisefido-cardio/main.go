package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-cardio/common/logger"
	"wisefido-cardio/internal/config"
	"wisefido-cardio/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载 .env（可选）与配置
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-cardio")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()
	if envErr != nil {
		log.Debug("No .env file loaded", zap.Error(envErr))
	}

	// 3. 创建服务
	cardioService, err := service.NewCardioService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create cardio service", zap.Error(err))
	}

	// 4. 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceErrChan, err := cardioService.Start(ctx)
	if err != nil {
		log.Fatal("Failed to start cardio service", zap.Error(err))
	}

	// 5. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serviceErrChan:
		log.Error("Service error, shutting down", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()
	_ = cardioService.Stop(shutdownCtx)

	log.Info("Cardio service stopped")
}
