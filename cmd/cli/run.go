package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liveconsult/internal/config"
	"liveconsult/internal/database"
	"liveconsult/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the liveconsult server",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	log := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	db, err := database.Open(cfg.Database, database.Options{
		LogLevel: logger.Warn,
		Tracing:  cfg.Monitoring.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	a, err := newApp(cfg, db, log)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// 启动网关
	go a.hub.Run()
	a.recoverCalls()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: a.router(),
	}

	go func() {
		log.Infof("Starting server on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	// 网关与未接来电计时器在 HTTP 关闭之后停止
	a.Close()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("Server exited")
}
