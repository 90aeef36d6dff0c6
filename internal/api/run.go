package api

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"notary/internal/config"
	"notary/internal/service"
	"notary/internal/shutdown"
)

// Run 启动 API 服务器并阻塞到收到停机信号，之后按顺序关闭服务器和服务
func Run(ctx context.Context, svc *service.Service, logger *logrus.Logger, port int) error {
	var dbConfig *config.DatabaseConfig
	if dsn := os.Getenv("NOTARY_DB_DSN"); dsn != "" {
		db, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Warnf("连接配置数据库失败: %v，运行参数管理不可用", err)
		} else {
			dbConfig = db
		}
	}

	server := NewServer(svc, NewConfigManager(svc.Config(), dbConfig, logger), logger, port)

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.RegisterShutdownFunc("http", server.Stop, shutdown.OrderStopAcceptingRequests)
	gs.RegisterShutdownFunc("service", func(context.Context) error {
		return svc.Close()
	}, shutdown.OrderCloseLedger)
	if dbConfig != nil {
		gs.RegisterShutdownFunc("config_db", func(context.Context) error {
			return dbConfig.Close()
		}, shutdown.OrderCloseStore)
	}
	logger.Debugf("已注册停机处理: %v", gs.GetRegisteredFunctions())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			// 服务器异常退出时也触发停机
			logger.Errorf("API服务器异常退出: %v", err)
			errCh <- err
			cancel()
		}
	}()

	shutdownErr := gs.WaitForSignal(runCtx)
	select {
	case err := <-errCh:
		return err
	default:
		return shutdownErr
	}
}
