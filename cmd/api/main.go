package main

import (
	"context"
	"flag"

	"github.com/sirupsen/logrus"

	"notary/internal/api"
	"notary/internal/config"
	"notary/internal/logging"
	"notary/internal/service"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，默认取配置文件")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}
	defer logCloser.Close()

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("初始化服务失败: %v", err)
	}

	listen := *port
	if listen == 0 {
		listen = cfg.API.Port
	}
	if err := api.Run(ctx, svc, logger, listen); err != nil {
		logger.Errorf("服务器退出: %v", err)
	}
	logger.Info("服务器已关闭")
}
