package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"delta-volume/internal/app"
	"delta-volume/internal/config"
	"delta-volume/internal/log"
	"delta-volume/internal/store"
)

func main() {
	var (
		configPath string
		maxTrades  int
		checkOnly  bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.IntVar(&maxTrades, "max-trades", -1, "覆盖 trading.max_trades，0 表示不限")
	flag.BoolVar(&checkOnly, "check", false, "只校验配置后退出")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if maxTrades >= 0 {
		cfg.Trading.MaxTrades = maxTrades
	}
	if checkOnly {
		fmt.Printf("配置有效: backend=%s testnet=%t markets=%v max_trades=%d\n",
			cfg.Exchange.Backend, cfg.Exchange.Testnet(), cfg.Trading.Markets, cfg.Trading.MaxTrades)
		return
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	// 第一次信号停止开新仓，已开仓位仍按计划平掉后退出；第二次信号直接终止进程
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := app.New(cfg, logger, sqliteStore).Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
