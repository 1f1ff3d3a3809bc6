package app

import (
	"context"

	"go.uber.org/zap"

	"delta-volume/internal/config"
	"delta-volume/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 构建交易所连接并运行交易对循环，直到收到退出信号且仓位全部平掉。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("对冲刷量系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("backend", a.cfg.Exchange.Backend),
		zap.String("network", network(a.cfg.Exchange)),
		zap.Ints("markets", a.cfg.Trading.Markets),
		zap.Int("max_trades", a.cfg.Trading.MaxTrades),
	)
	a.logger.Info("交易参数",
		zap.Int64("base_amount", a.cfg.Trading.BaseAmount),
		zap.Float64("base_amount_usdt", a.cfg.Trading.BaseAmountUSDT),
		zap.Int("leverage", a.cfg.Trading.Leverage),
		zap.Bool("dynamic_leverage", a.cfg.Trading.DynamicLeverage),
		zap.Int("leverage_buffer", a.cfg.Trading.LeverageBuffer),
		zap.String("margin_mode", a.cfg.Trading.MarginMode),
		zap.Float64("max_spread", a.cfg.Trading.MaxSpread),
		zap.Float64("limit_probability", a.cfg.LimitOrder.Probability),
		zap.Duration("limit_wait", a.cfg.LimitOrder.WaitTime),
		zap.Int("limit_max_retries", a.cfg.LimitOrder.MaxRetries),
		zap.Duration("min_open_delay", a.cfg.Schedule.MinOpenDelay),
		zap.Duration("max_open_delay", a.cfg.Schedule.MaxOpenDelay),
		zap.Duration("min_close_delay", a.cfg.Schedule.MinCloseDelay),
		zap.Duration("max_close_delay", a.cfg.Schedule.MaxCloseDelay),
	)
	if !a.cfg.Exchange.Testnet() {
		a.logger.Warn("当前连接主网，将使用真实资金下单")
	}

	v, err := newVenue(a.cfg, a.logger)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(a.cfg, v, a.logger, a.store)
	if err != nil {
		return err
	}

	return orch.Run(ctx)
}
