package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
	"delta-volume/internal/execution"
	"delta-volume/internal/leverage"
	"delta-volume/internal/metrics"
	"delta-volume/internal/monitor"
	"delta-volume/internal/position"
	"delta-volume/internal/risk"
	"delta-volume/internal/store"
)

const defaultDrainInterval = time.Second

// observers 将平仓结果分发给多个接收方。
type observers []position.Observer

func (o observers) PositionClosed(ctx context.Context, report position.CloseReport) {
	for _, obs := range o {
		obs.PositionClosed(ctx, report)
	}
}

type orchestrator struct {
	cfg        *config.Config
	markets    []exchange.MarketID
	data       *exchange.MarketDataService
	inspectors []namedInspector
	leverage   *leverage.Manager
	book       *position.Book
	trader     execution.Trader
	closer     *position.Closer
	monitor    *monitor.Service
	metrics    *metrics.Recorder
	stats      *RunStats
	logger     *zap.Logger

	openDelay func() time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

func newOrchestrator(cfg *config.Config, v *venue, logger *zap.Logger, store *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	long := exchange.NewAccount("long", v.long, logger)
	short := exchange.NewAccount("short", v.short, logger)

	levMgr, err := leverage.NewManager(cfg.Trading, long, short, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化杠杆管理失败: %w", err)
	}

	data := exchange.NewMarketDataService(v.reference, logger)
	book := position.NewBook()
	recorder := metrics.NewRecorder()

	engine, err := execution.NewEngine(cfg, execution.Dependencies{
		Data:     data,
		Leverage: levMgr,
		Guard:    risk.NewSpreadGuard(cfg.Trading.MaxSpread, logger),
		Long:     long,
		Short:    short,
		Book:     book,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易引擎失败: %w", err)
	}

	closer := position.NewCloser(book, long, short, cfg.Schedule, observers{monitorSvc, recorder}, logger)

	markets := make([]exchange.MarketID, 0, len(cfg.Trading.Markets))
	for _, id := range cfg.Trading.Markets {
		markets = append(markets, exchange.MarketID(id))
	}

	schedule := cfg.Schedule
	return &orchestrator{
		cfg:        cfg,
		markets:    markets,
		data:       data,
		inspectors: v.inspectors,
		leverage:   levMgr,
		book:       book,
		trader:     engine,
		closer:     closer,
		monitor:    monitorSvc,
		metrics:    recorder,
		stats:      NewRunStats(),
		logger:     logger,
		openDelay: func() time.Duration {
			return randomDelay(schedule.MinOpenDelay, schedule.MaxOpenDelay)
		},
		sleep: sleepContext,
	}, nil
}

// Run 执行启动检查后循环开仓，直到 ctx 取消或达到 max_trades。
// 退出前等待所有已开仓位按计划平仓。
func (o *orchestrator) Run(ctx context.Context) error {
	bg := context.WithoutCancel(ctx)

	o.monitor.RecordSession(bg, monitor.SessionPayload{
		Stage:   "start",
		Network: network(o.cfg.Exchange),
		Markets: o.cfg.Trading.Markets,
	})

	o.preflight(ctx)

	if err := risk.ValidateLeverage(ctx, o.data, o.cfg.Trading, o.logger); err != nil {
		o.monitor.RecordError(bg, "杠杆配置校验失败", err, nil)
		return fmt.Errorf("杠杆配置校验失败: %w", err)
	}
	if err := o.leverage.Initialize(ctx, o.markets); err != nil {
		o.logger.Warn("初始化杠杆未全部成功，交易时会重试", zap.Error(err))
	}

	// 平仓与监控接口在主循环退出后继续运行，直到仓位清空。
	serviceCtx, stopServices := context.WithCancel(bg)
	defer stopServices()

	if o.cfg.Monitor.Port > 0 {
		startMonitorServer(serviceCtx, newMonitorMux(o.monitor, o.metrics, o.book, o.logger), o.cfg.Monitor.Port, o.logger)
	}

	closerDone := make(chan error, 1)
	go func() { closerDone <- o.closer.Run(serviceCtx) }()

	o.loop(ctx)
	o.drain(serviceCtx)

	stopServices()
	if err := <-closerDone; err != nil {
		o.logger.Warn("平仓任务异常退出", zap.Error(err))
	}

	o.report(bg)
	return nil
}

func (o *orchestrator) loop(ctx context.Context) {
	maxTrades := o.cfg.Trading.MaxTrades
	for trade := 1; ; trade++ {
		if ctx.Err() != nil {
			o.logger.Info("收到退出信号，停止开新仓")
			return
		}

		o.logger.Info("开始交易对", zap.Int("trade", trade), zap.Int("open_positions", o.book.Len()))
		// 已发出的订单必须走完流程，不受退出信号影响
		out := o.trader.Execute(context.WithoutCancel(ctx), trade)
		o.observe(context.WithoutCancel(ctx), out)

		if maxTrades > 0 && trade >= maxTrades {
			o.logger.Info("已达到最大交易次数", zap.Int("max_trades", maxTrades))
			return
		}

		delay := o.openDelay()
		o.logger.Info("等待下一次开仓", zap.Duration("delay", delay))
		if err := o.sleep(ctx, delay); err != nil {
			o.logger.Info("收到退出信号，停止开新仓")
			return
		}
	}
}

func (o *orchestrator) observe(ctx context.Context, out execution.Outcome) {
	o.stats.Observe(out)
	o.metrics.ObserveAttempt(out)
	o.monitor.RecordAttempt(ctx, out)
	if out.Unhedged {
		o.monitor.RecordError(ctx, "交易对可能留下单边敞口", out.Err, map[string]interface{}{
			"attempt_id": out.AttemptID,
			"market":     int(out.Market),
		})
	}
}

// preflight 打印两个账户的可用余额与持仓，查询失败不阻止启动。
func (o *orchestrator) preflight(ctx context.Context) {
	for _, named := range o.inspectors {
		snapshot, err := named.inspector.Inspect(ctx)
		if err != nil {
			o.logger.Warn("查询账户余额失败", zap.String("account", named.name), zap.Error(err))
			o.monitor.RecordError(context.WithoutCancel(ctx), "查询账户余额失败", err, map[string]interface{}{"account": named.name})
			continue
		}
		o.logger.Info("账户余额",
			zap.String("account", named.name),
			zap.Float64("available", snapshot.Available),
			zap.Int("open_positions", snapshot.OpenPositions),
		)
		if snapshot.OpenPositions > 0 {
			o.logger.Warn("账户已有持仓，新仓位会与其合并", zap.String("account", named.name))
		}
	}
}

// drain 等待仓位簿清空。
func (o *orchestrator) drain(ctx context.Context) {
	interval := o.cfg.Schedule.CloseCheckInterval
	if interval <= 0 {
		interval = defaultDrainInterval
	}

	for o.book.Len() > 0 {
		o.logger.Info("等待剩余仓位平仓", zap.Int("open_positions", o.book.Len()))
		if err := o.sleep(ctx, interval); err != nil {
			return
		}
	}
}

func (o *orchestrator) report(ctx context.Context) {
	attempted, succeeded := o.stats.Totals()
	rows := o.stats.Rows()

	o.logger.Info("运行结束",
		zap.Int("attempted", attempted),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", attempted-succeeded),
	)
	if len(o.markets) > 1 {
		for _, row := range rows {
			rate := 0.0
			if row.Attempted > 0 {
				rate = float64(row.Succeeded) / float64(row.Attempted) * 100
			}
			o.logger.Info("分市场统计",
				zap.Int("market", row.Market),
				zap.String("symbol", row.Symbol),
				zap.Int("attempted", row.Attempted),
				zap.Int("succeeded", row.Succeeded),
				zap.Float64("success_rate_pct", rate),
			)
		}
	}

	o.monitor.RecordSession(ctx, monitor.SessionPayload{
		Stage:     "stop",
		Network:   network(o.cfg.Exchange),
		Markets:   o.cfg.Trading.Markets,
		Stats:     rows,
		Attempted: attempted,
	})
}

func network(cfg config.ExchangeConfig) string {
	if cfg.Testnet() {
		return "testnet"
	}
	return "mainnet"
}

// randomDelay 在 [low, high] 内均匀取值。
func randomDelay(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	return low + time.Duration(rand.Int64N(int64(high-low)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
