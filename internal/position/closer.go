package position

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
)

const (
	defaultCheckInterval = time.Second
	defaultLegDelay      = 500 * time.Millisecond
)

// LegResult 为单条腿的平仓结果。
type LegResult struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"tx_hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CloseReport 为一对仓位的平仓结果。
type CloseReport struct {
	Record   Record    `json:"record"`
	Long     LegResult `json:"long"`
	Short    LegResult `json:"short"`
	ClosedAt time.Time `json:"closed_at"`
}

// OK 两条腿都平仓成功时返回 true。
func (r CloseReport) OK() bool {
	return r.Long.OK && r.Short.OK
}

// Observer 接收平仓结果。
type Observer interface {
	PositionClosed(ctx context.Context, report CloseReport)
}

// Closer 定期扫描到期仓位并依次平掉多空两条腿。
// 平仓失败只记录日志，不自动重试。
type Closer struct {
	book     *Book
	long     *exchange.Account
	short    *exchange.Account
	interval time.Duration
	legDelay time.Duration
	observer Observer
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCloser 创建平仓任务。observer 可以为 nil。
func NewCloser(book *Book, long, short *exchange.Account, cfg config.ScheduleConfig, observer Observer, logger *zap.Logger) *Closer {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CloseCheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	legDelay := cfg.CloseLegDelay
	if legDelay < 0 {
		legDelay = defaultLegDelay
	}
	return &Closer{
		book:     book,
		long:     long,
		short:    short,
		interval: interval,
		legDelay: legDelay,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Run 持续运行直到 ctx 取消。正在进行的平仓不受取消影响，会执行完毕后再返回。
func (c *Closer) Run(ctx context.Context) error {
	c.logger.Info("平仓任务已启动", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("平仓任务已停止", zap.Int("remaining", c.book.Len()))
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ticker.C:
			c.Sweep(context.WithoutCancel(ctx))
		}
	}
}

// Sweep 平掉当前所有到期仓位，返回处理的数量。
func (c *Closer) Sweep(ctx context.Context) int {
	due := c.book.Due(c.now())
	if len(due) == 0 {
		return 0
	}

	ids := make([]string, 0, len(due))
	for _, rec := range due {
		report := c.Close(ctx, rec)
		if c.observer != nil {
			c.observer.PositionClosed(ctx, report)
		}
		ids = append(ids, rec.ID)
	}
	c.book.Remove(ids...)
	return len(due)
}

// Close 先平多头腿，间隔 legDelay 后再平空头腿。两条腿都使用只减仓市价单。
func (c *Closer) Close(ctx context.Context, rec Record) CloseReport {
	logger := c.logger.With(
		zap.Int("trade", rec.Trade),
		zap.Int("market", int(rec.Market)),
		zap.String("symbol", rec.Symbol),
		zap.String("position_id", rec.ID),
	)
	logger.Info("开始平仓", zap.Int64("base_amount", rec.BaseAmount))

	report := CloseReport{Record: rec}

	report.Long = c.closeLeg(ctx, logger, c.long, rec, exchange.SideSell, 2)
	if c.legDelay > 0 {
		_ = c.sleep(ctx, c.legDelay)
	}
	report.Short = c.closeLeg(ctx, logger, c.short, rec, exchange.SideBuy, 3)
	report.ClosedAt = c.now()

	if !report.OK() {
		logger.Error("平仓未全部成功，需人工检查",
			zap.Bool("long_ok", report.Long.OK),
			zap.Bool("short_ok", report.Short.OK),
			zap.Bool("unhedged", report.Long.OK != report.Short.OK),
		)
	}
	return report
}

func (c *Closer) closeLeg(ctx context.Context, logger *zap.Logger, account *exchange.Account, rec Record, side exchange.Side, offset int64) LegResult {
	reply := account.PlaceMarket(ctx, exchange.MarketOrder{
		Market:           rec.Market,
		ClientOrderIndex: exchange.CorrelationID(c.now().UnixMilli(), offset),
		BaseAmount:       rec.BaseAmount,
		PriceBound:       exchange.PriceBound(side),
		Side:             side,
		ReduceOnly:       true,
		Scale:            rec.Scale,
	})
	if !reply.Success {
		logger.Warn("平仓失败", zap.String("account", account.Name()), zap.String("error", reply.Error))
		return LegResult{Error: reply.Error}
	}
	logger.Info("平仓成功", zap.String("account", account.Name()), zap.String("tx", shortHash(reply.TxHash)))
	return LegResult{OK: true, TxHash: reply.TxHash}
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
