package leverage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
)

// Target 为一笔交易两条腿各自的杠杆。
type Target struct {
	Long  int
	Short int
}

// Average 返回两腿杠杆均值，用于按保证金折算下单数量。
func (t Target) Average() float64 {
	return float64(t.Long+t.Short) / 2
}

type appliedKey struct {
	account string
	market  exchange.MarketID
}

// Manager 计算并下发杠杆。已下发过的相同杠杆不会重复推送。
type Manager struct {
	fixed   int
	dynamic bool
	buffer  int
	margin  exchange.MarginMode
	long    *exchange.Account
	short   *exchange.Account
	logger  *zap.Logger
	intN    func(n int) int

	mu      sync.Mutex
	applied map[appliedKey]int
}

// NewManager 创建杠杆管理器。
func NewManager(cfg config.TradingConfig, long, short *exchange.Account, logger *zap.Logger) (*Manager, error) {
	if long == nil || short == nil {
		return nil, errors.New("leverage: 账户不能为空")
	}
	margin, err := exchange.ParseMarginMode(cfg.MarginMode)
	if err != nil {
		return nil, fmt.Errorf("leverage: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		fixed:   cfg.Leverage,
		dynamic: cfg.DynamicLeverage,
		buffer:  cfg.LeverageBuffer,
		margin:  margin,
		long:    long,
		short:   short,
		logger:  logger,
		intN:    rand.IntN,
		applied: make(map[appliedKey]int),
	}, nil
}

// Dynamic 返回是否启用动态杠杆。
func (m *Manager) Dynamic() bool {
	return m.dynamic
}

// Fixed 返回配置的固定杠杆。
func (m *Manager) Fixed() int {
	return m.fixed
}

// Range 返回动态模式下的取值区间 [max(1, marketMax-buffer), marketMax]。
func (m *Manager) Range(marketMax int) (int, int) {
	low := max(1, marketMax-m.buffer)
	return low, max(low, marketMax)
}

// Assign 为单个账户选取杠杆。固定模式或最大杠杆未知时返回固定值。
func (m *Manager) Assign(marketMax int) int {
	if !m.dynamic || marketMax <= 0 {
		return m.fixed
	}
	low, high := m.Range(marketMax)
	return low + m.intN(high-low+1)
}

// Pair 为多空两腿独立抽取杠杆，两者可能不同。
func (m *Manager) Pair(marketMax int) Target {
	return Target{Long: m.Assign(marketMax), Short: m.Assign(marketMax)}
}

// FixedPair 返回两腿都使用固定杠杆的目标。
func (m *Manager) FixedPair() Target {
	return Target{Long: m.fixed, Short: m.fixed}
}

// Ensure 并行为两个账户下发杠杆，跳过已生效的取值。
// 下发失败只记日志并返回错误，不记录为已生效，下次会重新推送。
func (m *Manager) Ensure(ctx context.Context, market exchange.MarketID, target Target) error {
	var group errgroup.Group
	group.Go(func() error {
		return m.apply(ctx, m.long, market, target.Long)
	})
	group.Go(func() error {
		return m.apply(ctx, m.short, market, target.Short)
	})
	return group.Wait()
}

// Initialize 启动时为白名单内全部市场下发固定杠杆。动态模式在每笔交易前下发，此处跳过。
func (m *Manager) Initialize(ctx context.Context, markets []exchange.MarketID) error {
	if m.dynamic {
		m.logger.Info("动态杠杆模式，杠杆将在每笔交易前设置", zap.Int("buffer", m.buffer))
		return nil
	}

	var errs error
	for _, market := range markets {
		errs = multierr.Append(errs, m.Ensure(ctx, market, m.FixedPair()))
	}
	if errs != nil {
		return errs
	}
	m.logger.Info("杠杆设置完成",
		zap.Int("leverage", m.fixed),
		zap.String("margin_mode", m.margin.String()),
		zap.Int("markets", len(markets)),
	)
	return nil
}

// Applied 返回账户在市场上最近一次成功下发的杠杆。
func (m *Manager) Applied(account string, market exchange.MarketID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.applied[appliedKey{account: account, market: market}]
	return value, ok
}

func (m *Manager) apply(ctx context.Context, account *exchange.Account, market exchange.MarketID, leverage int) error {
	key := appliedKey{account: account.Name(), market: market}

	m.mu.Lock()
	current, ok := m.applied[key]
	m.mu.Unlock()
	if ok && current == leverage {
		return nil
	}

	out := account.UpdateLeverage(ctx, exchange.UpdateLeverage{
		Market:     market,
		Leverage:   leverage,
		MarginMode: m.margin,
	})
	if !out.Success {
		m.logger.Warn("设置杠杆失败",
			zap.String("account", account.Name()),
			zap.Int("market", int(market)),
			zap.Int("leverage", leverage),
			zap.String("error", out.Error),
		)
		return fmt.Errorf("leverage: 账户 %s 市场 %d 设置 %dx 失败: %s", account.Name(), market, leverage, out.Error)
	}

	m.mu.Lock()
	m.applied[key] = leverage
	m.mu.Unlock()

	m.logger.Debug("杠杆已设置",
		zap.String("account", account.Name()),
		zap.Int("market", int(market)),
		zap.Int("leverage", leverage),
	)
	return nil
}
