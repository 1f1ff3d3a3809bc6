package risk

import (
	"fmt"

	"go.uber.org/zap"

	"delta-volume/internal/exchange"
)

// DefaultMaxSpread 为默认价差上限（0.1%）。
const DefaultMaxSpread = 0.001

// SpreadGuard 在下单前检查买卖价差。
type SpreadGuard struct {
	maxSpread float64
	logger    *zap.Logger
}

// NewSpreadGuard 创建价差检查器，maxSpread 为以卖一价为基准的比例。
func NewSpreadGuard(maxSpread float64, logger *zap.Logger) *SpreadGuard {
	if maxSpread <= 0 {
		maxSpread = DefaultMaxSpread
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpreadGuard{
		maxSpread: maxSpread,
		logger:    logger,
	}
}

// MaxSpread 返回价差上限。
func (g *SpreadGuard) MaxSpread() float64 {
	return g.maxSpread
}

// Evaluate 计算价差比例并判断是否允许交易。
func (g *SpreadGuard) Evaluate(quote exchange.Quote) Decision {
	ratio := quote.SpreadRatio()
	return Decision{
		SpreadRatio: ratio,
		MaxSpread:   g.maxSpread,
		Allowed:     quote.Ask > 0 && ratio <= g.maxSpread,
	}
}

// Check 价差超限时返回 ErrSpreadTooWide。
func (g *SpreadGuard) Check(market exchange.MarketID, quote exchange.Quote) error {
	decision := g.Evaluate(quote)
	if decision.Allowed {
		return nil
	}
	g.logger.Warn("价差超过上限，跳过本次交易",
		zap.Int("market", int(market)),
		zap.Float64("bid", quote.Bid),
		zap.Float64("ask", quote.Ask),
		zap.Float64("spread_pct", decision.SpreadRatio*100),
		zap.Float64("max_spread_pct", g.maxSpread*100),
	)
	return fmt.Errorf("risk: 市场 %d 价差 %.4f%% 超过 %.4f%%: %w",
		market, decision.SpreadRatio*100, g.maxSpread*100, ErrSpreadTooWide)
}
