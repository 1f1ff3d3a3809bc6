package risk

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
)

// DetailSource 提供市场静态参数。
type DetailSource interface {
	Detail(ctx context.Context, market exchange.MarketID) (exchange.MarketDetail, error)
}

// ValidateLeverage 启动时校验杠杆配置。固定模式要求每个白名单市场都满足
// leverage <= 市场最大杠杆，动态模式仅输出每个市场的取值区间。
// 任一市场无法查询都会导致启动失败。
func ValidateLeverage(ctx context.Context, source DetailSource, cfg config.TradingConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var errs error
	for _, id := range cfg.Markets {
		market := exchange.MarketID(id)
		detail, err := source.Detail(ctx, market)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("risk: 无法获取市场 %d 参数: %w", id, err))
			continue
		}

		if cfg.DynamicLeverage {
			low := max(1, detail.MaxLeverage-cfg.LeverageBuffer)
			logger.Info("动态杠杆区间",
				zap.Int("market", id),
				zap.String("symbol", detail.Symbol),
				zap.Int("min", low),
				zap.Int("max", detail.MaxLeverage),
			)
			continue
		}

		if detail.MaxLeverage > 0 && cfg.Leverage > detail.MaxLeverage {
			errs = multierr.Append(errs, fmt.Errorf("risk: 市场 %d (%s) 杠杆 %dx 超过上限 %dx: %w",
				id, detail.Symbol, cfg.Leverage, detail.MaxLeverage, ErrLeverageExceedsMarket))
			continue
		}
		logger.Info("杠杆校验通过",
			zap.Int("market", id),
			zap.String("symbol", detail.Symbol),
			zap.Int("leverage", cfg.Leverage),
			zap.Int("max_leverage", detail.MaxLeverage),
		)
	}
	return errs
}
