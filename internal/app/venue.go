package app

import (
	"fmt"

	"go.uber.org/zap"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
)

// namedInspector 为带账户名的余额查询入口。
type namedInspector struct {
	name      string
	inspector exchange.Inspector
}

// venue 聚合行情参考源与两个账户的执行端。
type venue struct {
	reference  exchange.Reference
	long       exchange.Executor
	short      exchange.Executor
	inspectors []namedInspector
}

func newVenue(cfg *config.Config, logger *zap.Logger) (*venue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Exchange.Backend {
	case config.BackendLighter:
		client := exchange.NewLighterClient(cfg.Exchange, logger)
		return &venue{
			reference: client,
			long:      exchange.NewSidecarExecutor(cfg.Exchange, cfg.LongAccount, logger.Named("long")),
			short:     exchange.NewSidecarExecutor(cfg.Exchange, cfg.ShortAccount, logger.Named("short")),
			inspectors: []namedInspector{
				{name: "long", inspector: client.Inspector(cfg.LongAccount.Index)},
				{name: "short", inspector: client.Inspector(cfg.ShortAccount.Index)},
			},
		}, nil

	case config.BackendHyperliquid:
		long := exchange.NewHyperliquidVenue(cfg.Exchange, cfg.LongAccount, cfg.Trading.MaxSlippage, logger.Named("long"))
		short := exchange.NewHyperliquidVenue(cfg.Exchange, cfg.ShortAccount, cfg.Trading.MaxSlippage, logger.Named("short"))
		return &venue{
			reference: long,
			long:      long,
			short:     short,
			inspectors: []namedInspector{
				{name: "long", inspector: long},
				{name: "short", inspector: short},
			},
		}, nil

	default:
		return nil, fmt.Errorf("不支持的交易所后端: %q", cfg.Exchange.Backend)
	}
}
