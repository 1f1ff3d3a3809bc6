package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
	"delta-volume/internal/log"
)

func main() {
	var (
		configPath string
		depth      int
		limit      int
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.IntVar(&depth, "depth", 10, "统计流动性的盘口档数")
	flag.IntVar(&limit, "limit", 0, "最多输出的市场数量，0 表示全部")
	flag.Parse()

	cfg, err := config.Read(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	var ref exchange.Reference
	switch cfg.Exchange.Backend {
	case config.BackendHyperliquid:
		ref = exchange.NewHyperliquidVenue(cfg.Exchange, cfg.LongAccount, cfg.Trading.MaxSlippage, logger)
	default:
		ref = exchange.NewLighterClient(cfg.Exchange, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	surveys, err := exchange.NewMarketDataService(ref, logger).Survey(ctx, depth)
	if err != nil {
		logger.Error("获取市场信息失败", zap.Error(err))
		os.Exit(1)
	}
	if limit > 0 && len(surveys) > limit {
		surveys = surveys[:limit]
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Symbol", "Max Lev", "Bid", "Ask", "Spread %", fmt.Sprintf("Liquidity (%d)", depth), "Size Dec", "Price Dec"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, s := range surveys {
		table.Append([]string{
			strconv.Itoa(int(s.ID)),
			s.Symbol,
			strconv.Itoa(s.MaxLeverage),
			strconv.FormatFloat(s.Bid, 'f', -1, 64),
			strconv.FormatFloat(s.Ask, 'f', -1, 64),
			strconv.FormatFloat(s.SpreadRatio()*100, 'f', 4, 64),
			strconv.FormatFloat(s.TotalLiquidity(), 'f', 0, 64),
			strconv.Itoa(s.SizeDecimals),
			strconv.Itoa(s.PriceDecimals),
		})
	}
	table.Render()

	logger.Info("市场发现完成", zap.Int("markets", len(surveys)), zap.String("network", networkName(cfg.Exchange)))
}

func networkName(cfg config.ExchangeConfig) string {
	if cfg.Testnet() {
		return "testnet"
	}
	return "mainnet"
}
