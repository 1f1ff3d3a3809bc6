package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"delta-volume/internal/config"
)

// ccxtClient 为本包用到的 ccxt 方法子集，便于在测试中替换。
type ccxtClient interface {
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	SetLeverage(leverage int64, options ...ccxt.SetLeverageOptions) (map[string]interface{}, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// marketCatalog 提供市场元数据，ccxt 以 map 形式返回。
type marketCatalog interface {
	LoadMarkets() error
	Market(symbol string) map[string]interface{}
}

type hyperliquidCatalog struct {
	ex *ccxt.Hyperliquid
}

func (c hyperliquidCatalog) LoadMarkets() error {
	_, err := c.ex.LoadMarkets()
	return err
}

func (c hyperliquidCatalog) Market(symbol string) map[string]interface{} {
	market, _ := c.ex.Market(symbol).(map[string]interface{})
	return market
}

// CCXTVenue 以 ccxt 访问 Hyperliquid，同时作为参考数据源、账户执行端与余额查询入口。
// 市场编号为 exchange.symbols 中的下标。
type CCXTVenue struct {
	client   ccxtClient
	catalog  marketCatalog
	symbols  []string
	slippage float64
	retry    *retrier
	logger   *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewHyperliquidVenue 为一个账户创建 Hyperliquid 客户端。
func NewHyperliquidVenue(exCfg config.ExchangeConfig, acct config.AccountConfig, slippage float64, logger *zap.Logger) *CCXTVenue {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if acct.Wallet != "" {
		userConfig["walletAddress"] = acct.Wallet
	}
	if acct.PrivateKey != "" {
		userConfig["privateKey"] = acct.PrivateKey
	}
	if exCfg.RequestTimeout > 0 {
		userConfig["timeout"] = exCfg.RequestTimeout.Milliseconds()
	}

	ex := ccxt.NewHyperliquid(userConfig)
	if exCfg.Testnet() {
		ex.SetSandboxMode(true)
	}

	return newCCXTVenue(ex, hyperliquidCatalog{ex: ex}, exCfg, slippage, logger)
}

func newCCXTVenue(client ccxtClient, catalog marketCatalog, exCfg config.ExchangeConfig, slippage float64, logger *zap.Logger) *CCXTVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTVenue{
		client:   client,
		catalog:  catalog,
		symbols:  append([]string(nil), exCfg.Symbols...),
		slippage: slippage,
		retry:    newRetrier(exCfg.Retry, logger),
		logger:   logger,
	}
}

// Markets 返回已配置交易对的精度与最大杠杆。
func (v *CCXTVenue) Markets(ctx context.Context) ([]MarketDetail, error) {
	if err := v.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	details := make([]MarketDetail, 0, len(v.symbols))
	for i, symbol := range v.symbols {
		market := v.catalog.Market(symbol)
		if market == nil {
			continue
		}
		details = append(details, convertCCXTMarket(MarketID(i), symbol, market))
	}
	return details, nil
}

// OrderBook 获取订单簿快照。
func (v *CCXTVenue) OrderBook(ctx context.Context, market MarketID, depth int) (OrderBookSnapshot, error) {
	symbol, err := v.symbol(market)
	if err != nil {
		return OrderBookSnapshot{}, err
	}
	if depth <= 0 {
		depth = 1
	}

	var raw ccxt.OrderBook
	err = v.retry.do(ctx, "fetch_order_book", func() error {
		if err := v.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		orderBook, err := v.client.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(int64(depth)))
		if err != nil {
			return err
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return OrderBookSnapshot{}, err
	}

	return convertOrderBook(market, raw), nil
}

// Inspect 读取账户余额与持仓数量。
func (v *CCXTVenue) Inspect(ctx context.Context) (AccountSnapshot, error) {
	var snapshot AccountSnapshot

	var balances ccxt.Balances
	if err := v.retry.do(ctx, "fetch_balance", func() error {
		var err error
		balances, err = v.client.FetchBalance()
		return err
	}); err != nil {
		return snapshot, fmt.Errorf("exchange: 获取账户余额失败: %w", err)
	}
	snapshot.Available = freeStable(balances)

	var positions []ccxt.Position
	if err := v.retry.do(ctx, "fetch_positions", func() error {
		var err error
		positions, err = v.client.FetchPositions()
		return err
	}); err != nil {
		return snapshot, fmt.Errorf("exchange: 获取持仓失败: %w", err)
	}
	for _, pos := range positions {
		if derefFloat(pos.Contracts) != 0 {
			snapshot.OpenPositions++
		}
	}
	return snapshot, nil
}

// Execute 将指令翻译为 ccxt 调用。下单与撤单不重试。
func (v *CCXTVenue) Execute(ctx context.Context, cmd Command) (Reply, error) {
	if err := v.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	switch c := cmd.(type) {
	case UpdateLeverage:
		return v.updateLeverage(c)
	case LimitOrder:
		return v.placeLimit(c)
	case MarketOrder:
		return v.placeMarket(ctx, c)
	case CancelOrder:
		return v.cancel(c)
	case OrderStatus:
		return v.status(ctx, c)
	default:
		return nil, fmt.Errorf("exchange: %w: %T", ErrUnsupportedCommand, cmd)
	}
}

func (v *CCXTVenue) updateLeverage(c UpdateLeverage) (Reply, error) {
	symbol, err := v.symbol(c.Market)
	if err != nil {
		return AckReply{Outcome: failed(err)}, nil
	}
	_, err = v.client.SetLeverage(int64(c.Leverage),
		ccxt.WithSetLeverageSymbol(symbol),
		ccxt.WithSetLeverageParams(map[string]interface{}{"marginMode": c.MarginMode.String()}),
	)
	if err != nil {
		return AckReply{Outcome: failed(err)}, nil
	}
	return AckReply{Outcome: Outcome{Success: true}}, nil
}

func (v *CCXTVenue) placeLimit(c LimitOrder) (Reply, error) {
	symbol, err := v.symbol(c.Market)
	if err != nil {
		return PlaceReply{Outcome: failed(err)}, nil
	}

	amount := unscale(c.BaseAmount, c.Scale.SizeDecimals)
	price := unscale(c.Price, c.Scale.PriceDecimals)
	params := map[string]interface{}{
		"postOnly":      true,
		"reduceOnly":    c.ReduceOnly,
		"clientOrderId": clientOrderID(c.ClientOrderIndex),
	}

	order, err := v.client.CreateOrder(symbol, "limit", string(c.Side), amount,
		ccxt.WithCreateOrderPrice(price),
		ccxt.WithCreateOrderParams(params),
	)
	if err != nil {
		return PlaceReply{Outcome: failed(err)}, nil
	}
	id := derefString(order.Id)
	return PlaceReply{Outcome: Outcome{Success: true}, TxHash: id, OrderID: id}, nil
}

// placeMarket 以盘口价加滑点下 IOC 单，忽略指令里的极端价格边界。
func (v *CCXTVenue) placeMarket(ctx context.Context, c MarketOrder) (Reply, error) {
	symbol, err := v.symbol(c.Market)
	if err != nil {
		return PlaceReply{Outcome: failed(err)}, nil
	}

	book, err := v.OrderBook(ctx, c.Market, 1)
	if err != nil {
		return PlaceReply{Outcome: failed(err)}, nil
	}
	quote, ok := book.Top()
	if !ok {
		return PlaceReply{Outcome: failed(ErrBookUnavailable)}, nil
	}
	price := quote.Bid
	if c.Side == SideBuy {
		price = quote.Ask
	}

	params := map[string]interface{}{
		"reduceOnly":    c.ReduceOnly,
		"clientOrderId": clientOrderID(c.ClientOrderIndex),
	}
	if v.slippage > 0 {
		params["slippage"] = strconv.FormatFloat(v.slippage, 'f', 6, 64)
	}

	order, err := v.client.CreateOrder(symbol, "market", string(c.Side), unscale(c.BaseAmount, c.Scale.SizeDecimals),
		ccxt.WithCreateOrderPrice(price),
		ccxt.WithCreateOrderParams(params),
	)
	if err != nil {
		return PlaceReply{Outcome: failed(err)}, nil
	}
	id := derefString(order.Id)
	return PlaceReply{Outcome: Outcome{Success: true}, TxHash: id, OrderID: id}, nil
}

func (v *CCXTVenue) cancel(c CancelOrder) (Reply, error) {
	symbol, err := v.symbol(c.Market)
	if err != nil {
		return AckReply{Outcome: failed(err)}, nil
	}
	if _, err := v.client.CancelOrder(c.OrderID, ccxt.WithCancelOrderSymbol(symbol)); err != nil {
		return AckReply{Outcome: failed(err)}, nil
	}
	return AckReply{Outcome: Outcome{Success: true}}, nil
}

// status 挂单不在活动列表中即视为已成交。
func (v *CCXTVenue) status(ctx context.Context, c OrderStatus) (Reply, error) {
	symbol, err := v.symbol(c.Market)
	if err != nil {
		return StatusReply{Outcome: failed(err)}, nil
	}

	var open []ccxt.Order
	err = v.retry.do(ctx, "fetch_open_orders", func() error {
		orders, err := v.client.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if err != nil {
			return err
		}
		open = orders
		return nil
	})
	if err != nil {
		return StatusReply{Outcome: failed(err)}, nil
	}

	for _, order := range open {
		if derefString(order.Id) == c.OrderID {
			remaining := strconv.FormatFloat(derefFloat(order.Remaining), 'f', -1, 64)
			return StatusReply{Outcome: Outcome{Success: true}, Filled: false, RemainingAmount: remaining}, nil
		}
	}
	return StatusReply{Outcome: Outcome{Success: true}, Filled: true}, nil
}

func (v *CCXTVenue) symbol(market MarketID) (string, error) {
	if int(market) < 0 || int(market) >= len(v.symbols) {
		return "", fmt.Errorf("exchange: 市场 %d: %w", market, ErrMarketNotFound)
	}
	return v.symbols[market], nil
}

func (v *CCXTVenue) ensureMarketsLoaded(ctx context.Context) error {
	v.marketsMu.Lock()
	defer v.marketsMu.Unlock()

	if v.marketsLoaded {
		return nil
	}

	loadErr := v.retry.do(ctx, "load_markets", v.catalog.LoadMarkets)
	if loadErr != nil {
		return loadErr
	}

	v.marketsLoaded = true
	v.logger.Info("已完成市场元数据加载", zap.Strings("symbols", v.symbols))
	return nil
}

func convertCCXTMarket(id MarketID, symbol string, market map[string]interface{}) MarketDetail {
	detail := MarketDetail{ID: id, Symbol: symbol}
	info, _ := market["info"].(map[string]interface{})

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		size, sizeOK := decimalsFromTick(precision["amount"])
		price, priceOK := decimalsFromTick(precision["price"])
		if sizeOK && priceOK {
			detail.SizeDecimals = size
			detail.PriceDecimals = price
			detail.PrecisionKnown = true
		}
	}
	if !detail.PrecisionKnown && info != nil {
		if raw, ok := info["szDecimals"]; ok {
			size := int(parseNumeric(raw))
			detail.SizeDecimals = size
			detail.PriceDecimals = max(0, 6-size)
			detail.PrecisionKnown = true
		}
	}

	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if leverage, ok := limits["leverage"].(map[string]interface{}); ok {
			detail.MaxLeverage = int(parseNumeric(leverage["max"]))
		}
	}
	if detail.MaxLeverage == 0 && info != nil {
		detail.MaxLeverage = int(parseNumeric(info["maxLeverage"]))
	}

	return detail
}

// decimalsFromTick 将最小变动单位（如 0.001）换算为小数位数。
func decimalsFromTick(value interface{}) (int, bool) {
	tick := parseNumeric(value)
	if tick <= 0 {
		return 0, false
	}
	if tick >= 1 {
		return 0, true
	}
	return int(-decimal.NewFromFloat(tick).Exponent()), true
}

func unscale(value int64, decimals int) float64 {
	return decimal.New(value, -int32(decimals)).InexactFloat64()
}

// clientOrderID Hyperliquid 要求 128 位十六进制 cloid。
func clientOrderID(index int64) string {
	return fmt.Sprintf("0x%032x", index)
}

func convertOrderBook(market MarketID, ob ccxt.OrderBook) OrderBookSnapshot {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	ts := time.Now().UTC()
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	}

	return OrderBookSnapshot{
		Market:    market,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

func freeStable(balances ccxt.Balances) float64 {
	if balances.Free != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				return *free
			}
		}
	}
	if balances.Info != nil {
		if v := parseNumeric(balances.Info["withdrawable"]); v > 0 {
			return v
		}
	}
	return 0
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
