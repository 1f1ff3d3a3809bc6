package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"delta-volume/internal/config"
)

const (
	lighterPathOrderBookDetails = "/api/v1/orderBookDetails"
	lighterPathOrderBookOrders  = "/api/v1/orderBookOrders"
	lighterPathAccount          = "/api/v1/account"
)

// LighterClient 通过公开 REST 接口读取市场参考数据与账户概况。
type LighterClient struct {
	http   *resty.Client
	retry  *retrier
	logger *zap.Logger
}

// NewLighterClient 创建 REST 客户端。RequestTimeout 为 0 时不设超时。
func NewLighterClient(cfg config.ExchangeConfig, logger *zap.Logger) *LighterClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if cfg.RequestTimeout > 0 {
		client.SetTimeout(cfg.RequestTimeout)
	}

	return &LighterClient{
		http:   client,
		retry:  newRetrier(cfg.Retry, logger),
		logger: logger,
	}
}

type lighterEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e lighterEnvelope) err(operation string) error {
	if e.Code != 0 && e.Code != 200 {
		return fmt.Errorf("exchange: %s 返回错误码 %d: %s", operation, e.Code, e.Message)
	}
	return nil
}

type lighterMarketDetail struct {
	MarketID                 int             `json:"market_id"`
	Symbol                   string          `json:"symbol"`
	Status                   string          `json:"status"`
	SizeDecimals             *int            `json:"size_decimals"`
	PriceDecimals            *int            `json:"price_decimals"`
	MinInitialMarginFraction decimal.Decimal `json:"min_initial_margin_fraction"`
}

type lighterOrderBookDetails struct {
	lighterEnvelope
	Details []lighterMarketDetail `json:"order_book_details"`
}

type lighterBookOrder struct {
	Price               decimal.Decimal     `json:"price"`
	RemainingBaseAmount decimal.NullDecimal `json:"remaining_base_amount"`
	AmountBase          decimal.NullDecimal `json:"amount_base"`
}

type lighterOrderBookOrders struct {
	lighterEnvelope
	Bids []lighterBookOrder `json:"bids"`
	Asks []lighterBookOrder `json:"asks"`
}

type lighterPosition struct {
	MarketID int             `json:"market_id"`
	Position decimal.Decimal `json:"position"`
}

type lighterAccount struct {
	Index            int64             `json:"index"`
	AvailableBalance decimal.Decimal   `json:"available_balance"`
	Positions        []lighterPosition `json:"positions"`
}

type lighterAccounts struct {
	lighterEnvelope
	Accounts []lighterAccount `json:"accounts"`
}

// Markets 返回全部市场的精度与最大杠杆。
func (c *LighterClient) Markets(ctx context.Context) ([]MarketDetail, error) {
	var out lighterOrderBookDetails
	if err := c.get(ctx, "order_book_details", lighterPathOrderBookDetails, nil, &out); err != nil {
		return nil, err
	}
	if err := out.err("order_book_details"); err != nil {
		return nil, err
	}

	details := make([]MarketDetail, 0, len(out.Details))
	for _, raw := range out.Details {
		detail := MarketDetail{
			ID:          MarketID(raw.MarketID),
			Symbol:      raw.Symbol,
			MaxLeverage: maxLeverageFromMarginFraction(raw.MinInitialMarginFraction),
		}
		if raw.SizeDecimals != nil && raw.PriceDecimals != nil {
			detail.SizeDecimals = *raw.SizeDecimals
			detail.PriceDecimals = *raw.PriceDecimals
			detail.PrecisionKnown = true
		}
		details = append(details, detail)
	}
	return details, nil
}

// OrderBook 返回前 depth 档盘口。
func (c *LighterClient) OrderBook(ctx context.Context, market MarketID, depth int) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 1
	}

	var out lighterOrderBookOrders
	params := map[string]string{
		"market_id": strconv.Itoa(int(market)),
		"limit":     strconv.Itoa(depth),
	}
	if err := c.get(ctx, "order_book_orders", lighterPathOrderBookOrders, params, &out); err != nil {
		return OrderBookSnapshot{}, err
	}
	if err := out.err("order_book_orders"); err != nil {
		return OrderBookSnapshot{}, err
	}

	return OrderBookSnapshot{
		Market:    market,
		Bids:      convertLighterLevels(out.Bids),
		Asks:      convertLighterLevels(out.Asks),
		Timestamp: time.Now().UTC(),
	}, nil
}

// AccountSnapshot 查询指定账户的可用余额与持仓数。
func (c *LighterClient) AccountSnapshot(ctx context.Context, index int64) (AccountSnapshot, error) {
	var out lighterAccounts
	params := map[string]string{
		"by":    "index",
		"value": strconv.FormatInt(index, 10),
	}
	if err := c.get(ctx, "account", lighterPathAccount, params, &out); err != nil {
		return AccountSnapshot{}, err
	}
	if err := out.err("account"); err != nil {
		return AccountSnapshot{}, err
	}
	if len(out.Accounts) == 0 {
		return AccountSnapshot{}, fmt.Errorf("exchange: 账户 %d 不存在", index)
	}

	acct := out.Accounts[0]
	snapshot := AccountSnapshot{Available: acct.AvailableBalance.InexactFloat64()}
	for _, pos := range acct.Positions {
		if !pos.Position.IsZero() {
			snapshot.OpenPositions++
		}
	}
	return snapshot, nil
}

// Inspector 返回绑定到某个账户的余额查询入口。
func (c *LighterClient) Inspector(index int64) Inspector {
	return InspectorFunc(func(ctx context.Context) (AccountSnapshot, error) {
		return c.AccountSnapshot(ctx, index)
	})
}

func (c *LighterClient) get(ctx context.Context, operation, path string, params map[string]string, out any) error {
	return c.retry.do(ctx, operation, func() error {
		req := c.http.R().SetContext(ctx).SetResult(out)
		if len(params) > 0 {
			req.SetQueryParams(params)
		}
		resp, err := req.Get(path)
		if err != nil {
			return fmt.Errorf("exchange: %s 请求失败: %w", operation, err)
		}
		if resp.IsError() {
			return &StatusError{Operation: operation, Code: resp.StatusCode(), Body: resp.String()}
		}
		return nil
	})
}

func convertLighterLevels(orders []lighterBookOrder) []OrderBookLevel {
	levels := make([]OrderBookLevel, 0, len(orders))
	for _, order := range orders {
		amount := order.RemainingBaseAmount
		if !amount.Valid {
			amount = order.AmountBase
		}
		levels = append(levels, OrderBookLevel{
			Price:  order.Price.InexactFloat64(),
			Amount: amount.Decimal.InexactFloat64(),
		})
	}
	return levels
}

// maxLeverageFromMarginFraction 保证金率以万分之一为单位，500 即 5%，对应 20 倍。
func maxLeverageFromMarginFraction(fraction decimal.Decimal) int {
	if !fraction.IsPositive() {
		return 0
	}
	return int(decimal.NewFromInt(10000).Div(fraction).IntPart())
}
