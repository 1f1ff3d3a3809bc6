package exchange

import (
	"fmt"
	"strings"
	"time"
)

// MarketID 为交易所内的市场编号。
type MarketID int

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// IsAsk 卖单在撮合侧为 ask。
func (s Side) IsAsk() bool {
	return s == SideSell
}

// Opposite 返回反方向，用于平仓。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// MarginMode 与交易所约定一致：0 为全仓，1 为逐仓。
type MarginMode int

const (
	MarginCross    MarginMode = 0
	MarginIsolated MarginMode = 1
)

// ParseMarginMode 解析 cross/isolated。
func ParseMarginMode(value string) (MarginMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "cross", "0":
		return MarginCross, nil
	case "isolated", "1":
		return MarginIsolated, nil
	default:
		return MarginCross, fmt.Errorf("exchange: 未知保证金模式 %q", value)
	}
}

func (m MarginMode) String() string {
	if m == MarginIsolated {
		return "isolated"
	}
	return "cross"
}

// MarketDetail 为市场静态参数。PrecisionKnown 为 false 时调用方需要自行推断精度。
type MarketDetail struct {
	ID             MarketID
	Symbol         string
	SizeDecimals   int
	PriceDecimals  int
	PrecisionKnown bool
	MaxLeverage    int
}

// Quote 为最优买卖价。
type Quote struct {
	Bid float64
	Ask float64
}

// Mid 返回中间价。
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread 返回绝对价差。
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadRatio 返回以卖一价为基准的相对价差。
func (q Quote) SpreadRatio() float64 {
	if q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Ask
}

// MarketInfo 聚合市场参数与当前盘口。
type MarketInfo struct {
	MarketDetail
	Quote
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Market    MarketID
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// Top 返回最优买卖价，任意一侧为空时 ok 为 false。
func (s OrderBookSnapshot) Top() (Quote, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return Quote{}, false
	}
	q := Quote{Bid: s.Bids[0].Price, Ask: s.Asks[0].Price}
	if q.Bid <= 0 || q.Ask <= 0 {
		return Quote{}, false
	}
	return q, true
}

// Notional 返回前 depth 档的名义价值之和。
func Notional(levels []OrderBookLevel, depth int) float64 {
	var total float64
	for i, level := range levels {
		if depth > 0 && i >= depth {
			break
		}
		total += level.Price * level.Amount
	}
	return total
}

// AccountSnapshot 为账户资金概况。
type AccountSnapshot struct {
	Available     float64
	OpenPositions int
}
