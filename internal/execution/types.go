package execution

import (
	"errors"
	"time"

	"delta-volume/internal/exchange"
	"delta-volume/internal/leverage"
	"delta-volume/internal/position"
)

var (
	// ErrPriceUnavailable 表示无法获取盘口价格，本次尝试放弃。
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrPlacementFailed 表示下单未全部成功。
	ErrPlacementFailed = errors.New("order placement failed")
	// ErrRetriesExhausted 表示限价单重试后仍未成交。
	ErrRetriesExhausted = errors.New("limit orders unfilled after retries")
	// ErrAsymmetricFill 表示仅一侧成交，已平掉成交腿。
	ErrAsymmetricFill = errors.New("asymmetric fill")
)

// Style 为一对订单的下单方式，两条腿总是相同。
type Style string

const (
	StyleLimit  Style = "limit"
	StyleMarket Style = "market"
)

// Leg 标识交易对中的一条腿。
type Leg int

const (
	LegLong Leg = iota
	LegShort
)

func (l Leg) String() string {
	if l == LegShort {
		return "short"
	}
	return "long"
}

// OpenSide 返回开仓方向：多头买入，空头卖出。
func (l Leg) OpenSide() exchange.Side {
	if l == LegShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// CloseSide 返回平仓方向。
func (l Leg) CloseSide() exchange.Side {
	return l.OpenSide().Opposite()
}

// Outcome 为一次交易尝试的结果。Success 为 true 时两条腿都已成交且 Position 非空。
type Outcome struct {
	AttemptID  string            `json:"attempt_id"`
	Trade      int               `json:"trade"`
	Market     exchange.MarketID `json:"market"`
	Symbol     string            `json:"symbol"`
	Style      Style             `json:"style"`
	Degraded   bool              `json:"degraded"`
	Leverage   leverage.Target   `json:"leverage"`
	BaseAmount int64             `json:"base_amount"`
	Quote      exchange.Quote    `json:"quote"`
	Phase      Phase             `json:"phase"`
	OrdersSent int               `json:"orders_sent"`
	Remediated bool              `json:"remediated"`
	Unhedged   bool              `json:"unhedged"`
	Success    bool              `json:"success"`
	Reason     string            `json:"reason,omitempty"`
	Err        error             `json:"-"`
	Position   *position.Record  `json:"position,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Placed 返回本次尝试是否发出过订单。
func (o Outcome) Placed() bool {
	return o.OrdersSent > 0
}
