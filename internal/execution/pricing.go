package execution

import (
	"github.com/shopspring/decimal"

	"delta-volume/internal/exchange"
)

const (
	// DefaultSpreadPosition 限价单距各自盘口边缘的价差比例。
	DefaultSpreadPosition = 0.4
	// minEdgeDistance 重试价格至少保留在盘口内侧 1% 价差处，避免吃单。
	minEdgeDistance = 0.01
	// fallbackPriceDecimals 市场参数不可用时的价格精度。
	fallbackPriceDecimals = 2
)

// LimitPrices 返回价差内的挂单价格：多头在买一之上，空头在卖一之下，
// 两者都距离对侧盘口至少 1% 价差，保证只挂单不吃单。
func LimitPrices(quote exchange.Quote, position float64) (long, short float64) {
	spread := quote.Spread()
	long = quote.Bid + spread*position
	short = quote.Ask - spread*position

	long = min(long, quote.Ask-spread*minEdgeDistance)
	short = max(short, quote.Bid+spread*minEdgeDistance)
	return long, short
}

// RetryPosition 返回第 attempt 次重试的价差位置，逐步靠近中间价。
func RetryPosition(base, adjustment float64, attempt int) float64 {
	return base + adjustment*0.25*float64(attempt)
}

// ScalePrice 将价格按精度截断为整数。
func ScalePrice(price float64, decimals int) int64 {
	return decimal.NewFromFloat(price).Shift(int32(decimals)).Truncate(0).IntPart()
}

// BaseUnits 按目标保证金计算下单数量（整数，按数量精度放大），最少 1 个单位：
// round(margin * avgLeverage / mid * 10^sizeDecimals)。
func BaseUnits(margin, avgLeverage, mid float64, sizeDecimals int) int64 {
	if mid <= 0 {
		return 1
	}
	amount := decimal.NewFromFloat(margin).
		Mul(decimal.NewFromFloat(avgLeverage)).
		Div(decimal.NewFromFloat(mid)).
		Shift(int32(sizeDecimals)).
		Round(0).
		IntPart()
	return max(1, amount)
}

// FallbackSizeDecimals 在无法获取数量精度时按价格量级推断。
func FallbackSizeDecimals(price float64) int {
	switch {
	case price >= 10000:
		return 5
	case price >= 1000:
		return 4
	default:
		return 3
	}
}

// Notional 返回整数数量在给定价格下的名义价值。
func Notional(baseAmount int64, sizeDecimals int, price float64) float64 {
	return decimal.New(baseAmount, -int32(sizeDecimals)).Mul(decimal.NewFromFloat(price)).InexactFloat64()
}

// openOffsets 返回一轮下单使用的客户端订单号偏移。
func openOffsets(round Round) (long, short int64) {
	switch {
	case round.Remediation:
		return 30, 31
	case round.Attempt > 0:
		a := int64(round.Attempt)
		return 10 + 2*a, 11 + 2*a
	default:
		return 0, 1
	}
}

// closeOffset 返回单边成交平仓使用的订单号偏移。
func closeOffset(round Round, leg Leg) int64 {
	offset := 20 + int64(round.Attempt)
	if round.Remediation {
		offset = 40
	}
	if leg == LegShort {
		offset++
	}
	return offset
}
