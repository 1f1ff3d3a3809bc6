package risk

import "errors"

var (
	// ErrSpreadTooWide 表示价差超过阈值，本次尝试不下单。
	ErrSpreadTooWide = errors.New("spread too wide")
	// ErrLeverageExceedsMarket 表示固定杠杆超过市场允许的最大杠杆。
	ErrLeverageExceedsMarket = errors.New("leverage exceeds market maximum")
)

// Decision 为价差检查结果。
type Decision struct {
	SpreadRatio float64
	MaxSpread   float64
	Allowed     bool
}
