package execution

import "context"

// Trader 抽象一次交易对尝试，方便编排层替换实现。
type Trader interface {
	Execute(ctx context.Context, trade int) Outcome
}

var _ Trader = (*Engine)(nil)
