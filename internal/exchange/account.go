package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Account 为单个交易账户的类型化指令入口。
// 传输错误与回执类型不符都折叠为失败回执，调用方只需检查 Success。
type Account struct {
	name   string
	exec   Executor
	logger *zap.Logger
}

// NewAccount 创建账户入口，name 用于日志（如 long/short）。
func NewAccount(name string, exec Executor, logger *zap.Logger) *Account {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Account{
		name:   name,
		exec:   exec,
		logger: logger.With(zap.String("account", name)),
	}
}

// Name 返回账户名称。
func (a *Account) Name() string {
	return a.name
}

// UpdateLeverage 设置杠杆。
func (a *Account) UpdateLeverage(ctx context.Context, cmd UpdateLeverage) Outcome {
	reply, out := a.dispatch(ctx, cmd)
	if reply == nil {
		return out
	}
	if ack, ok := reply.(AckReply); ok {
		return ack.Outcome
	}
	return a.mismatch(cmd, reply)
}

// PlaceLimit 提交限价挂单。
func (a *Account) PlaceLimit(ctx context.Context, cmd LimitOrder) PlaceReply {
	return a.place(ctx, cmd)
}

// PlaceMarket 提交市价单。
func (a *Account) PlaceMarket(ctx context.Context, cmd MarketOrder) PlaceReply {
	return a.place(ctx, cmd)
}

// Cancel 撤单。
func (a *Account) Cancel(ctx context.Context, cmd CancelOrder) Outcome {
	reply, out := a.dispatch(ctx, cmd)
	if reply == nil {
		return out
	}
	if ack, ok := reply.(AckReply); ok {
		return ack.Outcome
	}
	return a.mismatch(cmd, reply)
}

// Status 查询挂单成交状态。
func (a *Account) Status(ctx context.Context, cmd OrderStatus) StatusReply {
	reply, out := a.dispatch(ctx, cmd)
	if reply == nil {
		return StatusReply{Outcome: out}
	}
	if status, ok := reply.(StatusReply); ok {
		return status
	}
	return StatusReply{Outcome: a.mismatch(cmd, reply)}
}

func (a *Account) place(ctx context.Context, cmd Command) PlaceReply {
	reply, out := a.dispatch(ctx, cmd)
	if reply == nil {
		return PlaceReply{Outcome: out}
	}
	if placed, ok := reply.(PlaceReply); ok {
		return placed
	}
	return PlaceReply{Outcome: a.mismatch(cmd, reply)}
}

func (a *Account) dispatch(ctx context.Context, cmd Command) (Reply, Outcome) {
	reply, err := a.exec.Execute(ctx, cmd)
	if err != nil {
		a.logger.Warn("账户指令执行失败",
			zap.String("command", string(cmd.Kind())),
			zap.Error(err),
		)
		return nil, failed(err)
	}
	if reply == nil {
		return nil, failed(fmt.Errorf("exchange: %s 未返回回执", cmd.Kind()))
	}
	return reply, Outcome{}
}

func (a *Account) mismatch(cmd Command, reply Reply) Outcome {
	return failed(fmt.Errorf("exchange: %s 返回了意外的回执类型 %T", cmd.Kind(), reply))
}
