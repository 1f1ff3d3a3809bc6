package exchange

import "context"

// CommandKind 为发送给账户执行端的指令名。
type CommandKind string

const (
	KindUpdateLeverage CommandKind = "update_leverage"
	KindLimitOrder     CommandKind = "execute_limit_order"
	KindMarketOrder    CommandKind = "execute_true_market_order"
	KindCancelOrder    CommandKind = "cancel_order"
	KindOrderStatus    CommandKind = "get_order_status"
)

const (
	// BuyPriceBound 为买入市价单的价格上限，保证按盘口成交。
	BuyPriceBound int64 = 999999999
	// SellPriceBound 为卖出市价单的价格下限。
	SellPriceBound int64 = 1

	// CorrelationRange 为客户端订单号的取值范围。
	CorrelationRange int64 = 1_000_000
)

// PriceBound 返回市价单在该方向上的极端价格。
func PriceBound(side Side) int64 {
	if side == SideBuy {
		return BuyPriceBound
	}
	return SellPriceBound
}

// CorrelationID 由毫秒时间戳加偏移生成客户端订单号。
// 同一账户同时在途的订单使用不同偏移以区分状态查询。
func CorrelationID(baseMillis, offset int64) int64 {
	return (baseMillis + offset) % CorrelationRange
}

// Command 为封闭的指令集合，只有本包内的类型实现。
type Command interface {
	Kind() CommandKind
	isCommand()
}

// Scale 描述整数化数量与价格的小数位数。
type Scale struct {
	SizeDecimals  int
	PriceDecimals int
}

// UpdateLeverage 设置账户在某市场上的杠杆。
type UpdateLeverage struct {
	Market     MarketID
	Leverage   int
	MarginMode MarginMode
}

// LimitOrder 为只挂单（post-only）的限价单。
type LimitOrder struct {
	Market           MarketID
	ClientOrderIndex int64
	BaseAmount       int64
	Price            int64
	Side             Side
	ReduceOnly       bool
	Scale            Scale
}

// MarketOrder 以极端价格边界模拟市价单。
type MarketOrder struct {
	Market           MarketID
	ClientOrderIndex int64
	BaseAmount       int64
	PriceBound       int64
	Side             Side
	ReduceOnly       bool
	Scale            Scale
}

// CancelOrder 撤销挂单。
type CancelOrder struct {
	Market  MarketID
	OrderID string
}

// OrderStatus 查询挂单是否仍在活动列表中。
type OrderStatus struct {
	Market  MarketID
	OrderID string
}

func (UpdateLeverage) Kind() CommandKind { return KindUpdateLeverage }
func (LimitOrder) Kind() CommandKind     { return KindLimitOrder }
func (MarketOrder) Kind() CommandKind    { return KindMarketOrder }
func (CancelOrder) Kind() CommandKind    { return KindCancelOrder }
func (OrderStatus) Kind() CommandKind    { return KindOrderStatus }

func (UpdateLeverage) isCommand() {}
func (LimitOrder) isCommand()     {}
func (MarketOrder) isCommand()    {}
func (CancelOrder) isCommand()    {}
func (OrderStatus) isCommand()    {}

// Outcome 为所有回执共有的成功标记与错误信息。
type Outcome struct {
	Success bool
	Error   string
}

// Result 返回回执的公共部分。
func (o Outcome) Result() Outcome {
	return o
}

// Reply 为封闭的回执集合。
type Reply interface {
	Result() Outcome
	isReply()
}

// AckReply 对应设置杠杆与撤单。
type AckReply struct {
	Outcome
}

// PlaceReply 对应限价单与市价单。TxHash 仅用于展示。
type PlaceReply struct {
	Outcome
	TxHash  string
	OrderID string
}

// StatusReply 对应挂单状态查询。
type StatusReply struct {
	Outcome
	Filled          bool
	RemainingAmount string
}

func (AckReply) isReply()    {}
func (PlaceReply) isReply()  {}
func (StatusReply) isReply() {}

// Executor 向单个账户的隔离执行环境发送一条指令。
// 返回 error 表示传输层失败，业务失败通过 Reply.Result().Success 表示。
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Reply, error)
}

func failed(err error) Outcome {
	return Outcome{Success: false, Error: err.Error()}
}
