package execution

// Phase 为开仓流程的状态。
type Phase int

const (
	// PhasePlaced 双边订单已提交，等待下单结果。
	PhasePlaced Phase = iota
	// PhasePolling 双边限价单挂单中，等待查询成交。
	PhasePolling
	// PhaseBothFilled 两条腿都已成交，流程成功结束。
	PhaseBothFilled
	// PhaseBothUnfilled 两条腿都未成交，撤单后进入重试或结束。
	PhaseBothUnfilled
	// PhaseAsymmetric 仅一条腿成交，撤掉另一条并平掉成交腿。
	PhaseAsymmetric
	// PhaseRetryExhausted 重试次数用尽仍未成交，无敞口。
	PhaseRetryExhausted
	// PhaseRemediated 单边成交已平仓，正在进行补救轮下单。
	PhaseRemediated
	// PhaseAbandoned 下单失败或补救失败，流程结束。
	PhaseAbandoned
)

var phaseNames = map[Phase]string{
	PhasePlaced:         "placed",
	PhasePolling:        "polling",
	PhaseBothFilled:     "both_filled",
	PhaseBothUnfilled:   "both_unfilled",
	PhaseAsymmetric:     "asymmetric",
	PhaseRetryExhausted: "retry_exhausted",
	PhaseRemediated:     "remediated",
	PhaseAbandoned:      "abandoned",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// MarshalText 以名称输出状态。
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal 返回流程是否已结束。
func (p Phase) Terminal() bool {
	return p == PhaseBothFilled || p == PhaseRetryExhausted || p == PhaseAbandoned
}

// Round 标识一轮双边下单。
type Round struct {
	// Attempt 为 0 表示首轮，1..N 为双边未成交后的重试轮。
	Attempt int
	// Remediation 表示单边成交平仓后的补救轮。
	Remediation bool
}

// Flow 为开仓流程的完整状态，只由 Reduce 修改。
type Flow struct {
	Phase           Phase
	Style           Style
	Round           Round
	MaxRetries      int
	RemediationUsed bool
	LongFilled      bool
	ShortFilled     bool
	Unhedged        bool
	Reason          string
}

// NewFlow 创建处于 Placed 状态的流程，首轮下单由调用方发起。
func NewFlow(style Style, maxRetries int) Flow {
	return Flow{
		Phase:      PhasePlaced,
		Style:      style,
		MaxRetries: max(0, maxRetries),
	}
}

// Event 为副作用执行后反馈给流程的结果。
type Event interface {
	isEvent()
}

// LegsPlaced 为一轮双边下单的结果。市价单成功即视为成交。
type LegsPlaced struct {
	LongOK  bool
	ShortOK bool
}

// FillsChecked 为等待后查询到的成交状态。
type FillsChecked struct {
	LongFilled  bool
	ShortFilled bool
}

// LegsCancelled 表示撤单已执行（结果仅记录日志）。
type LegsCancelled struct{}

// LegClosed 为单边成交后平仓的结果。
type LegClosed struct {
	Leg Leg
	OK  bool
}

// RoundAborted 表示新一轮下单前无法获取价格。
type RoundAborted struct {
	Reason string
}

func (LegsPlaced) isEvent()    {}
func (FillsChecked) isEvent()  {}
func (LegsCancelled) isEvent() {}
func (LegClosed) isEvent()     {}
func (RoundAborted) isEvent()  {}

// Effect 为流程要求执行的操作。
type Effect interface {
	isEffect()
}

// PlaceRound 按当前盘口双边下单。
type PlaceRound struct {
	Round Round
}

// AwaitFills 等待后查询两条腿的成交状态。补救轮只等待一半时间。
type AwaitFills struct {
	Round Round
}

// CancelLegs 撤销指定腿的挂单。
type CancelLegs struct {
	Round Round
	Long  bool
	Short bool
}

// CloseLeg 以只减仓市价单平掉一条已成交的腿。
type CloseLeg struct {
	Round Round
	Leg   Leg
}

func (PlaceRound) isEffect() {}
func (AwaitFills) isEffect() {}
func (CancelLegs) isEffect() {}
func (CloseLeg) isEffect()   {}

// Reduce 为纯函数：根据当前状态与事件给出下一状态和需要执行的操作。
// 与当前状态不匹配的事件被忽略。
func Reduce(f Flow, event Event) (Flow, []Effect) {
	switch f.Phase {
	case PhasePlaced, PhaseRemediated:
		return reducePlaced(f, event)
	case PhasePolling:
		return reducePolling(f, event)
	case PhaseBothUnfilled:
		return reduceBothUnfilled(f, event)
	case PhaseAsymmetric:
		return reduceAsymmetric(f, event)
	default:
		return f, nil
	}
}

func reducePlaced(f Flow, event Event) (Flow, []Effect) {
	switch evt := event.(type) {
	case LegsPlaced:
		next := f
		switch {
		case evt.LongOK && evt.ShortOK:
			if f.Style == StyleMarket {
				next.Phase = PhaseBothFilled
				next.LongFilled, next.ShortFilled = true, true
				return next, nil
			}
			next.Phase = PhasePolling
			return next, []Effect{AwaitFills{Round: f.Round}}

		case evt.LongOK || evt.ShortOK:
			if f.Style == StyleMarket {
				next.LongFilled, next.ShortFilled = evt.LongOK, evt.ShortOK
				return enterAsymmetric(next)
			}
			next.Phase = PhaseAbandoned
			next.Reason = "仅一侧挂单成功，已撤销"
			return next, []Effect{CancelLegs{Round: f.Round, Long: evt.LongOK, Short: evt.ShortOK}}

		default:
			next.Phase = PhaseAbandoned
			next.Reason = "双边下单均失败"
			return next, nil
		}

	case RoundAborted:
		next := f
		next.Phase = PhaseAbandoned
		next.Reason = evt.Reason
		return next, nil
	}
	return f, nil
}

func reducePolling(f Flow, event Event) (Flow, []Effect) {
	evt, ok := event.(FillsChecked)
	if !ok {
		return f, nil
	}

	next := f
	next.LongFilled, next.ShortFilled = evt.LongFilled, evt.ShortFilled
	switch {
	case evt.LongFilled && evt.ShortFilled:
		next.Phase = PhaseBothFilled
		return next, nil
	case !evt.LongFilled && !evt.ShortFilled:
		next.Phase = PhaseBothUnfilled
		return next, []Effect{CancelLegs{Round: f.Round, Long: true, Short: true}}
	default:
		return enterAsymmetric(next)
	}
}

func reduceBothUnfilled(f Flow, event Event) (Flow, []Effect) {
	if _, ok := event.(LegsCancelled); !ok {
		return f, nil
	}

	next := f
	switch {
	case f.Round.Remediation:
		next.Phase = PhaseAbandoned
		next.Reason = "补救轮双边未成交"
		return next, nil
	case f.Round.Attempt < f.MaxRetries:
		next.Phase = PhasePlaced
		next.Round = Round{Attempt: f.Round.Attempt + 1}
		next.LongFilled, next.ShortFilled = false, false
		return next, []Effect{PlaceRound{Round: next.Round}}
	default:
		next.Phase = PhaseRetryExhausted
		next.Reason = "限价单重试后仍未成交"
		return next, nil
	}
}

func reduceAsymmetric(f Flow, event Event) (Flow, []Effect) {
	evt, ok := event.(LegClosed)
	if !ok {
		return f, nil
	}

	next := f
	if !evt.OK {
		next.Phase = PhaseAbandoned
		next.Unhedged = true
		next.Reason = "单边成交后平仓失败，一侧可能未对冲"
		return next, nil
	}

	if f.canRemediate() {
		next.Phase = PhaseRemediated
		next.RemediationUsed = true
		next.Round = Round{Remediation: true}
		next.LongFilled, next.ShortFilled = false, false
		return next, []Effect{PlaceRound{Round: next.Round}}
	}

	next.Phase = PhaseAbandoned
	next.Reason = "单边成交，已平仓并放弃本次交易"
	return next, nil
}

// enterAsymmetric 限价单先撤未成交的一侧，再平成交腿；市价单只需平仓。
func enterAsymmetric(f Flow) (Flow, []Effect) {
	f.Phase = PhaseAsymmetric
	filled := LegLong
	if f.ShortFilled {
		filled = LegShort
	}

	effects := make([]Effect, 0, 2)
	if f.Style == StyleLimit {
		effects = append(effects, CancelLegs{Round: f.Round, Long: !f.LongFilled, Short: !f.ShortFilled})
	}
	effects = append(effects, CloseLeg{Round: f.Round, Leg: filled})
	return f, effects
}

// canRemediate 只有首轮出现单边成交时才进行一次补救轮。
func (f Flow) canRemediate() bool {
	return !f.RemediationUsed && !f.Round.Remediation && f.Round.Attempt == 0
}
