package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"delta-volume/internal/config"
	"delta-volume/internal/exchange"
	"delta-volume/internal/leverage"
	"delta-volume/internal/position"
	"delta-volume/internal/risk"
)

// MarketData 为引擎使用的行情查询。
type MarketData interface {
	Resolve(ctx context.Context, market exchange.MarketID) (exchange.MarketInfo, error)
	Quote(ctx context.Context, market exchange.MarketID) (exchange.Quote, error)
}

type randSource interface {
	IntN(n int) int
	Int64N(n int64) int64
	Float64() float64
}

type globalRand struct{}

func (globalRand) IntN(n int) int       { return rand.IntN(n) }
func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }
func (globalRand) Float64() float64     { return rand.Float64() }

// Dependencies 为引擎依赖的组件。
type Dependencies struct {
	Data     MarketData
	Leverage *leverage.Manager
	Guard    *risk.SpreadGuard
	Long     *exchange.Account
	Short    *exchange.Account
	Book     *position.Book
}

// Engine 执行单次交易对尝试：选市场、定杠杆、检查价差、计算数量、
// 驱动限价/市价开仓流程，成功后登记定时平仓。
type Engine struct {
	markets  []exchange.MarketID
	trading  config.TradingConfig
	schedule config.ScheduleConfig
	limit    config.LimitOrderConfig

	data     MarketData
	leverage *leverage.Manager
	guard    *risk.SpreadGuard
	long     *exchange.Account
	short    *exchange.Account
	book     *position.Book
	logger   *zap.Logger

	rng   randSource
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewEngine 创建交易对引擎。
func NewEngine(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("execution: 配置不能为空")
	}
	if len(cfg.Trading.Markets) == 0 {
		return nil, errors.New("execution: 市场白名单不能为空")
	}
	if deps.Data == nil || deps.Leverage == nil || deps.Guard == nil || deps.Long == nil || deps.Short == nil || deps.Book == nil {
		return nil, errors.New("execution: 依赖组件不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	markets := make([]exchange.MarketID, 0, len(cfg.Trading.Markets))
	for _, id := range cfg.Trading.Markets {
		markets = append(markets, exchange.MarketID(id))
	}

	return &Engine{
		markets:  markets,
		trading:  cfg.Trading,
		schedule: cfg.Schedule,
		limit:    cfg.LimitOrder,
		data:     deps.Data,
		leverage: deps.Leverage,
		guard:    deps.Guard,
		long:     deps.Long,
		short:    deps.Short,
		book:     deps.Book,
		logger:   logger,
		rng:      globalRand{},
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}, nil
}

// run 为单次尝试内共享的上下文。
type run struct {
	out        *Outcome
	market     exchange.MarketID
	scale      exchange.Scale
	baseAmount int64
	baseMillis int64
	quote      exchange.Quote
	orders     [2]string
	closes     int
	aborted    bool
	logger     *zap.Logger
}

// Execute 执行一次交易对尝试。下单一旦发出，流程会执行到结束，不响应取消。
func (e *Engine) Execute(ctx context.Context, trade int) Outcome {
	market := e.markets[e.rng.IntN(len(e.markets))]
	style := StyleMarket
	if e.rng.Float64() < e.limit.Probability {
		style = StyleLimit
	}

	out := Outcome{
		AttemptID: e.newID(),
		Trade:     trade,
		Market:    market,
		Style:     style,
		StartedAt: e.now(),
	}
	logger := e.logger.With(
		zap.String("attempt_id", out.AttemptID),
		zap.Int("trade", trade),
		zap.Int("market", int(market)),
	)

	e.execute(ctx, &out, logger)
	out.FinishedAt = e.now()
	return out
}

func (e *Engine) execute(ctx context.Context, out *Outcome, logger *zap.Logger) {
	market := out.Market

	info, err := e.data.Resolve(ctx, market)
	detail, quote := info.MarketDetail, info.Quote
	if err != nil {
		out.Degraded = true
		detail = exchange.MarketDetail{ID: market, Symbol: fmt.Sprintf("Market %d", market)}
		quote = exchange.Quote{}
		logger.Warn("获取市场参数失败，使用静态杠杆继续", zap.Error(err))
	}
	out.Symbol = detail.Symbol
	logger = logger.With(zap.String("symbol", detail.Symbol))

	target := e.leverage.FixedPair()
	if e.leverage.Dynamic() && !out.Degraded {
		target = e.leverage.Pair(detail.MaxLeverage)
	}
	out.Leverage = target
	logger.Info("已选择市场",
		zap.String("style", string(out.Style)),
		zap.Int("long_leverage", target.Long),
		zap.Int("short_leverage", target.Short),
		zap.Int("max_leverage", detail.MaxLeverage),
	)

	if err := e.leverage.Ensure(ctx, market, target); err != nil {
		logger.Warn("杠杆设置未全部成功，继续交易", zap.Error(err))
	}

	// 动态杠杆下发后重新取价
	if out.Degraded || e.leverage.Dynamic() {
		quote, err = e.data.Quote(ctx, market)
		if err != nil {
			e.abort(out, logger, fmt.Errorf("execution: 市场 %d: %w: %v", market, ErrPriceUnavailable, err))
			return
		}
	}
	out.Quote = quote

	if err := e.guard.Check(market, quote); err != nil {
		e.abort(out, logger, err)
		return
	}

	scale := exchange.Scale{SizeDecimals: detail.SizeDecimals, PriceDecimals: detail.PriceDecimals}
	if out.Degraded || !detail.PrecisionKnown {
		scale = exchange.Scale{SizeDecimals: FallbackSizeDecimals(quote.Mid()), PriceDecimals: fallbackPriceDecimals}
		logger.Warn("市场精度未知，按价格推断",
			zap.Int("size_decimals", scale.SizeDecimals),
			zap.Int("price_decimals", scale.PriceDecimals),
		)
	}

	out.BaseAmount = e.size(target, quote, scale, logger)
	logger.Info("执行交易对",
		zap.Int64("base_amount", out.BaseAmount),
		zap.Float64("bid", quote.Bid),
		zap.Float64("ask", quote.Ask),
		zap.Float64("spread_pct", quote.SpreadRatio()*100),
	)

	r := &run{
		out:        out,
		market:     market,
		scale:      scale,
		baseAmount: out.BaseAmount,
		baseMillis: e.now().UnixMilli(),
		quote:      quote,
		logger:     logger,
	}

	flow := NewFlow(out.Style, e.limit.MaxRetries)
	queue := []Effect{PlaceRound{Round: flow.Round}}
	for len(queue) > 0 {
		effect := queue[0]
		queue = queue[1:]

		event := e.apply(ctx, r, effect)
		if event == nil {
			continue
		}

		prev := flow.Phase
		var effects []Effect
		flow, effects = Reduce(flow, event)
		if flow.Phase != prev {
			logger.Debug("开仓流程状态变化",
				zap.Stringer("from", prev),
				zap.Stringer("to", flow.Phase),
				zap.Int("round", flow.Round.Attempt),
				zap.Bool("remediation", flow.Round.Remediation),
			)
		}
		queue = append(queue, effects...)
	}

	e.finish(out, r, flow)
}

func (e *Engine) size(target leverage.Target, quote exchange.Quote, scale exchange.Scale, logger *zap.Logger) int64 {
	if e.trading.BaseAmountUSDT <= 0 {
		return e.trading.BaseAmount
	}

	mid := quote.Mid()
	base := BaseUnits(e.trading.BaseAmountUSDT, target.Average(), mid, scale.SizeDecimals)
	notional := Notional(base, scale.SizeDecimals, mid)
	logger.Info("按目标保证金计算下单数量",
		zap.Float64("margin_usdt", e.trading.BaseAmountUSDT),
		zap.Float64("avg_leverage", target.Average()),
		zap.Float64("mid", mid),
		zap.Int("size_decimals", scale.SizeDecimals),
		zap.Int64("base_amount", base),
		zap.Float64("notional", notional),
		zap.Float64("long_margin", notional/float64(max(1, target.Long))),
		zap.Float64("short_margin", notional/float64(max(1, target.Short))),
	)
	return base
}

func (e *Engine) abort(out *Outcome, logger *zap.Logger, err error) {
	out.Phase = PhaseAbandoned
	out.Err = err
	out.Reason = err.Error()
	logger.Warn("放弃本次交易", zap.Error(err))
}

func (e *Engine) finish(out *Outcome, r *run, flow Flow) {
	out.Phase = flow.Phase
	out.Remediated = flow.RemediationUsed
	out.Unhedged = flow.Unhedged
	out.Reason = flow.Reason

	switch flow.Phase {
	case PhaseBothFilled:
		now := e.now()
		rec := position.Record{
			ID:         out.AttemptID,
			Trade:      out.Trade,
			Market:     out.Market,
			Symbol:     out.Symbol,
			BaseAmount: out.BaseAmount,
			Scale:      r.scale,
			OpenedAt:   now,
			CloseAt:    now.Add(e.closeDelay()),
		}
		e.book.Add(rec)
		out.Position = &rec
		out.Success = true
		r.logger.Info("交易对开仓成功",
			zap.Bool("remediated", out.Remediated),
			zap.Duration("close_in", rec.CloseAt.Sub(now)),
		)
		return

	case PhaseRetryExhausted:
		out.Err = fmt.Errorf("execution: %w (%d 次重试)", ErrRetriesExhausted, e.limit.MaxRetries)

	default:
		switch {
		case r.aborted:
			out.Err = fmt.Errorf("execution: %w: %s", ErrPriceUnavailable, flow.Reason)
		case r.closes > 0:
			out.Err = fmt.Errorf("execution: %w: %s", ErrAsymmetricFill, flow.Reason)
		default:
			out.Err = fmt.Errorf("execution: %w: %s", ErrPlacementFailed, flow.Reason)
		}
	}

	if out.Unhedged {
		r.logger.Warn("交易对失败，一侧可能未对冲，请人工检查",
			zap.Bool("unhedged", true),
			zap.Stringer("phase", flow.Phase),
			zap.Error(out.Err),
		)
		return
	}
	r.logger.Warn("交易对未完成", zap.Stringer("phase", flow.Phase), zap.Error(out.Err))
}

// closeDelay 在 [min_close_delay, max_close_delay] 内均匀取值。
func (e *Engine) closeDelay() time.Duration {
	low, high := e.schedule.MinCloseDelay, e.schedule.MaxCloseDelay
	if high <= low {
		return low
	}
	return low + time.Duration(e.rng.Int64N(int64(high-low)+1))
}

func (e *Engine) spreadPosition(round Round) float64 {
	base := e.limit.SpreadPosition
	if base <= 0 {
		base = DefaultSpreadPosition
	}
	switch {
	case round.Remediation:
		return RetryPosition(base, e.limit.RetryAdjustment, 1)
	case round.Attempt > 0:
		return RetryPosition(base, e.limit.RetryAdjustment, round.Attempt)
	default:
		return base
	}
}

func (e *Engine) account(leg Leg) *exchange.Account {
	if leg == LegShort {
		return e.short
	}
	return e.long
}

func (e *Engine) apply(ctx context.Context, r *run, effect Effect) Event {
	switch eff := effect.(type) {
	case PlaceRound:
		return e.placeRound(ctx, r, eff.Round)
	case AwaitFills:
		return e.awaitFills(ctx, r, eff.Round)
	case CancelLegs:
		return e.cancelLegs(ctx, r, eff)
	case CloseLeg:
		return e.closeLeg(ctx, r, eff)
	default:
		return nil
	}
}

func (e *Engine) placeRound(ctx context.Context, r *run, round Round) Event {
	if round.Attempt > 0 || round.Remediation {
		quote, err := e.data.Quote(ctx, r.market)
		if err != nil {
			r.aborted = true
			r.logger.Warn("重试前获取盘口失败", zap.Error(err))
			return RoundAborted{Reason: "重试前获取盘口失败: " + err.Error()}
		}
		r.quote = quote
		r.logger.Info("重新下单",
			zap.Int("retry", round.Attempt),
			zap.Bool("remediation", round.Remediation),
			zap.Float64("bid", quote.Bid),
			zap.Float64("ask", quote.Ask),
		)
	}

	longOffset, shortOffset := openOffsets(round)
	var replies [2]exchange.PlaceReply
	var group errgroup.Group
	group.Go(func() error {
		replies[LegLong] = e.placeLeg(ctx, r, round, LegLong, longOffset)
		return nil
	})
	group.Go(func() error {
		replies[LegShort] = e.placeLeg(ctx, r, round, LegShort, shortOffset)
		return nil
	})
	_ = group.Wait()
	r.out.OrdersSent += 2

	return LegsPlaced{LongOK: replies[LegLong].Success, ShortOK: replies[LegShort].Success}
}

func (e *Engine) placeLeg(ctx context.Context, r *run, round Round, leg Leg, offset int64) exchange.PlaceReply {
	account := e.account(leg)
	side := leg.OpenSide()
	clientIndex := exchange.CorrelationID(r.baseMillis, offset)

	var reply exchange.PlaceReply
	if r.out.Style == StyleLimit {
		longPrice, shortPrice := LimitPrices(r.quote, e.spreadPosition(round))
		price := longPrice
		if leg == LegShort {
			price = shortPrice
		}
		reply = account.PlaceLimit(ctx, exchange.LimitOrder{
			Market:           r.market,
			ClientOrderIndex: clientIndex,
			BaseAmount:       r.baseAmount,
			Price:            ScalePrice(price, r.scale.PriceDecimals),
			Side:             side,
			Scale:            r.scale,
		})
		r.logger.Debug("限价单价格", zap.String("leg", leg.String()), zap.Float64("price", price))
	} else {
		reply = account.PlaceMarket(ctx, exchange.MarketOrder{
			Market:           r.market,
			ClientOrderIndex: clientIndex,
			BaseAmount:       r.baseAmount,
			PriceBound:       exchange.PriceBound(side),
			Side:             side,
			Scale:            r.scale,
		})
	}

	if !reply.Success {
		r.logger.Error("下单失败", zap.String("leg", leg.String()), zap.String("error", reply.Error))
		return reply
	}

	orderID := reply.OrderID
	if orderID == "" {
		orderID = strconv.FormatInt(clientIndex, 10)
	}
	r.orders[leg] = orderID
	r.logger.Info("下单成功",
		zap.String("leg", leg.String()),
		zap.String("order_id", orderID),
		zap.String("tx", shortHash(reply.TxHash)),
	)
	return reply
}

func (e *Engine) awaitFills(ctx context.Context, r *run, round Round) Event {
	wait := e.limit.WaitTime
	if round.Remediation {
		wait /= 2
	}
	r.logger.Info("等待限价单成交", zap.Duration("wait", wait))
	if err := e.sleep(ctx, wait); err != nil {
		r.logger.Warn("等待成交被中断，立即查询状态", zap.Error(err))
	}

	var statuses [2]exchange.StatusReply
	var group errgroup.Group
	for _, leg := range []Leg{LegLong, LegShort} {
		group.Go(func() error {
			statuses[leg] = e.account(leg).Status(ctx, exchange.OrderStatus{Market: r.market, OrderID: r.orders[leg]})
			return nil
		})
	}
	_ = group.Wait()

	filled := func(leg Leg) bool {
		status := statuses[leg]
		if !status.Success {
			r.logger.Warn("查询成交状态失败，视为未成交", zap.String("leg", leg.String()), zap.String("error", status.Error))
			return false
		}
		return status.Filled
	}

	event := FillsChecked{LongFilled: filled(LegLong), ShortFilled: filled(LegShort)}
	r.logger.Info("成交状态",
		zap.Bool("long_filled", event.LongFilled),
		zap.Bool("short_filled", event.ShortFilled),
	)
	return event
}

func (e *Engine) cancelLegs(ctx context.Context, r *run, eff CancelLegs) Event {
	var group errgroup.Group
	for _, leg := range []Leg{LegLong, LegShort} {
		if (leg == LegLong && !eff.Long) || (leg == LegShort && !eff.Short) {
			continue
		}
		group.Go(func() error {
			out := e.account(leg).Cancel(ctx, exchange.CancelOrder{Market: r.market, OrderID: r.orders[leg]})
			if !out.Success {
				r.logger.Warn("撤单失败，挂单可能仍有效",
					zap.String("leg", leg.String()),
					zap.String("order_id", r.orders[leg]),
					zap.String("error", out.Error),
				)
			}
			return nil
		})
	}
	_ = group.Wait()
	return LegsCancelled{}
}

func (e *Engine) closeLeg(ctx context.Context, r *run, eff CloseLeg) Event {
	side := eff.Leg.CloseSide()
	r.logger.Warn("单边成交，立即平掉成交腿", zap.String("leg", eff.Leg.String()))

	reply := e.account(eff.Leg).PlaceMarket(ctx, exchange.MarketOrder{
		Market:           r.market,
		ClientOrderIndex: exchange.CorrelationID(r.baseMillis, closeOffset(eff.Round, eff.Leg)),
		BaseAmount:       r.baseAmount,
		PriceBound:       exchange.PriceBound(side),
		Side:             side,
		ReduceOnly:       true,
		Scale:            r.scale,
	})
	r.out.OrdersSent++
	r.closes++

	if !reply.Success {
		r.logger.Error("平掉成交腿失败", zap.String("leg", eff.Leg.String()), zap.Bool("unhedged", true), zap.String("error", reply.Error))
		return LegClosed{Leg: eff.Leg, OK: false}
	}
	r.logger.Info("成交腿已平仓", zap.String("leg", eff.Leg.String()), zap.String("tx", shortHash(reply.TxHash)))
	return LegClosed{Leg: eff.Leg, OK: true}
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
