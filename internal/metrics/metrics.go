// Package metrics 以 Prometheus 格式暴露交易对运行指标：
//   - delta_attempts_total{style,result}  交易对尝试，result 为 filled|exhausted|asymmetric|failed|skipped
//   - delta_orders_total{style}            发出的订单数（含单边平仓单）
//   - delta_positions_open                 等待定时平仓的仓位
//   - delta_closes_total{leg,result}       定时平仓的腿，result 为 ok|failed
//   - delta_remediations_total             单边成交后的补救轮
//   - delta_unhedged_total                 可能留下单边敞口的事件
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"delta-volume/internal/execution"
	"delta-volume/internal/position"
)

// Recorder 持有独立的注册表，便于测试与多实例共存。
type Recorder struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	orders       *prometheus.CounterVec
	open         prometheus.Gauge
	closes       *prometheus.CounterVec
	remediations prometheus.Counter
	unhedged     prometheus.Counter
}

var _ position.Observer = (*Recorder)(nil)

// NewRecorder 创建并注册全部指标。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delta_attempts_total",
				Help: "Trade-pair attempts by order style and result.",
			},
			[]string{"style", "result"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delta_orders_total",
				Help: "Orders submitted while opening trade pairs.",
			},
			[]string{"style"},
		),
		open: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "delta_positions_open",
				Help: "Hedged positions waiting for their scheduled close.",
			},
		),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delta_closes_total",
				Help: "Scheduled close legs by leg and result.",
			},
			[]string{"leg", "result"},
		),
		remediations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "delta_remediations_total",
				Help: "Remediation rounds after an asymmetric fill.",
			},
		),
		unhedged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "delta_unhedged_total",
				Help: "Events that may have left one leg without its hedge.",
			},
		),
	}
	r.registry.MustRegister(r.attempts, r.orders, r.open, r.closes, r.remediations, r.unhedged)
	return r
}

// Handler 返回 /metrics 处理器。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry 返回底层注册表。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveAttempt 统计一次交易对尝试。
func (r *Recorder) ObserveAttempt(out execution.Outcome) {
	style := string(out.Style)
	r.attempts.WithLabelValues(style, attemptResult(out)).Inc()
	if out.OrdersSent > 0 {
		r.orders.WithLabelValues(style).Add(float64(out.OrdersSent))
	}
	if out.Remediated {
		r.remediations.Inc()
	}
	if out.Unhedged {
		r.unhedged.Inc()
	}
	if out.Success {
		r.open.Inc()
	}
}

// PositionClosed 统计定时平仓结果。
func (r *Recorder) PositionClosed(_ context.Context, report position.CloseReport) {
	r.open.Dec()
	r.closes.WithLabelValues("long", legResult(report.Long)).Inc()
	r.closes.WithLabelValues("short", legResult(report.Short)).Inc()
	if report.Long.OK != report.Short.OK {
		r.unhedged.Inc()
	}
}

func attemptResult(out execution.Outcome) string {
	switch {
	case out.Success:
		return "filled"
	case !out.Placed():
		return "skipped"
	case errors.Is(out.Err, execution.ErrRetriesExhausted):
		return "exhausted"
	case errors.Is(out.Err, execution.ErrAsymmetricFill):
		return "asymmetric"
	default:
		return "failed"
	}
}

func legResult(leg position.LegResult) string {
	if leg.OK {
		return "ok"
	}
	return "failed"
}
