package app

import (
	"sort"
	"sync"

	"delta-volume/internal/exchange"
	"delta-volume/internal/execution"
	"delta-volume/internal/monitor"
)

// RunStats 汇总本次运行的交易对结果。
type RunStats struct {
	mu        sync.Mutex
	attempted int
	succeeded int
	markets   map[exchange.MarketID]*monitor.MarketRow
}

// NewRunStats 创建空的统计。
func NewRunStats() *RunStats {
	return &RunStats{markets: make(map[exchange.MarketID]*monitor.MarketRow)}
}

// Observe 记录一次尝试。分市场统计只计入实际发出订单的尝试。
func (s *RunStats) Observe(out execution.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempted++
	if out.Success {
		s.succeeded++
	}
	if !out.Placed() {
		return
	}

	row, ok := s.markets[out.Market]
	if !ok {
		row = &monitor.MarketRow{Market: int(out.Market), Symbol: out.Symbol}
		s.markets[out.Market] = row
	}
	row.Attempted++
	if out.Success {
		row.Succeeded++
	}
}

// Totals 返回总尝试次数与成功次数。
func (s *RunStats) Totals() (attempted, succeeded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempted, s.succeeded
}

// Rows 按市场编号返回分市场统计。
func (s *RunStats) Rows() []monitor.MarketRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]monitor.MarketRow, 0, len(s.markets))
	for _, row := range s.markets {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Market < rows[j].Market })
	return rows
}
