package position

import (
	"slices"
	"sync"
	"time"

	"delta-volume/internal/exchange"
)

// Record 为一对已成交的多空仓位，只在两条腿都成功后创建。
type Record struct {
	ID         string            `json:"id"`
	Trade      int               `json:"trade"`
	Market     exchange.MarketID `json:"market"`
	Symbol     string            `json:"symbol"`
	BaseAmount int64             `json:"base_amount"`
	Scale      exchange.Scale    `json:"scale"`
	OpenedAt   time.Time         `json:"opened_at"`
	CloseAt    time.Time         `json:"close_at"`
}

// Book 为开仓引擎与平仓任务共享的未平仓集合。
// 只有引擎追加，只有平仓任务移除。
type Book struct {
	mu      sync.Mutex
	records []Record
}

// NewBook 创建空集合。
func NewBook() *Book {
	return &Book{}
}

// Add 追加一条记录。
func (b *Book) Add(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

// Due 返回到期（CloseAt <= now）的记录，按到期时间排序，不从集合中移除。
func (b *Book) Due(now time.Time) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []Record
	for _, rec := range b.records {
		if !rec.CloseAt.After(now) {
			due = append(due, rec)
		}
	}
	slices.SortStableFunc(due, func(a, b Record) int {
		return a.CloseAt.Compare(b.CloseAt)
	})
	return due
}

// Remove 按 ID 移除记录。
func (b *Book) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = slices.DeleteFunc(b.records, func(rec Record) bool {
		return slices.Contains(ids, rec.ID)
	})
}

// Len 返回未平仓数量。
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Snapshot 返回当前记录的副本。
func (b *Book) Snapshot() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.records)
}
