package monitor

import (
	"time"

	"delta-volume/internal/execution"
	"delta-volume/internal/position"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSession EventType = "session"
	EventAttempt EventType = "attempt"
	EventClose   EventType = "close"
	EventError   EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SessionPayload 记录运行开始与结束。
type SessionPayload struct {
	Stage     string      `json:"stage"`
	Network   string      `json:"network,omitempty"`
	Markets   []int       `json:"markets,omitempty"`
	Stats     []MarketRow `json:"stats,omitempty"`
	Attempted int         `json:"attempted"`
}

// MarketRow 为单个市场的累计结果。
type MarketRow struct {
	Market    int    `json:"market"`
	Symbol    string `json:"symbol"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
}

// AttemptPayload 记录一次交易对尝试。
type AttemptPayload struct {
	Outcome execution.Outcome `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}

// ClosePayload 记录一次定时平仓。
type ClosePayload struct {
	Report   position.CloseReport `json:"report"`
	Unhedged bool                 `json:"unhedged"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
