package exchange

import (
	"errors"
	"fmt"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrMarketNotFound 表示参考数据中不存在该市场。
	ErrMarketNotFound = errors.New("market not found")
	// ErrBookUnavailable 表示盘口缺少买一或卖一，暂时无法交易。
	ErrBookUnavailable = errors.New("order book unavailable")
	// ErrUnsupportedCommand 表示执行端无法处理该指令。
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// StatusError 为非 2xx 的 HTTP 响应。
type StatusError struct {
	Operation string
	Code      int
	Body      string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.Code, e.Body)
}

// IsRetryable 判断只读请求的错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == 429 || statusErr.Code >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
