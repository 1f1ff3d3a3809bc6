package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"delta-volume/internal/config"
)

const sidecarCommandPath = "/v1/command"

// SidecarExecutor 将指令发送给账户专属的签名进程。
// 每次调用独立、无会话；下单不可重放，因此不做自动重试。
type SidecarExecutor struct {
	http    *resty.Client
	account sidecarAccount
	logger  *zap.Logger
}

type sidecarAccount struct {
	BaseURL      string `json:"base_url"`
	PrivateKey   string `json:"private_key"`
	AccountIndex int64  `json:"account_index"`
	APIKeyIndex  int    `json:"api_key_index"`
}

type sidecarRequest struct {
	Account sidecarAccount `json:"account"`
	Command CommandKind    `json:"command"`
	Params  any            `json:"params"`
}

type sidecarResponse struct {
	Success         bool       `json:"success"`
	Error           string     `json:"error"`
	TxHash          string     `json:"tx_hash"`
	OrderID         flexString `json:"order_id"`
	Filled          bool       `json:"filled"`
	RemainingAmount flexString `json:"remaining_amount"`
}

type leverageParams struct {
	MarketIndex int `json:"market_index"`
	Leverage    int `json:"leverage"`
	MarginMode  int `json:"margin_mode"`
}

type limitParams struct {
	MarketIndex      int   `json:"market_index"`
	ClientOrderIndex int64 `json:"client_order_index"`
	BaseAmount       int64 `json:"base_amount"`
	LimitPrice       int64 `json:"limit_price"`
	IsAsk            bool  `json:"is_ask"`
	ReduceOnly       bool  `json:"reduce_only"`
	PostOnly         bool  `json:"post_only"`
}

type marketParams struct {
	MarketIndex      int   `json:"market_index"`
	ClientOrderIndex int64 `json:"client_order_index"`
	BaseAmount       int64 `json:"base_amount"`
	ExecutionPrice   int64 `json:"execution_price"`
	IsAsk            bool  `json:"is_ask"`
	ReduceOnly       bool  `json:"reduce_only"`
}

type orderRefParams struct {
	MarketIndex int    `json:"market_index"`
	OrderID     string `json:"order_id"`
}

// NewSidecarExecutor 为一个账户创建执行端。
func NewSidecarExecutor(exCfg config.ExchangeConfig, acct config.AccountConfig, logger *zap.Logger) *SidecarExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(acct.SignerURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if exCfg.RequestTimeout > 0 {
		client.SetTimeout(exCfg.RequestTimeout)
	}

	return &SidecarExecutor{
		http: client,
		account: sidecarAccount{
			BaseURL:      exCfg.BaseURL,
			PrivateKey:   acct.PrivateKey,
			AccountIndex: acct.Index,
			APIKeyIndex:  acct.APIKeyIndex,
		},
		logger: logger,
	}
}

// Execute 发送一条指令并按指令类型解析回执。
func (s *SidecarExecutor) Execute(ctx context.Context, cmd Command) (Reply, error) {
	params, err := sidecarParams(cmd)
	if err != nil {
		return nil, err
	}

	var out sidecarResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(sidecarRequest{Account: s.account, Command: cmd.Kind(), Params: params}).
		SetResult(&out).
		Post(sidecarCommandPath)
	if err != nil {
		return nil, fmt.Errorf("exchange: 签名进程 %s 请求失败: %w", cmd.Kind(), err)
	}
	if resp.IsError() {
		return nil, &StatusError{Operation: string(cmd.Kind()), Code: resp.StatusCode(), Body: resp.String()}
	}

	s.logger.Debug("签名进程指令完成",
		zap.String("command", string(cmd.Kind())),
		zap.Int64("account_index", s.account.AccountIndex),
		zap.Bool("success", out.Success),
	)

	outcome := Outcome{Success: out.Success, Error: out.Error}
	switch cmd.(type) {
	case LimitOrder, MarketOrder:
		return PlaceReply{Outcome: outcome, TxHash: out.TxHash, OrderID: string(out.OrderID)}, nil
	case OrderStatus:
		return StatusReply{Outcome: outcome, Filled: out.Filled, RemainingAmount: string(out.RemainingAmount)}, nil
	default:
		return AckReply{Outcome: outcome}, nil
	}
}

func sidecarParams(cmd Command) (any, error) {
	switch c := cmd.(type) {
	case UpdateLeverage:
		return leverageParams{MarketIndex: int(c.Market), Leverage: c.Leverage, MarginMode: int(c.MarginMode)}, nil
	case LimitOrder:
		return limitParams{
			MarketIndex:      int(c.Market),
			ClientOrderIndex: c.ClientOrderIndex,
			BaseAmount:       c.BaseAmount,
			LimitPrice:       c.Price,
			IsAsk:            c.Side.IsAsk(),
			ReduceOnly:       c.ReduceOnly,
			PostOnly:         true,
		}, nil
	case MarketOrder:
		return marketParams{
			MarketIndex:      int(c.Market),
			ClientOrderIndex: c.ClientOrderIndex,
			BaseAmount:       c.BaseAmount,
			ExecutionPrice:   c.PriceBound,
			IsAsk:            c.Side.IsAsk(),
			ReduceOnly:       c.ReduceOnly,
		}, nil
	case CancelOrder:
		return orderRefParams{MarketIndex: int(c.Market), OrderID: c.OrderID}, nil
	case OrderStatus:
		return orderRefParams{MarketIndex: int(c.Market), OrderID: c.OrderID}, nil
	default:
		return nil, fmt.Errorf("exchange: %w: %T", ErrUnsupportedCommand, cmd)
	}
}

// flexString 兼容签名进程以数字或字符串返回的编号。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
