package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	// BackendLighter 通过 REST 读取行情，通过每账户独立签名进程下单。
	BackendLighter = "lighter"
	// BackendHyperliquid 通过 ccxt 访问 Hyperliquid。
	BackendHyperliquid = "hyperliquid"

	// MarginModeCross 全仓。
	MarginModeCross = "cross"
	// MarginModeIsolated 逐仓。
	MarginModeIsolated = "isolated"

	// OpenCloseSafetyBuffer 保证新交易对开仓时上一对已平仓。
	OpenCloseSafetyBuffer = 30 * time.Second
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App          AppConfig        `mapstructure:"app"`
	Exchange     ExchangeConfig   `mapstructure:"exchange"`
	LongAccount  AccountConfig    `mapstructure:"long_account"`
	ShortAccount AccountConfig    `mapstructure:"short_account"`
	Trading      TradingConfig    `mapstructure:"trading"`
	Schedule     ScheduleConfig   `mapstructure:"schedule"`
	LimitOrder   LimitOrderConfig `mapstructure:"limit_order"`
	Database     DatabaseConfig   `mapstructure:"database"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Monitor      MonitorConfig    `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Backend        string        `mapstructure:"backend"`
	BaseURL        string        `mapstructure:"base_url"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	Symbols        []string      `mapstructure:"symbols"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// Testnet 根据地址判断是否为测试网。
func (c ExchangeConfig) Testnet() bool {
	return c.UseSandbox || strings.Contains(strings.ToLower(c.BaseURL), "testnet")
}

// AccountConfig 描述单个交易账户。多头腿使用 long_account，空头腿使用 short_account。
type AccountConfig struct {
	Index       int64  `mapstructure:"index"`
	APIKeyIndex int    `mapstructure:"api_key_index"`
	PrivateKey  string `mapstructure:"private_key"`
	Wallet      string `mapstructure:"wallet_address"`
	SignerURL   string `mapstructure:"signer_url"`
}

// RetryConfig 统一控制只读请求的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 控制选市场、下单规模与杠杆。
type TradingConfig struct {
	Markets         []int   `mapstructure:"markets"`
	BaseAmount      int64   `mapstructure:"base_amount"`
	BaseAmountUSDT  float64 `mapstructure:"base_amount_usdt"`
	MaxSlippage     float64 `mapstructure:"max_slippage"`
	MaxSpread       float64 `mapstructure:"max_spread"`
	Leverage        int     `mapstructure:"leverage"`
	DynamicLeverage bool    `mapstructure:"dynamic_leverage"`
	LeverageBuffer  int     `mapstructure:"leverage_buffer"`
	MarginMode      string  `mapstructure:"margin_mode"`
	MaxTrades       int     `mapstructure:"max_trades"`
}

// ScheduleConfig 控制开平仓节奏。
type ScheduleConfig struct {
	MinOpenDelay       time.Duration `mapstructure:"min_open_delay"`
	MaxOpenDelay       time.Duration `mapstructure:"max_open_delay"`
	MinCloseDelay      time.Duration `mapstructure:"min_close_delay"`
	MaxCloseDelay      time.Duration `mapstructure:"max_close_delay"`
	CloseCheckInterval time.Duration `mapstructure:"close_check_interval"`
	CloseLegDelay      time.Duration `mapstructure:"close_leg_delay"`
}

// LimitOrderConfig 控制限价单流程。
type LimitOrderConfig struct {
	Probability     float64       `mapstructure:"probability"`
	WaitTime        time.Duration `mapstructure:"wait_time"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryAdjustment float64       `mapstructure:"retry_adjustment"`
	SpreadPosition  float64       `mapstructure:"spread_position"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 描述滚动运行日志文件，Path 为空时不写文件。
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 控制监控接口，Port 为 0 时不启动。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行校验，所有错误合并后一次性返回。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch c.Exchange.Backend {
	case BackendLighter:
		if c.Exchange.BaseURL == "" {
			err = multierr.Append(err, errors.New("exchange.base_url 不能为空"))
		}
		for _, acct := range c.accounts() {
			name := acct.name
			if acct.SignerURL == "" {
				err = multierr.Append(err, fmt.Errorf("%s.signer_url 不能为空", name))
			}
			if acct.PrivateKey == "" {
				err = multierr.Append(err, fmt.Errorf("%s.private_key 不能为空", name))
			}
			if acct.APIKeyIndex < 0 {
				err = multierr.Append(err, fmt.Errorf("%s.api_key_index 不能为负", name))
			}
		}
		if c.LongAccount.Index == c.ShortAccount.Index {
			err = multierr.Append(err, errors.New("long_account.index 与 short_account.index 不能相同"))
		}
	case BackendHyperliquid:
		for _, acct := range c.accounts() {
			name := acct.name
			if acct.Wallet == "" || acct.PrivateKey == "" {
				err = multierr.Append(err, fmt.Errorf("hyperliquid 交易需要配置 %s.wallet_address 与 %s.private_key", name, name))
			}
		}
		if c.LongAccount.Wallet != "" && strings.EqualFold(c.LongAccount.Wallet, c.ShortAccount.Wallet) {
			err = multierr.Append(err, errors.New("long_account 与 short_account 不能使用同一钱包"))
		}
		if len(c.Exchange.Symbols) == 0 {
			err = multierr.Append(err, errors.New("exchange.symbols 至少包含一个交易对"))
		}
		for _, id := range c.Trading.Markets {
			if id >= len(c.Exchange.Symbols) {
				err = multierr.Append(err, fmt.Errorf("trading.markets 中的市场 %d 未在 exchange.symbols 中定义", id))
			}
		}
	default:
		err = multierr.Append(err, fmt.Errorf("exchange.backend 不支持: %q", c.Exchange.Backend))
	}

	if c.Exchange.RequestTimeout < 0 {
		err = multierr.Append(err, errors.New("exchange.request_timeout 不能为负"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}

	if len(c.Trading.Markets) == 0 {
		err = multierr.Append(err, errors.New("trading.markets 不能为空"))
	}
	for _, id := range c.Trading.Markets {
		if id < 0 {
			err = multierr.Append(err, fmt.Errorf("trading.markets 包含非法市场 %d", id))
		}
	}
	if c.Trading.BaseAmount <= 0 && c.Trading.BaseAmountUSDT <= 0 {
		err = multierr.Append(err, errors.New("trading.base_amount 或 trading.base_amount_usdt 必须有一个大于0"))
	}
	if c.Trading.BaseAmount < 0 || c.Trading.BaseAmountUSDT < 0 {
		err = multierr.Append(err, errors.New("trading.base_amount 与 base_amount_usdt 不能为负"))
	}
	if c.Trading.MaxSlippage < 0 || c.Trading.MaxSlippage > 1 {
		err = multierr.Append(err, errors.New("trading.max_slippage 必须位于[0,1]"))
	}
	if c.Trading.MaxSpread <= 0 || c.Trading.MaxSpread >= 1 {
		err = multierr.Append(err, errors.New("trading.max_spread 必须位于(0,1)"))
	}
	if c.Trading.Leverage < 1 {
		err = multierr.Append(err, errors.New("trading.leverage 必须不小于1"))
	}
	if c.Trading.LeverageBuffer < 0 {
		err = multierr.Append(err, errors.New("trading.leverage_buffer 不能为负"))
	}
	if c.Trading.MarginMode != MarginModeCross && c.Trading.MarginMode != MarginModeIsolated {
		err = multierr.Append(err, fmt.Errorf("trading.margin_mode 必须为 cross 或 isolated，当前为 %q", c.Trading.MarginMode))
	}
	if c.Trading.MaxTrades < 0 {
		err = multierr.Append(err, errors.New("trading.max_trades 不能为负（0 表示不限）"))
	}

	s := c.Schedule
	if s.MinOpenDelay < 0 || s.MaxOpenDelay < 0 || s.MinCloseDelay < 0 || s.MaxCloseDelay < 0 {
		err = multierr.Append(err, errors.New("schedule 中的延迟不能为负"))
	}
	if s.MinOpenDelay > s.MaxOpenDelay {
		err = multierr.Append(err, errors.New("schedule.min_open_delay 不能大于 max_open_delay"))
	}
	if s.MinCloseDelay > s.MaxCloseDelay {
		err = multierr.Append(err, errors.New("schedule.min_close_delay 不能大于 max_close_delay"))
	}
	if s.MinOpenDelay < s.MaxCloseDelay+OpenCloseSafetyBuffer {
		err = multierr.Append(err, fmt.Errorf(
			"schedule.min_open_delay (%s) 必须不小于 max_close_delay + %s (%s)，否则新旧仓位可能重叠",
			s.MinOpenDelay, OpenCloseSafetyBuffer, s.MaxCloseDelay+OpenCloseSafetyBuffer,
		))
	}
	if s.CloseCheckInterval <= 0 {
		err = multierr.Append(err, errors.New("schedule.close_check_interval 必须大于0"))
	}
	if s.CloseLegDelay < 0 {
		err = multierr.Append(err, errors.New("schedule.close_leg_delay 不能为负"))
	}

	l := c.LimitOrder
	if l.Probability < 0 || l.Probability > 1 {
		err = multierr.Append(err, errors.New("limit_order.probability 必须位于[0,1]"))
	}
	if l.WaitTime <= 0 {
		err = multierr.Append(err, errors.New("limit_order.wait_time 必须大于0"))
	}
	if l.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("limit_order.max_retries 不能为负"))
	}
	if l.RetryAdjustment < 0 {
		err = multierr.Append(err, errors.New("limit_order.retry_adjustment 不能为负"))
	}
	if l.SpreadPosition <= 0 || l.SpreadPosition >= 0.5 {
		err = multierr.Append(err, errors.New("limit_order.spread_position 必须位于(0,0.5)"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Logging.File.Path != "" && c.Logging.File.MaxSizeMB <= 0 {
		err = multierr.Append(err, errors.New("logging.file.max_size_mb 必须大于0"))
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

type namedAccount struct {
	AccountConfig
	name string
}

func (c *Config) accounts() []namedAccount {
	return []namedAccount{
		{AccountConfig: c.LongAccount, name: "long_account"},
		{AccountConfig: c.ShortAccount, name: "short_account"},
	}
}
