package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strconv"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "dn"
)

// legacyEnv 将扁平环境变量映射到配置键，兼容旧版 .env 文件。
var legacyEnv = map[string]string{
	"exchange.base_url":            "BASE_URL",
	"long_account.private_key":     "ACCOUNT1_PRIVATE_KEY",
	"long_account.index":           "ACCOUNT1_INDEX",
	"long_account.api_key_index":   "ACCOUNT1_API_KEY_INDEX",
	"long_account.signer_url":      "ACCOUNT1_SIGNER_URL",
	"long_account.wallet_address":  "ACCOUNT1_WALLET_ADDRESS",
	"short_account.private_key":    "ACCOUNT2_PRIVATE_KEY",
	"short_account.index":          "ACCOUNT2_INDEX",
	"short_account.api_key_index":  "ACCOUNT2_API_KEY_INDEX",
	"short_account.signer_url":     "ACCOUNT2_SIGNER_URL",
	"short_account.wallet_address": "ACCOUNT2_WALLET_ADDRESS",
	"trading.market_index":         "MARKET_INDEX",
	"trading.markets":              "MARKET_WHITELIST",
	"trading.base_amount":          "BASE_AMOUNT",
	"trading.base_amount_usdt":     "BASE_AMOUNT_IN_USDT",
	"trading.max_slippage":         "MAX_SLIPPAGE",
	"trading.leverage":             "LEVERAGE",
	"trading.dynamic_leverage":     "USE_DYNAMIC_LEVERAGE",
	"trading.leverage_buffer":      "LEVERAGE_BUFFER",
	"trading.margin_mode":          "MARGIN_MODE",
	"trading.max_trades":           "MAX_TRADES",
	"schedule.min_open_delay":      "MIN_OPEN_DELAY",
	"schedule.max_open_delay":      "MAX_OPEN_DELAY",
	"schedule.min_close_delay":     "MIN_CLOSE_DELAY",
	"schedule.max_close_delay":     "MAX_CLOSE_DELAY",
	"limit_order.probability":      "LIMIT_ORDER_PROBABILITY",
	"limit_order.wait_time":        "LIMIT_ORDER_WAIT_TIME",
	"limit_order.max_retries":      "LIMIT_ORDER_MAX_RETRIES",
	"limit_order.retry_adjustment": "LIMIT_ORDER_RETRY_ADJUSTMENT",
}

// Load 读取 .env、配置文件及环境变量并返回校验后的 Config。
// path 为空时使用默认路径，默认文件不存在则仅依赖环境变量。
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read 与 Load 相同但不做校验，供只读工具使用。
func Read(path string) (*Config, error) {
	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 %s 失败: %w", defaultEnvFile, err)
	}

	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)):
		case errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	normalize(&cfg, v)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.backend", BackendLighter)
	v.SetDefault("exchange.base_url", "https://testnet.zklighter.elliot.ai")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.symbols", []string{})
	v.SetDefault("exchange.request_timeout", "0s")
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	for _, acct := range []string{"long_account", "short_account"} {
		v.SetDefault(acct+".index", 0)
		v.SetDefault(acct+".api_key_index", 0)
		v.SetDefault(acct+".private_key", "")
		v.SetDefault(acct+".wallet_address", "")
		v.SetDefault(acct+".signer_url", "")
	}

	v.SetDefault("trading.market_index", 0)
	v.SetDefault("trading.markets", []int{})
	v.SetDefault("trading.base_amount", 0)
	v.SetDefault("trading.base_amount_usdt", 0)
	v.SetDefault("trading.max_slippage", 0.02)
	v.SetDefault("trading.max_spread", 0.001)
	v.SetDefault("trading.leverage", 10)
	v.SetDefault("trading.dynamic_leverage", false)
	v.SetDefault("trading.leverage_buffer", 5)
	v.SetDefault("trading.margin_mode", MarginModeCross)
	v.SetDefault("trading.max_trades", 0)

	v.SetDefault("schedule.min_open_delay", "80s")
	v.SetDefault("schedule.max_open_delay", "120s")
	v.SetDefault("schedule.min_close_delay", "30s")
	v.SetDefault("schedule.max_close_delay", "50s")
	v.SetDefault("schedule.close_check_interval", "1s")
	v.SetDefault("schedule.close_leg_delay", "500ms")

	v.SetDefault("limit_order.probability", 0.8)
	v.SetDefault("limit_order.wait_time", "90s")
	v.SetDefault("limit_order.max_retries", 3)
	v.SetDefault("limit_order.retry_adjustment", 0.0002)
	v.SetDefault("limit_order.spread_position", 0.4)

	v.SetDefault("database.path", "data/delta_volume.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("monitor.port", 0)
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("绑定环境变量 %s 失败: %w", legacy, err)
		}
	}
	return nil
}

// normalize 处理旧版取值习惯：空白名单回退到单一市场，数字保证金模式，私钥补全 0x 前缀。
func normalize(cfg *Config, v *viper.Viper) {
	if len(cfg.Trading.Markets) == 0 {
		cfg.Trading.Markets = []int{v.GetInt("trading.market_index")}
	}

	switch strings.TrimSpace(strings.ToLower(cfg.Trading.MarginMode)) {
	case "0", MarginModeCross:
		cfg.Trading.MarginMode = MarginModeCross
	case "1", MarginModeIsolated:
		cfg.Trading.MarginMode = MarginModeIsolated
	}

	cfg.LongAccount.PrivateKey = ensureHexPrefix(cfg.LongAccount.PrivateKey)
	cfg.ShortAccount.PrivateKey = ensureHexPrefix(cfg.ShortAccount.PrivateKey)
}

func ensureHexPrefix(key string) string {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "0x") {
		return key
	}
	return "0x" + key
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// secondsToDurationHookFunc 将不带单位的数字解释为秒。
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch value := data.(type) {
		case int:
			return time.Duration(value) * time.Second, nil
		case int64:
			return time.Duration(value) * time.Second, nil
		case float64:
			return time.Duration(value * float64(time.Second)), nil
		case string:
			trimmed := strings.TrimSpace(value)
			seconds, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(seconds * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
