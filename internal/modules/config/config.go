package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDir         = "configs/"
	defaultConfigFile = "values_local.yaml"

	// жёсткие потолки, выше которых конфиг не принимается
	maxRiskPercent = 5.0
	maxLeverageCap = 20

	// TakeProfitAttempts: тейк не критичен, ретраев меньше, чем у стопа
	TakeProfitAttempts = 3

	minStopTimeout = 30 * time.Second
	stopSlack      = 10 * time.Second
)

// Config: всё читается один раз на старте. Ключи yaml совпадают с env в нижнем регистре.
type Config struct {
	// Риск на сделку, % от доступного баланса
	RiskPercent        float64 `mapstructure:"risk_percent" yaml:"risk_percent"`
	StopLossPercent    float64 `mapstructure:"stoploss_percent" yaml:"stoploss_percent"`
	MaxPositionPercent float64 `mapstructure:"max_position_percent" yaml:"max_position_percent"`
	MaxOpenPositions   int     `mapstructure:"max_open_positions" yaml:"max_open_positions"`

	// Гейт рыночных данных
	StaleMS     int     `mapstructure:"stale_ms" yaml:"stale_ms"`
	SpreadLimit float64 `mapstructure:"spread_limit" yaml:"spread_limit"`
	MinNotional float64 `mapstructure:"min_notional" yaml:"min_notional"`

	// Ретраи и таймауты биржи
	RetryCount      int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	VerifyDelay     time.Duration `mapstructure:"verify_delay" yaml:"verify_delay"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout" yaml:"exchange_timeout"`

	// Адаптивный риск
	BaseLeverage         int     `mapstructure:"base_leverage" yaml:"base_leverage"`
	MinLeverage          int     `mapstructure:"min_leverage" yaml:"min_leverage"`
	MaxLeverage          int     `mapstructure:"max_leverage" yaml:"max_leverage"`
	HighVolatility       float64 `mapstructure:"high_volatility" yaml:"high_volatility"`
	LowVolatility        float64 `mapstructure:"low_volatility" yaml:"low_volatility"`
	DefaultVolatility    float64 `mapstructure:"default_volatility" yaml:"default_volatility"`
	GoodWinRate          float64 `mapstructure:"good_win_rate" yaml:"good_win_rate"`
	BadWinRate           float64 `mapstructure:"bad_win_rate" yaml:"bad_win_rate"`
	MinTradesForWinRate  int     `mapstructure:"min_trades_for_win_rate" yaml:"min_trades_for_win_rate"`
	MaxDrawdown          float64 `mapstructure:"max_drawdown" yaml:"max_drawdown"`
	SafeDrawdown         float64 `mapstructure:"safe_drawdown" yaml:"safe_drawdown"`
	TrendThreshold       float64 `mapstructure:"trend_threshold" yaml:"trend_threshold"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	TPTimeoutSeconds     int     `mapstructure:"tp_timeout_seconds" yaml:"tp_timeout_seconds"`

	// Цикл и сверка
	CycleInterval    time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval"`
	RecheckInterval  time.Duration `mapstructure:"recheck_interval" yaml:"recheck_interval"`
	QtyTolerance     float64       `mapstructure:"qty_tolerance" yaml:"qty_tolerance"`
	NakedAlertCycles int           `mapstructure:"naked_alert_cycles" yaml:"naked_alert_cycles"`
	CancelOrphans    bool          `mapstructure:"cancel_orphans" yaml:"cancel_orphans"`

	Symbols          []string `mapstructure:"symbols" yaml:"symbols"`
	VolatilitySymbol string   `mapstructure:"volatility_symbol" yaml:"volatility_symbol"`

	// Биржа
	Testnet   bool   `mapstructure:"testnet" yaml:"testnet"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	TelegramToken  string `mapstructure:"telegram_token" yaml:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id" yaml:"telegram_chat_id"`

	DatabaseDSN string `mapstructure:"database_dsn" yaml:"database_dsn"`
	JournalFile string `mapstructure:"journal_file" yaml:"journal_file"`
	LockFile    string `mapstructure:"lock_file" yaml:"lock_file"`

	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
	// IntentToken: общий секрет для POST /v1/intents, обязателен вне loopback
	IntentToken string `mapstructure:"intent_token" yaml:"intent_token"`

	JaegerHost string `mapstructure:"jaeger_host" yaml:"jaeger_host"`
	JaegerPort int    `mapstructure:"jaeger_port" yaml:"jaeger_port"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON    bool   `mapstructure:"log_json" yaml:"log_json"`

	// DryCheck: только проверить конфиг и выйти, ключи не нужны
	DryCheck bool `mapstructure:"dry_check" yaml:"dry_check"`
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"risk_percent":         1.0,
		"stoploss_percent":     2.0,
		"max_position_percent": 10.0,
		"max_open_positions":   1,

		"stale_ms":     3000,
		"spread_limit": 0.001,
		"min_notional": 6.0,

		"retry_count":      5,
		"retry_base_delay": "1s",
		"retry_max_delay":  "30s",
		"verify_delay":     "500ms",
		"exchange_timeout": "10s",

		"base_leverage":           10,
		"min_leverage":            3,
		"max_leverage":            20,
		"high_volatility":         3.0,
		"low_volatility":          1.0,
		"default_volatility":      2.0,
		"good_win_rate":           0.60,
		"bad_win_rate":            0.40,
		"min_trades_for_win_rate": 10,
		"max_drawdown":            0.20,
		"safe_drawdown":           0.10,
		"trend_threshold":         0.7,
		"max_consecutive_losses":  4,
		"tp_timeout_seconds":      300,

		"cycle_interval":     "60s",
		"recheck_interval":   "10s",
		"qty_tolerance":      0.00001,
		"naked_alert_cycles": 2,
		"cancel_orphans":     true,

		"symbols":           []string{"BTCUSDT"},
		"volatility_symbol": "",

		"testnet":          false,
		"api_key":          "",
		"secret_key":       "",
		"telegram_token":   "",
		"telegram_chat_id": 0,
		"database_dsn":     "",
		"journal_file":     "data/journal.json",
		"lock_file":        "guard.lock",
		"http_addr":        "127.0.0.1:8080",
		"intent_token":     "",
		"jaeger_host":      "",
		"jaeger_port":      6831,
		"log_level":        "info",
		"log_json":         false,
		"dry_check":        false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// NewConfig: .env, затем configs/$CONFIG_FILE, затем переменные окружения. Невалидный
// конфиг возвращается ошибкой, и fx не стартует.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	file := os.Getenv(configFilePathENV)
	path := ""
	if file != "" {
		path = configDir + file
	} else if _, err := os.Stat(configDir + defaultConfigFile); err == nil {
		path = configDir + defaultConfigFile
	}
	return Load(path)
}

// Load читает файл (если path не пустой) и env поверх него.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	var out []string
	for _, s := range c.Symbols {
		for _, part := range strings.Split(s, ",") {
			if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
				out = append(out, p)
			}
		}
	}
	c.Symbols = out
	c.VolatilitySymbol = strings.ToUpper(strings.TrimSpace(c.VolatilitySymbol))
	if c.VolatilitySymbol == "" && len(c.Symbols) > 0 {
		c.VolatilitySymbol = c.Symbols[0]
	}
}

func (c *Config) Validate() error {
	switch {
	case c.RiskPercent <= 0 || c.RiskPercent > maxRiskPercent:
		return errors.Errorf("RISK_PERCENT must be in (0, %.0f], got %v", maxRiskPercent, c.RiskPercent)
	case c.MinLeverage < 1 || c.MinLeverage > c.BaseLeverage || c.BaseLeverage > c.MaxLeverage || c.MaxLeverage > maxLeverageCap:
		return errors.Errorf("leverage bounds must satisfy 1 <= MIN(%d) <= BASE(%d) <= MAX(%d) <= %d",
			c.MinLeverage, c.BaseLeverage, c.MaxLeverage, maxLeverageCap)
	case c.StaleMS <= 0:
		return errors.Errorf("STALE_MS must be > 0, got %d", c.StaleMS)
	case c.SpreadLimit <= 0 || c.SpreadLimit > 0.01:
		return errors.Errorf("SPREAD_LIMIT must be in (0, 0.01], got %v", c.SpreadLimit)
	case c.MinNotional <= 0:
		return errors.Errorf("MIN_NOTIONAL must be > 0, got %v", c.MinNotional)
	case c.RetryCount < 1 || c.RetryCount > 10:
		return errors.Errorf("RETRY_COUNT must be in [1, 10], got %d", c.RetryCount)
	case c.TPTimeoutSeconds <= 0:
		return errors.Errorf("TP_TIMEOUT_SECONDS must be > 0, got %d", c.TPTimeoutSeconds)
	case c.MaxDrawdown <= 0 || c.MaxDrawdown >= 1:
		return errors.Errorf("MAX_DRAWDOWN must be in (0, 1), got %v", c.MaxDrawdown)
	case c.SafeDrawdown <= 0 || c.SafeDrawdown > c.MaxDrawdown:
		return errors.Errorf("SAFE_DRAWDOWN must be in (0, MAX_DRAWDOWN], got %v", c.SafeDrawdown)
	case c.BadWinRate >= c.GoodWinRate:
		return errors.Errorf("BAD_WIN_RATE(%v) must be < GOOD_WIN_RATE(%v)", c.BadWinRate, c.GoodWinRate)
	case c.LowVolatility >= c.HighVolatility:
		return errors.Errorf("LOW_VOLATILITY(%v) must be < HIGH_VOLATILITY(%v)", c.LowVolatility, c.HighVolatility)
	case c.StopLossPercent <= 0 || c.StopLossPercent >= 100:
		return errors.Errorf("STOPLOSS_PERCENT must be in (0, 100), got %v", c.StopLossPercent)
	case c.MaxPositionPercent <= 0 || c.MaxPositionPercent > 100:
		return errors.Errorf("MAX_POSITION_PERCENT must be in (0, 100], got %v", c.MaxPositionPercent)
	case c.MaxOpenPositions < 1:
		return errors.Errorf("MAX_OPEN_POSITIONS must be >= 1, got %d", c.MaxOpenPositions)
	case c.MaxConsecutiveLosses < 1:
		return errors.Errorf("MAX_CONSECUTIVE_LOSSES must be >= 1, got %d", c.MaxConsecutiveLosses)
	case c.QtyTolerance < 0:
		return errors.Errorf("QTY_TOLERANCE must be >= 0, got %v", c.QtyTolerance)
	case c.CycleInterval <= 0 || c.RecheckInterval <= 0 || c.RecheckInterval > c.CycleInterval:
		return errors.Errorf("intervals must satisfy 0 < RECHECK_INTERVAL(%s) <= CYCLE_INTERVAL(%s)", c.RecheckInterval, c.CycleInterval)
	case c.ExchangeTimeout <= 0:
		return errors.Errorf("EXCHANGE_TIMEOUT must be > 0, got %s", c.ExchangeTimeout)
	case c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay:
		return errors.Errorf("retry delays must satisfy 0 <= RETRY_BASE_DELAY <= RETRY_MAX_DELAY")
	case len(c.Symbols) == 0:
		return errors.New("SYMBOLS is empty")
	case !c.DryCheck && (c.APIKey == "" || c.SecretKey == ""):
		return errors.New("API_KEY and SECRET_KEY are required")
	case c.IntentToken == "" && !loopback(c.HTTPAddr):
		return errors.Errorf("INTENT_TOKEN is required when HTTP_ADDR(%s) is not loopback", c.HTTPAddr)
	}
	return nil
}

// loopback: адрес слушает только локальный интерфейс. Пустой хост значит все интерфейсы.
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// StaleAfter: STALE_MS как длительность.
func (c *Config) StaleAfter() time.Duration { return time.Duration(c.StaleMS) * time.Millisecond }

// StopTimeout: сколько ждать остановки. Начатый цикл доводит сверку и вход
// до подтверждённой защиты или закрытия, каждый вызов биржи со своими ретраями.
func (c *Config) StopTimeout() time.Duration {
	perCall := c.ExchangeTimeout + c.RetryMaxDelay
	// вход: стоп и закрытие по RetryCount попыток, тейк отдельно
	calls := 2*c.RetryCount + TakeProfitAttempts
	// сверка: пересоздание стопа на каждую позицию
	calls += max(c.MaxOpenPositions, 1) * c.RetryCount
	budget := time.Duration(calls)*perCall + 2*c.VerifyDelay + stopSlack
	return max(budget, minStopTimeout)
}

// Dump: эффективный конфиг для стартового лога, секреты замаскированы.
func (c *Config) Dump() string {
	cp := *c
	cp.APIKey = mask(cp.APIKey)
	cp.SecretKey = mask(cp.SecretKey)
	cp.TelegramToken = mask(cp.TelegramToken)
	cp.DatabaseDSN = mask(cp.DatabaseDSN)
	cp.IntentToken = mask(cp.IntentToken)
	bs, err := yaml.Marshal(cp)
	if err != nil {
		return err.Error()
	}
	return string(bs)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return s[:4] + "***"
}
