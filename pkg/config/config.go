package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide immutable configuration, loaded once at startup.
type Config struct {
	Environment string `yaml:"environment" default:"dev" validate:"required"`

	Server struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Market struct {
		Symbols            []string      `yaml:"symbols" validate:"required,min=1"`
		Intervals          []string      `yaml:"intervals"`
		RingSize           int           `yaml:"ring_size" default:"200" validate:"gt=0"`
		StalenessThreshold time.Duration `yaml:"staleness_threshold"`
		OutlierZScore      float64       `yaml:"outlier_zscore" default:"8"`
		MinPrice           int64         `yaml:"min_price" default:"1"`
		MaxPrice           int64         `yaml:"max_price" default:"10000000"`
		PollInterval       time.Duration `yaml:"poll_interval"`
	} `yaml:"market"`

	Analysis struct {
		SMAWindows      []int         `yaml:"sma_windows"`
		EMAFast         int           `yaml:"ema_fast" default:"12"`
		EMASlow         int           `yaml:"ema_slow" default:"26"`
		RSIPeriod       int           `yaml:"rsi_period" default:"14"`
		MACDSignal      int           `yaml:"macd_signal" default:"9"`
		BollingerPeriod int           `yaml:"bollinger_period" default:"20"`
		BollingerStdDev float64       `yaml:"bollinger_std_dev" default:"2"`
		StochKPeriod    int           `yaml:"stoch_k_period" default:"14"`
		StochDPeriod    int           `yaml:"stoch_d_period" default:"3"`
		ATRPeriod       int           `yaml:"atr_period" default:"14"`
		IndicatorTTL    time.Duration `yaml:"indicator_ttl"`
	} `yaml:"analysis"`

	Strategy struct {
		Active           []string                     `yaml:"active"`
		AnalyzeTimeout   time.Duration                `yaml:"analyze_timeout"`
		SessionCloseTime string                       `yaml:"session_close_time" default:"15:20"`
		Params           map[string]map[string]string `yaml:"params"`
	} `yaml:"strategy"`

	Risk struct {
		MaxPositionRatio     float64       `yaml:"max_position_ratio" default:"0.1" validate:"gt=0,lte=1"`
		MaxSectorRatio       float64       `yaml:"max_sector_ratio" default:"0.3"`
		MaxTotalExposure     float64       `yaml:"max_total_exposure" default:"1.0"`
		MinCashReserveRatio  float64       `yaml:"min_cash_reserve_ratio" default:"0.1"`
		MaxDailyLoss         int64         `yaml:"max_daily_loss" default:"500000"`
		MaxMonthlyLoss       int64         `yaml:"max_monthly_loss" default:"3000000"`
		MaxOrdersPerDay      int           `yaml:"max_orders_per_day" default:"50"`
		MaxConsecutiveLosses int           `yaml:"max_consecutive_losses" default:"5"`
		MinOrderValue        int64         `yaml:"min_order_value" default:"10000"`
		MaxOrderValue        int64         `yaml:"max_order_value" default:"10000000"`
		CheckTimeout         time.Duration `yaml:"risk_check_timeout"`
		StopLossPct          float64       `yaml:"stop_loss_pct" default:"0.03"`
		TakeProfitPct        float64       `yaml:"take_profit_pct" default:"0.05"`
		TrailingOffsetPct    float64       `yaml:"trailing_offset_pct" default:"0.02"`
		BreakEvenPct         float64       `yaml:"break_even_pct" default:"0.02"`
		MonitorInterval      time.Duration `yaml:"monitor_interval"`
		ResetToken           string        `yaml:"reset_token"`
		RiskPerTrade         float64       `yaml:"risk_per_trade" default:"0.01"`
	} `yaml:"risk"`

	Order struct {
		PriorityTimeout          time.Duration  `yaml:"priority_timeout"`
		MaxConcurrentSubmissions int            `yaml:"max_concurrent_submissions" default:"10"`
		MaxPartialFillTime       time.Duration  `yaml:"max_partial_fill_time"`
		MaxFillsPerOrder         int            `yaml:"max_fills_per_order" default:"100"`
		MaxQueueSize             int            `yaml:"max_queue_size" default:"1000"`
		StrategyPriority         map[string]int `yaml:"strategy_priority"`
	} `yaml:"order"`

	Commission struct {
		BrokerageRate   float64 `yaml:"brokerage_rate" default:"0.00015"`
		MinBrokerageFee int64   `yaml:"min_brokerage_fee" default:"100"`
		ExchangeRate    float64 `yaml:"exchange_rate" default:"0.000008"`
		ClearingRate    float64 `yaml:"clearing_rate" default:"0.0000154"`
		TxTaxRate       float64 `yaml:"tx_tax_rate" default:"0.0023"`
		RuralTaxRate    float64 `yaml:"rural_tax_rate" default:"0"`
	} `yaml:"commission_rates"`

	Broker struct {
		BaseURL        string        `yaml:"base_url"`
		WebSocketURL   string        `yaml:"websocket_url"`
		AppKey         string        `yaml:"app_key"`
		AppSecret      string        `yaml:"app_secret"`
		AccountNo      string        `yaml:"account_no"`
		RateLimit      float64       `yaml:"rate_limit" default:"18"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		Mock           bool          `yaml:"mock" default:"false"`
	} `yaml:"broker"`

	Bus struct {
		SubscriberBuffer int           `yaml:"subscriber_buffer" default:"1024"`
		DrainGrace       time.Duration `yaml:"drain_grace"`
		Heartbeat        time.Duration `yaml:"heartbeat"`
	} `yaml:"bus"`

	Redis struct {
		Enabled      bool   `yaml:"enabled" default:"false"`
		Host         string `yaml:"host" default:"localhost"`
		Port         int    `yaml:"port" default:"6379"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db" default:"0"`
		Prefix       string `yaml:"prefix" default:"qbtrade"`
		MemoryBudget int64  `yaml:"memory_budget" default:"157286400"` // 150 MB
	} `yaml:"redis"`

	Kafka struct {
		Enabled      bool     `yaml:"enabled" default:"false"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic" default:"qbtrade.events"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip"`
		Consumer     struct {
			GroupID    string        `yaml:"group_id" default:"qbtrade"`
			Workers    int           `yaml:"workers" default:"1"`
			BufferSize int           `yaml:"buffer_size" default:"256"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`

	History struct {
		Enabled      bool          `yaml:"enabled" default:"false"`
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"9000"`
		Database     string        `yaml:"database" default:"qbtrade"`
		User         string        `yaml:"user" default:"default"`
		Password     string        `yaml:"password"`
		BatchSize    int           `yaml:"batch_size" default:"500"`
		BatchTimeout time.Duration `yaml:"batch_timeout"`
	} `yaml:"history"`
}

// Load reads, defaults, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyFallbacks()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Market.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("BROKER_APP_KEY"); v != "" {
		c.Broker.AppKey = v
	}
	if v := os.Getenv("BROKER_APP_SECRET"); v != "" {
		c.Broker.AppSecret = v
	}
	if v := os.Getenv("BROKER_ACCOUNT_NO"); v != "" {
		c.Broker.AccountNo = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("EMERGENCY_RESET_TOKEN"); v != "" {
		c.Risk.ResetToken = v
	}
	return c, nil
}

// applyFallbacks fills slice and duration defaults the defaults library
// cannot express.
func (c *Config) applyFallbacks() {
	if len(c.Market.Intervals) == 0 {
		c.Market.Intervals = []string{"1m", "5m"}
	}
	if len(c.Analysis.SMAWindows) == 0 {
		c.Analysis.SMAWindows = []int{5, 20, 60}
	}
	if len(c.Strategy.Active) == 0 {
		c.Strategy.Active = []string{"ma_1m5m"}
	}

	durationDefault(&c.Server.ReadTimeout, 5*time.Second)
	durationDefault(&c.Server.WriteTimeout, 10*time.Second)
	durationDefault(&c.Server.ShutdownTimeout, 15*time.Second)
	durationDefault(&c.Market.StalenessThreshold, 5*time.Minute)
	durationDefault(&c.Market.PollInterval, 10*time.Second)
	durationDefault(&c.Analysis.IndicatorTTL, time.Hour)
	durationDefault(&c.Strategy.AnalyzeTimeout, 200*time.Millisecond)
	durationDefault(&c.Risk.CheckTimeout, 500*time.Millisecond)
	durationDefault(&c.Risk.MonitorInterval, 30*time.Second)
	durationDefault(&c.Order.PriorityTimeout, 300*time.Second)
	durationDefault(&c.Order.MaxPartialFillTime, 300*time.Second)
	durationDefault(&c.Broker.ConnectTimeout, 5*time.Second)
	durationDefault(&c.Broker.ReadTimeout, 10*time.Second)
	durationDefault(&c.Broker.ReconnectDelay, time.Second)
	durationDefault(&c.Broker.PingInterval, 30*time.Second)
	durationDefault(&c.Bus.DrainGrace, 5*time.Second)
	durationDefault(&c.Bus.Heartbeat, 30*time.Second)
	durationDefault(&c.Kafka.Consumer.BackoffMin, 50*time.Millisecond)
	durationDefault(&c.Kafka.Consumer.BackoffMax, 2*time.Second)
	durationDefault(&c.History.BatchTimeout, 5*time.Second)
}

func durationDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks structural and semantic validity of the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	for _, iv := range c.Market.Intervals {
		switch iv {
		case "1s", "1m", "3m", "5m", "1d":
		default:
			return fmt.Errorf("market.intervals: unsupported interval %q", iv)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka.enabled")
	}
	if !c.Broker.Mock && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required unless broker.mock")
	}
	if _, err := ParseSessionTime(c.Strategy.SessionCloseTime); err != nil {
		return fmt.Errorf("strategy.session_close_time: %w", err)
	}
	if c.Risk.MinOrderValue > c.Risk.MaxOrderValue {
		return fmt.Errorf("risk.min_order_value exceeds risk.max_order_value")
	}
	return nil
}

// SessionTime is a local wall-clock time of day (KST for this platform).
type SessionTime struct {
	Hour   int
	Minute int
}

// ParseSessionTime parses "HH:MM".
func ParseSessionTime(s string) (SessionTime, error) {
	var st SessionTime
	if _, err := fmt.Sscanf(s, "%d:%d", &st.Hour, &st.Minute); err != nil {
		return st, fmt.Errorf("parse session time %q: %w", s, err)
	}
	if st.Hour < 0 || st.Hour > 23 || st.Minute < 0 || st.Minute > 59 {
		return st, fmt.Errorf("session time %q out of range", s)
	}
	return st, nil
}
