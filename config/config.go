package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 订单类型
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// 账本存储介质
const (
	LedgerFile     = "file"
	LedgerRedis    = "redis"
	LedgerDatabase = "database"
)

// Config 交易机器人配置
type Config struct {
	App struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"` // 仅用于日志展示，日切永远按 UTC
	} `yaml:"app"`

	Exchange ExchangeConfig `yaml:"exchange"`

	Trading struct {
		Symbols              []string `yaml:"symbols"`      // 显式交易对，非空时跳过自动筛选
		FilterBases          []string `yaml:"filter_bases"` // 自动筛选：base 或 quote 命中列表
		QuoteAsset           string   `yaml:"quote_asset"`
		VolumeThreshold      float64  `yaml:"volume_threshold"` // 24h 计价成交额下限
		Timeframe            string   `yaml:"timeframe"`
		Limit                int      `yaml:"limit"` // 每次拉取的K线数量
		PositionSizePct      float64  `yaml:"position_size_pct"`
		CycleIntervalSeconds int      `yaml:"cycle_interval_seconds"`
		BatchSize            int      `yaml:"batch_size"`
		DryRun               bool     `yaml:"dry_run"`
		OrderType            string   `yaml:"order_type"` // MARKET | LIMIT (IOC)
	} `yaml:"trading"`

	Strategy StrategyConfig `yaml:"strategy"`

	Risk struct {
		DailyLossLimitPct        float64 `yaml:"daily_loss_limit_pct"` // 0 表示关闭
		RecoveryIntervalSeconds  int     `yaml:"recovery_interval_seconds"`
		ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"` // 持仓对账间隔，负数关闭
	} `yaml:"risk"`

	Gate struct {
		MaxAttempts        int     `yaml:"max_attempts"`
		InitialDelayMs     int     `yaml:"initial_delay_ms"`
		MaxDelayMs         int     `yaml:"max_delay_ms"`
		Multiplier         float64 `yaml:"multiplier"`
		JitterFactor       float64 `yaml:"jitter_factor"`
		BanCooldownSeconds int     `yaml:"ban_cooldown_seconds"`
		CallTimeoutSeconds int     `yaml:"call_timeout_seconds"`
		RatePerSecond      float64 `yaml:"rate_per_second"`
		Burst              int     `yaml:"burst"`
	} `yaml:"gate"`

	Cache struct {
		MarketsTTLSeconds int `yaml:"markets_ttl_seconds"`
		OHLCVTTLSeconds   int `yaml:"ohlcv_ttl_seconds"`
	} `yaml:"cache"`

	Ledger struct {
		Type string `yaml:"type"` // file | redis | database
		Path string `yaml:"path"`
		Key  string `yaml:"key"` // redis / database 模式下的键
	} `yaml:"ledger"`

	Database DatabaseConfig `yaml:"database"`

	Lock LockConfig `yaml:"lock"`

	MarketData struct {
		Enabled    bool   `yaml:"enabled"`
		StreamURL  string `yaml:"stream_url"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"market_data"`

	Notifications struct {
		Enabled  bool   `yaml:"enabled"`
		Language string `yaml:"language"`
		Webhook  struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"webhook"`
		Email EmailConfig `yaml:"email"`
	} `yaml:"notifications"`

	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"web"`

	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// ExchangeConfig 交易所配置
type ExchangeConfig struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Testnet   bool   `yaml:"testnet"`
}

// StrategyConfig RSI/SMA 策略参数
type StrategyConfig struct {
	RSIPeriod       int     `yaml:"rsi_period"`
	RSIBuy          float64 `yaml:"rsi_buy"`
	RSISell         float64 `yaml:"rsi_sell"`
	SMAShort        int     `yaml:"sma_short"`
	SMALong         int     `yaml:"sma_long"`
	MinConfidence   float64 `yaml:"min_confidence"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct"`
	TrailingMode    bool    `yaml:"trailing_mode"` // true: 止损参考持仓期间最高价
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Type            string `yaml:"type"` // sqlite | postgres | mysql
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
	LogLevel        string `yaml:"log_level"`
}

// LockConfig 分布式锁配置
type LockConfig struct {
	Enabled    bool        `yaml:"enabled"`
	Type       string      `yaml:"type"` // local | redis
	Prefix     string      `yaml:"prefix"`
	TTLSeconds int         `yaml:"ttl_seconds"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接配置，锁和账本共用
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmailConfig SMTP 配置
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节解析配置并校验
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// Validate 填充默认值并校验配置
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Exchange.APIKey == "" {
		c.Exchange.APIKey = os.Getenv("API_KEY")
	}
	if c.Exchange.SecretKey == "" {
		c.Exchange.SecretKey = os.Getenv("API_SECRET")
	}
	if !c.Trading.DryRun && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("交易所 %s 的 API 配置不完整（非 dry_run 模式必须提供 api_key/secret_key）", c.Exchange.Name)
	}
	if c.Exchange.Name != "binance" {
		return fmt.Errorf("不支持的交易所: %s", c.Exchange.Name)
	}

	if c.Trading.PositionSizePct <= 0 || c.Trading.PositionSizePct > 1 {
		return fmt.Errorf("trading.position_size_pct 必须在 (0, 1] 之间: %v", c.Trading.PositionSizePct)
	}
	if c.Trading.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("trading.cycle_interval_seconds 必须大于0")
	}
	if c.Trading.BatchSize <= 0 {
		return fmt.Errorf("trading.batch_size 必须大于0")
	}
	if c.Trading.OrderType != OrderTypeMarket && c.Trading.OrderType != OrderTypeLimit {
		return fmt.Errorf("trading.order_type 只能是 MARKET 或 LIMIT: %s", c.Trading.OrderType)
	}
	if len(c.Trading.Symbols) == 0 && len(c.Trading.FilterBases) == 0 {
		return fmt.Errorf("trading.symbols 和 trading.filter_bases 不能同时为空")
	}

	s := c.Strategy
	if s.TakeProfitPct < 0 || s.TrailingStopPct < 0 {
		return fmt.Errorf("止盈止损比例不能为负数")
	}
	if s.RSIBuy <= 0 || s.RSISell >= 100 || s.RSIBuy >= s.RSISell {
		return fmt.Errorf("RSI 阈值无效: buy=%v sell=%v", s.RSIBuy, s.RSISell)
	}
	if s.SMAShort >= s.SMALong {
		return fmt.Errorf("strategy.sma_short 必须小于 sma_long")
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("strategy.min_confidence 必须在 [0, 1] 之间")
	}

	if c.Risk.DailyLossLimitPct < 0 || c.Risk.DailyLossLimitPct >= 1 {
		return fmt.Errorf("risk.daily_loss_limit_pct 必须在 [0, 1) 之间: %v", c.Risk.DailyLossLimitPct)
	}

	switch c.Ledger.Type {
	case LedgerFile:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path 不能为空")
		}
	case LedgerRedis:
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("ledger.type=redis 需要配置 lock.redis.addr")
		}
	case LedgerDatabase:
		if !c.Database.Enabled {
			return fmt.Errorf("ledger.type=database 需要启用 database")
		}
	default:
		return fmt.Errorf("不支持的账本类型: %s", c.Ledger.Type)
	}

	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn 不能为空")
	}
	if c.Lock.Enabled && c.Lock.Type == "redis" && c.Lock.Redis.Addr == "" {
		return fmt.Errorf("lock.redis.addr 不能为空")
	}

	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("notifications.webhook.url 不能为空")
	}
	if e := c.Notifications.Email; e.Enabled && (e.Host == "" || len(e.To) == 0) {
		return fmt.Errorf("notifications.email 需要 host 和 to")
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		return fmt.Errorf("web.port 无效: %d", c.Web.Port)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "quantguard"
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	c.Exchange.Name = strings.ToLower(c.Exchange.Name)

	t := &c.Trading
	if t.QuoteAsset == "" {
		t.QuoteAsset = "USDT"
	}
	t.QuoteAsset = strings.ToUpper(t.QuoteAsset)
	for i, s := range t.Symbols {
		t.Symbols[i] = strings.ToUpper(s)
	}
	if t.Timeframe == "" {
		t.Timeframe = "1h"
	}
	if t.Limit <= 0 {
		t.Limit = 100
	}
	if t.PositionSizePct == 0 {
		t.PositionSizePct = 0.1
	}
	if t.CycleIntervalSeconds == 0 {
		t.CycleIntervalSeconds = 300
	}
	if t.BatchSize == 0 {
		t.BatchSize = 10
	}
	if t.OrderType == "" {
		t.OrderType = OrderTypeMarket
	}
	t.OrderType = strings.ToUpper(t.OrderType)

	s := &c.Strategy
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.RSIBuy == 0 {
		s.RSIBuy = 30
	}
	if s.RSISell == 0 {
		s.RSISell = 70
	}
	if s.SMAShort <= 0 {
		s.SMAShort = 20
	}
	if s.SMALong <= 0 {
		s.SMALong = 50
	}
	if s.MinConfidence == 0 {
		s.MinConfidence = 0.3
	}

	if c.Risk.RecoveryIntervalSeconds <= 0 {
		c.Risk.RecoveryIntervalSeconds = 5 * t.CycleIntervalSeconds
	}
	if c.Risk.ReconcileIntervalSeconds == 0 {
		c.Risk.ReconcileIntervalSeconds = 600
	}

	g := &c.Gate
	if g.MaxAttempts <= 0 {
		g.MaxAttempts = 5
	}
	if g.InitialDelayMs <= 0 {
		g.InitialDelayMs = 1000
	}
	if g.MaxDelayMs <= 0 {
		g.MaxDelayMs = 60000
	}
	if g.Multiplier <= 1 {
		g.Multiplier = 2
	}
	if g.JitterFactor <= 0 {
		g.JitterFactor = 0.2
	}
	if g.BanCooldownSeconds <= 0 {
		g.BanCooldownSeconds = 600
	}
	if g.CallTimeoutSeconds <= 0 {
		g.CallTimeoutSeconds = 15
	}
	if g.RatePerSecond == 0 {
		g.RatePerSecond = 10
	}
	if g.Burst <= 0 {
		g.Burst = 20
	}

	if c.Cache.MarketsTTLSeconds <= 0 {
		c.Cache.MarketsTTLSeconds = 600
	}
	if c.Cache.OHLCVTTLSeconds <= 0 {
		c.Cache.OHLCVTTLSeconds = 60
	}

	if c.Ledger.Type == "" {
		c.Ledger.Type = LedgerFile
	}
	if c.Ledger.Type == LedgerFile && c.Ledger.Path == "" {
		c.Ledger.Path = "./data/ledger.json"
	}
	if c.Ledger.Key == "" {
		c.Ledger.Key = "quantguard:ledger"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "./data/quantguard.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	if c.Lock.Type == "" {
		c.Lock.Type = "local"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "quantguard:lock:"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 30
	}
	if c.Lock.Redis.PoolSize <= 0 {
		c.Lock.Redis.PoolSize = 10
	}

	if c.MarketData.StreamURL == "" {
		c.MarketData.StreamURL = "wss://stream.binance.com:9443/stream"
	}
	if c.MarketData.TTLSeconds <= 0 {
		c.MarketData.TTLSeconds = 30
	}

	if c.Notifications.Language == "" {
		c.Notifications.Language = "zh-CN"
	}
	if c.Notifications.Email.Port == 0 {
		c.Notifications.Email.Port = 587
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 28888
	}

	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 7
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
}

// CycleInterval 扫描周期
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleIntervalSeconds) * time.Second
}

// ReconcileInterval 持仓对账间隔，0 表示关闭
func (c *Config) ReconcileInterval() time.Duration {
	if c.Risk.ReconcileIntervalSeconds < 0 {
		return 0
	}
	return time.Duration(c.Risk.ReconcileIntervalSeconds) * time.Second
}

// RecoveryInterval 风控熔断后的等待时间
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Risk.RecoveryIntervalSeconds) * time.Second
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	cp := *c
	cp.Trading.Symbols = append([]string(nil), c.Trading.Symbols...)
	cp.Trading.FilterBases = append([]string(nil), c.Trading.FilterBases...)
	cp.Notifications.Email.To = append([]string(nil), c.Notifications.Email.To...)
	return &cp
}
