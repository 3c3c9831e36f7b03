package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项，进程启动时构建一次后只读传递。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Routers   []RouterConfig  `mapstructure:"routers"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	TWAP      TWAPConfig      `mapstructure:"twap"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VenueConfig 描述交易场所连接信息。
type VenueConfig struct {
	Name        string   `mapstructure:"name"`
	APIKey      string   `mapstructure:"api_key"`
	APISecret   string   `mapstructure:"api_secret"`
	APIPass     string   `mapstructure:"api_password"`
	UseSandbox  bool     `mapstructure:"use_sandbox"`
	Wallet      string   `mapstructure:"wallet_address"`
	PrivateKey  string   `mapstructure:"private_key"`
	Paper       bool     `mapstructure:"paper"`
	PaperEquity float64  `mapstructure:"paper_equity"`
	QuoteAssets []string `mapstructure:"quote_assets"`
	// ClientIDParam 为按客户端订单号查询时使用的参数名，不同交易所命名不同。
	ClientIDParam string      `mapstructure:"client_id_param"`
	Retry         RetryConfig `mapstructure:"retry"`
}

// RetryConfig 控制只读行情请求的重试，下单请求不在此重试。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RouterConfig 描述单个跨链路由提供方，列表顺序即优先级。
type RouterConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig 描述策略生成模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RiskConfig 管理风控上限。
type RiskConfig struct {
	MaxNotional         float64       `mapstructure:"max_notional"`
	MaxExposurePerAsset float64       `mapstructure:"max_exposure_per_asset"`
	MaxLeverage         float64       `mapstructure:"max_leverage"`
	MaxStaleness        time.Duration `mapstructure:"max_staleness"`
}

// ExecutionConfig 控制执行重试与外部调用节奏。
type ExecutionConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	QuoteTimeout    time.Duration `mapstructure:"quote_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollMaxInterval time.Duration `mapstructure:"poll_max_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	Workers         int           `mapstructure:"workers"`
}

// BreakerConfig 控制每个提供方的熔断参数。
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// TWAPConfig 控制拆单精度。
type TWAPConfig struct {
	Precision int32 `mapstructure:"precision"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval            time.Duration `mapstructure:"loop_interval"`
	Workers                 int           `mapstructure:"workers"`
	BatchSize               int           `mapstructure:"batch_size"`
	DeactivateAfterFailures int           `mapstructure:"deactivate_after_failures"`
	Retention               time.Duration `mapstructure:"retention"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// NotifyConfig 控制终态通知的投递渠道。
type NotifyConfig struct {
	BufferSize int            `mapstructure:"buffer_size"`
	Redis      RedisConfig    `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Venue.Name == "" {
		err = multierr.Append(err, errors.New("venue.name 不能为空"))
	}
	if !c.Venue.Paper && strings.EqualFold(c.Venue.Name, "hyperliquid") {
		if c.Venue.Wallet == "" || c.Venue.PrivateKey == "" {
			err = multierr.Append(err, errors.New("hyperliquid 交易需要配置 wallet_address 与 private_key"))
		}
	}
	if len(c.Venue.QuoteAssets) == 0 {
		err = multierr.Append(err, errors.New("venue.quote_assets 至少包含一个计价资产"))
	}

	seen := make(map[string]struct{}, len(c.Routers))
	for i, r := range c.Routers {
		if r.Name == "" {
			err = multierr.Append(err, fmt.Errorf("routers[%d].name 不能为空", i))
			continue
		}
		if _, dup := seen[r.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("routers[%d].name 重复: %s", i, r.Name))
		}
		seen[r.Name] = struct{}{}
		if r.BaseURL == "" {
			err = multierr.Append(err, fmt.Errorf("routers[%d].base_url 不能为空", i))
		}
		if r.RateLimit < 0 || r.Burst < 0 {
			err = multierr.Append(err, fmt.Errorf("routers[%d] 限流参数不能为负", i))
		}
	}

	if c.Risk.MaxNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.max_notional 必须大于0"))
	}
	if c.Risk.MaxExposurePerAsset <= 0 {
		err = multierr.Append(err, errors.New("risk.max_exposure_per_asset 必须大于0"))
	}
	if c.Risk.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须大于0"))
	}
	if c.Risk.MaxStaleness <= 0 {
		err = multierr.Append(err, errors.New("risk.max_staleness 必须大于0"))
	}

	if c.Execution.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.max_attempts 必须大于0"))
	}
	if c.Execution.BaseDelay <= 0 || c.Execution.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("execution.delay 必须为正"))
	}
	if c.Execution.BaseDelay > c.Execution.MaxDelay {
		err = multierr.Append(err, errors.New("execution.base_delay 不能大于 max_delay"))
	}
	if c.Execution.Jitter < 0 || c.Execution.Jitter >= 1 {
		err = multierr.Append(err, errors.New("execution.jitter 应位于[0,1)"))
	}
	if c.Execution.CallTimeout <= 0 || c.Execution.QuoteTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.call_timeout 与 quote_timeout 必须大于0"))
	}
	if c.Execution.PollInterval <= 0 || c.Execution.PollMaxInterval < c.Execution.PollInterval {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须为正且不大于 poll_max_interval"))
	}
	if c.Execution.PollTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_timeout 必须大于0"))
	}
	if c.Execution.Workers <= 0 {
		err = multierr.Append(err, errors.New("execution.workers 必须大于0"))
	}

	if c.Breaker.FailureThreshold <= 0 {
		err = multierr.Append(err, errors.New("breaker.failure_threshold 必须大于0"))
	}
	if c.Breaker.Window <= 0 || c.Breaker.Cooldown <= 0 {
		err = multierr.Append(err, errors.New("breaker.window 与 cooldown 必须大于0"))
	}

	if c.TWAP.Precision < 0 || c.TWAP.Precision > 18 {
		err = multierr.Append(err, errors.New("twap.precision 应位于[0,18]"))
	}

	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.Workers <= 0 {
		err = multierr.Append(err, errors.New("scheduler.workers 必须大于0"))
	}
	if c.Scheduler.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("scheduler.batch_size 必须大于0"))
	}
	if c.Scheduler.DeactivateAfterFailures < 0 {
		err = multierr.Append(err, errors.New("scheduler.deactivate_after_failures 不能为负"))
	}
	if c.Scheduler.Retention < 0 {
		err = multierr.Append(err, errors.New("scheduler.retention 不能为负"))
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
	case "mysql":
		if c.Database.DSN == "" {
			err = multierr.Append(err, errors.New("mysql 需要配置 database.dsn"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("database.driver 不支持: %q", c.Database.Driver))
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

	if c.Notify.BufferSize <= 0 {
		err = multierr.Append(err, errors.New("notify.buffer_size 必须大于0"))
	}
	if c.Notify.Redis.Enabled && (c.Notify.Redis.Addr == "" || c.Notify.Redis.Channel == "") {
		err = multierr.Append(err, errors.New("notify.redis 需要配置 addr 与 channel"))
	}
	if c.Notify.RabbitMQ.Enabled && (c.Notify.RabbitMQ.URL == "" || c.Notify.RabbitMQ.Queue == "") {
		err = multierr.Append(err, errors.New("notify.rabbitmq 需要配置 url 与 queue"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 非法"))
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

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
