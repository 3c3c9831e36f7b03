package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "automation"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Defaults 仅使用默认值与环境变量构建配置，便于测试及无配置文件运行。
func Defaults() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("venue.name", "binanceusdm")
	v.SetDefault("venue.use_sandbox", false)
	v.SetDefault("venue.paper", true)
	v.SetDefault("venue.paper_equity", 10000)
	v.SetDefault("venue.quote_assets", []string{"USDT", "USDC", "USD"})
	v.SetDefault("venue.client_id_param", "origClientOrderId")
	v.SetDefault("venue.retry.max_attempts", 3)
	v.SetDefault("venue.retry.min_delay", "500ms")
	v.SetDefault("venue.retry.max_delay", "5s")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "30s")

	v.SetDefault("risk.max_notional", 10000)
	v.SetDefault("risk.max_exposure_per_asset", 50000)
	v.SetDefault("risk.max_leverage", 3)
	v.SetDefault("risk.max_staleness", "30s")

	v.SetDefault("execution.max_attempts", 5)
	v.SetDefault("execution.base_delay", "1s")
	v.SetDefault("execution.max_delay", "1m")
	v.SetDefault("execution.jitter", 0.2)
	v.SetDefault("execution.call_timeout", "10s")
	v.SetDefault("execution.quote_timeout", "5s")
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.poll_max_interval", "30s")
	v.SetDefault("execution.poll_timeout", "10m")
	v.SetDefault("execution.workers", 8)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", "1m")
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("twap.precision", 8)

	v.SetDefault("scheduler.loop_interval", "15s")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.deactivate_after_failures", 3)
	v.SetDefault("scheduler.retention", "2160h")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data/automation.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.redis.enabled", false)
	v.SetDefault("notify.redis.channel", "automation.executions")
	v.SetDefault("notify.rabbitmq.enabled", false)
	v.SetDefault("notify.rabbitmq.queue", "automation.executions")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8089)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
