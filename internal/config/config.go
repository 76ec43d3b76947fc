package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis   RedisConfig   `mapstructure:"redis"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type BrokerConfig struct {
	MaxStreamLen int           `mapstructure:"max_stream_len"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	ReadBlock    time.Duration `mapstructure:"read_block"`
	ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	DefaultStepTimeout      time.Duration `mapstructure:"default_step_timeout"`
	DefaultRetryDelay       time.Duration `mapstructure:"default_retry_delay"`
}

type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.flowmesh")
	viper.AddConfigPath("/etc/flowmesh")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("broker.max_stream_len", 10000)
	viper.SetDefault("broker.max_retries", 3)
	viper.SetDefault("broker.retry_delay", "50ms")
	viper.SetDefault("broker.read_block", "250ms")
	viper.SetDefault("broker.claim_min_idle", "30s")
	viper.SetDefault("engine.max_concurrent_executions", 16)
	viper.SetDefault("engine.default_step_timeout", "60s")
	viper.SetDefault("engine.default_retry_delay", "1s")
	viper.SetDefault("logging.dir", "")
	viper.SetDefault("logging.console", true)

	viper.SetEnvPrefix("FLOWMESH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
