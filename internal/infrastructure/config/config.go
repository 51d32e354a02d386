package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	sharedConfig "relaycore/internal/shared/config"
)

// Config is the root configuration for the relaycore process: the
// ambient server/logger/database/redis settings plus the engine and
// relay tuning sections the data-plane core reads at startup.
type Config struct {
	Server   sharedConfig.ServerConfig   `mapstructure:"server"`
	Database sharedConfig.DatabaseConfig `mapstructure:"database"`
	Logger   sharedConfig.LoggerConfig   `mapstructure:"logger"`
	Redis    sharedConfig.RedisConfig    `mapstructure:"redis"`
	Engine   sharedConfig.EngineConfig   `mapstructure:"engine"`
	Relay    sharedConfig.RelayConfig    `mapstructure:"relay"`
	RulesPath string                     `mapstructure:"rules_path"`
}

var (
	appConfig     *Config
	appConfigOnce sync.Once
	appConfigMu   sync.RWMutex
)

// Load loads configuration from file and environment variables. If
// configPath is provided, it is used instead of default search paths.
// The config file is optional — if not found, defaults and environment
// variables are used.
func Load(env string, configPath ...string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if len(configPath) > 0 && configPath[0] != "" {
		viper.SetConfigFile(configPath[0])
	} else {
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("../configs")
		viper.AddConfigPath("../../configs")
	}

	viper.SetEnvPrefix("RELAYCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if env != "" && env != "default" {
		viper.Set("server.mode", env)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	appConfigMu.Lock()
	appConfig = &config
	appConfigMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration.
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	viper.SetDefault("database.path", "./data/relaycore.db")
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.conn_max_lifetime", 60)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_path", "stdout")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("engine.tcp_accept_workers", 1)
	viper.SetDefault("engine.tcp_io_workers", 4)
	viper.SetDefault("engine.udp_workers", 4)

	viper.SetDefault("relay.client_idle_timeout_seconds", 300)
	viper.SetDefault("relay.client_buffer_cap_bytes", 1<<20)
	viper.SetDefault("relay.upstream_dial_timeout_seconds", 10)
	viper.SetDefault("relay.udp_session_idle_seconds", 300)
	viper.SetDefault("relay.udp_sweep_interval_seconds", 60)
	viper.SetDefault("relay.broadcast_heartbeat_timeout_seconds", 300)
	viper.SetDefault("relay.broadcast_sweep_interval_seconds", 60)
	viper.SetDefault("relay.max_tcp_conns_per_rule", 0)

	viper.SetDefault("rules_path", "./configs/rules.yaml")
}
