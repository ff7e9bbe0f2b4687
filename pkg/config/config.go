// Package config provides a reusable loader for pixelcanvas's configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pixelcanvas/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified runtime configuration for every pixelcanvas
// process. The ingester, applier, and server all read from one loaded
// Config; cmd/pixelcanvas's subcommands decide which components a given
// invocation actually starts.
type Config struct {
	Chain struct {
		ContractID string `mapstructure:"contract_id" json:"contract_id"`
		StartBlock uint64 `mapstructure:"start_block" json:"start_block"`
	} `mapstructure:"chain" json:"chain"`

	Store struct {
		URL string `mapstructure:"url" json:"url"`
	} `mapstructure:"store" json:"store"`

	Server struct {
		ListenAddr      string        `mapstructure:"listen_addr" json:"listen_addr"`
		AdminToken      string        `mapstructure:"admin_token" json:"-"`
		ConsumerTimeout time.Duration `mapstructure:"consumer_timeout" json:"consumer_timeout"`
	} `mapstructure:"server" json:"server"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads an optional YAML config file (if configFile is non-empty),
// applies defaults, then merges environment variable overrides on top,
// storing the result in AppConfig.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of a .env file is not an error

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("read config file %s", configFile))
		}
	}

	viper.SetDefault("chain.start_block", 0)
	viper.SetDefault("store.url", "redis://127.0.0.1:6379/0")
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("server.consumer_timeout", 5*time.Second)
	viper.SetDefault("logging.level", "info")

	bindEnv()
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	// CONSUMER_TIMEOUT_MS is a plain millisecond integer, not a Go duration
	// string, so it is parsed with the same helper the rest of the ambient
	// stack uses rather than relying on viper's duration decode hook.
	AppConfig.Server.ConsumerTimeout = utils.EnvOrDefaultDuration("CONSUMER_TIMEOUT_MS", AppConfig.Server.ConsumerTimeout)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CONFIG_FILE environment
// variable to locate an optional config file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CONFIG_FILE", ""))
}

func bindEnv() {
	_ = viper.BindEnv("chain.contract_id", "CONTRACT_ID")
	_ = viper.BindEnv("chain.start_block", "START_BLOCK")
	_ = viper.BindEnv("store.url", "KV_URL")
	_ = viper.BindEnv("server.listen_addr", "LISTEN_ADDR")
	_ = viper.BindEnv("server.admin_token", "ADMIN_TOKEN")
	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
	// server.consumer_timeout is intentionally not bound here: CONSUMER_TIMEOUT_MS
	// is a plain millisecond integer, applied after Unmarshal in Load, not a Go
	// duration string viper's decode hook could parse directly.
}
