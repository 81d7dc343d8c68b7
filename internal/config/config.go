package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ControlAPIConfig configures the HTTP Control API surface.
type ControlAPIConfig struct {
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" yaml:"port"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// GatewayConfig configures the listener agents dial into.
type GatewayConfig struct {
	ListenHost string `mapstructure:"listen_host" yaml:"listen_host"`
	ListenPort int    `mapstructure:"listen_port" yaml:"listen_port"`
}

// OracleConfig configures the Oracle Client's HTTP transport.
type OracleConfig struct {
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StateConfig locates the persisted state blob.
type StateConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// Config is the root infrastructure configuration, loaded once at startup
// from a YAML file via viper.
type Config struct {
	ControlAPI ControlAPIConfig `mapstructure:"control_api" yaml:"control_api"`
	Gateway    GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
	Oracle     OracleConfig     `mapstructure:"oracle" yaml:"oracle"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	State      StateConfig      `mapstructure:"state" yaml:"state"`
}

// Load reads configPath (creating none if absent — viper defaults then
// apply) and unmarshals it into a Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.State.Path == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}
		cfg.State.Path = p
	}

	return &cfg, nil
}

func isNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok || errors.Is(err, os.ErrNotExist)
}
