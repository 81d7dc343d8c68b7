package cli

import (
	"github.com/rs/zerolog"

	"guardloop/internal/config"
)

// CLIContext bundles the resources every subcommand needs once the root
// command's PersistentPreRunE has loaded configuration and initialized
// logging.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
}

// NewCLIContext builds a CLIContext.
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger) *CLIContext {
	return &CLIContext{Config: cfg, ConfigPath: configPath, Logger: log}
}
