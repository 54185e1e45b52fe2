package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application options. Session parameters come from the
// session stream instead, see SessionConfig.
type Config struct {
	Input   InputConfig   `yaml:"input"   mapstructure:"input"`
	Output  OutputConfig  `yaml:"output"  mapstructure:"output"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Stats   StatsConfig   `yaml:"stats"   mapstructure:"stats"`
}

type InputConfig struct {
	// ConfigFile is the session stream; stdin when empty.
	ConfigFile string `yaml:"config_file" mapstructure:"config_file"`
	Wait       bool   `yaml:"wait"        mapstructure:"wait"`
}

type OutputConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type StatsConfig struct {
	ReportIntervalSec float64 `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string  `yaml:"export_file"         mapstructure:"export_file"`
}

// ReportInterval returns the report cadence as a time.Duration.
func (s StatsConfig) ReportInterval() time.Duration {
	return time.Duration(s.ReportIntervalSec * float64(time.Second))
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("input.wait", false)
	v.SetDefault("output.format", "pretty")
	v.SetDefault("logging.level", "info")
	v.SetDefault("stats.report_interval_sec", 1.0)
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	source := c.Input.ConfigFile
	if source == "" {
		source = "<stdin>"
	}
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Sessions:        %s\n", source))
	sb.WriteString(fmt.Sprintf("  Format:          %s\n", c.Output.Format))
	sb.WriteString(fmt.Sprintf("  Report Interval: %gs\n", c.Stats.ReportIntervalSec))
	if c.Stats.ExportFile != "" {
		sb.WriteString(fmt.Sprintf("  Export:          %s\n", c.Stats.ExportFile))
	}
	return sb.String()
}
