package conductor

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config holds runtime settings for embedding conductor or running its CLI.
//
// Precedence (highest to lowest):
//  1. Environment variables with the CONDUCTOR_ prefix
//     (CONDUCTOR_DATA_DIR, CONDUCTOR_BUDGET_TOTAL, ...)
//  2. YAML config file
//  3. Defaults
type Config struct {
	DataDir     string       `koanf:"data_dir"`
	LogsDir     string       `koanf:"logs_dir"`
	PostgresDSN string       `koanf:"postgres_dsn"`
	Budget      BudgetConfig `koanf:"budget"`
	GateRetries int          `koanf:"gate_retries"`
	Verbose     bool         `koanf:"verbose"`
	JSONLogs    bool         `koanf:"json_logs"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		GateRetries: DefaultGateRetries,
		Budget: BudgetConfig{
			Thresholds: append([]int(nil), DefaultBudgetThresholds...),
		},
	}
}

// LoadConfig loads configuration from an optional YAML file and the
// environment. A missing file is not an error; environment variables still
// apply over the defaults.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// CONDUCTOR_BUDGET_TOTAL -> budget.total, CONDUCTOR_DATA_DIR -> data_dir
	if err := k.Load(env.Provider("CONDUCTOR_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "CONDUCTOR_"))
		for _, section := range []string{"budget_"} {
			if strings.HasPrefix(key, section) {
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
			}
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Budget.Total < 0 {
		return NewValidationError("budget total must not be negative")
	}
	if len(c.Budget.Thresholds) > 0 && !validThresholds(c.Budget.Thresholds) {
		return NewValidationError("budget thresholds must be ascending percentages in (0, 100]")
	}
	if c.GateRetries < 0 {
		return NewValidationError("gate_retries must not be negative")
	}
	return nil
}
