// Package config provides configuration management for the reconciliation engine.
// It loads configuration from environment variables, .env files and an optional
// YAML tolerance file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database DatabaseConfig
	Matching MatchingConfig
	Paths    PathsConfig
	Audit    AuditConfig
	Schedule ScheduleConfig
	Profiles map[string]ProfileConfig
	Debug    bool
}

// DatabaseConfig selects the ledger store backend.
type DatabaseConfig struct {
	Driver string // "sqlite3" or "postgres"
	DSN    string // postgres connection string; sqlite uses Paths.DBPath
}

// MatchingConfig holds the tunable tolerances. None of these are verified
// business rules; the defaults are representative values.
type MatchingConfig struct {
	Epsilon            decimal.Decimal `yaml:"-"`
	EpsilonText        string          `yaml:"epsilon"`
	WindowDays         int             `yaml:"window_days"`
	ClearingWindowDays int             `yaml:"clearing_window_days"`
	SplitTrailingDays  int             `yaml:"split_trailing_days"`
	FuzzyThreshold     float64         `yaml:"fuzzy_threshold"`
	MaxSplitPool       int             `yaml:"max_split_pool"`
}

// PathsConfig represents filesystem locations.
type PathsConfig struct {
	Root       string
	DBPath     string
	ArchiveDir string
}

// AuditConfig configures where audit events are published.
type AuditConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// ScheduleConfig configures the periodic sweep.
type ScheduleConfig struct {
	Spec     string
	TimeZone string
	Accounts []string
}

// ProfileConfig overrides the built-in column layout of a source system.
type ProfileConfig struct {
	Date         string   `yaml:"date"`
	Description  string   `yaml:"description"`
	Amount       string   `yaml:"amount"`
	Debit        string   `yaml:"debit"`
	Credit       string   `yaml:"credit"`
	ExternalRef  string   `yaml:"external_ref"`
	Account      string   `yaml:"account"`
	DateLayouts  []string `yaml:"date_layouts"`
	Negate       *bool    `yaml:"negate"`
	ClearingRail *bool    `yaml:"clearing_rail"`
	DecimalComma *bool    `yaml:"decimal_comma"`
}

// toleranceFile is the on-disk layout of RECON_TOLERANCES_FILE.
type toleranceFile struct {
	Matching MatchingConfig           `yaml:"matching"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

// DefaultMatching returns the representative default tolerances.
func DefaultMatching() MatchingConfig {
	return MatchingConfig{
		Epsilon:            decimal.RequireFromString("0.01"),
		WindowDays:         7,
		ClearingWindowDays: 2,
		SplitTrailingDays:  3,
		FuzzyThreshold:     0.80,
		MaxSplitPool:       20,
	}
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	// Load .env file
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		// Try to load .env from current directory (ignore error if not found)
		_ = godotenv.Load()
	}

	config := &Config{
		Database: DatabaseConfig{
			Driver: getEnvOrDefault("RECON_DB_DRIVER", "sqlite3"),
			DSN:    os.Getenv("RECON_DB_DSN"),
		},
		Matching: DefaultMatching(),
		Paths: PathsConfig{
			Root:       getEnvOrDefault("RECON_ROOT", "./recon"),
			DBPath:     os.Getenv("RECON_DB_PATH"),
			ArchiveDir: os.Getenv("RECON_ARCHIVE_DIR"),
		},
		Audit: AuditConfig{
			KafkaBrokers: splitList(os.Getenv("RECON_KAFKA_BROKERS")),
			KafkaTopic:   getEnvOrDefault("RECON_KAFKA_TOPIC", "reconciliation_runs"),
		},
		Schedule: ScheduleConfig{
			Spec:     getEnvOrDefault("RECON_SCHEDULE", "0 2 * * *"),
			TimeZone: getEnvOrDefault("RECON_TIMEZONE", "America/Edmonton"),
			Accounts: splitList(os.Getenv("RECON_SCHEDULE_ACCOUNTS")),
		},
		Debug: os.Getenv("DEBUG") == "true",
	}

	if path := os.Getenv("RECON_TOLERANCES_FILE"); path != "" {
		if err := config.loadToleranceFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyMatchingEnv(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadToleranceFile merges a YAML tolerance file into the configuration.
// Zero values in the file keep the defaults.
func (c *Config) loadToleranceFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tolerance file: %w", err)
	}

	var file toleranceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	m := file.Matching
	if m.EpsilonText != "" {
		eps, err := decimal.NewFromString(m.EpsilonText)
		if err != nil {
			return fmt.Errorf("invalid matching.epsilon %q: %w", m.EpsilonText, err)
		}
		c.Matching.Epsilon = eps
	}
	if m.WindowDays > 0 {
		c.Matching.WindowDays = m.WindowDays
	}
	if m.ClearingWindowDays > 0 {
		c.Matching.ClearingWindowDays = m.ClearingWindowDays
	}
	if m.SplitTrailingDays > 0 {
		c.Matching.SplitTrailingDays = m.SplitTrailingDays
	}
	if m.FuzzyThreshold > 0 {
		c.Matching.FuzzyThreshold = m.FuzzyThreshold
	}
	if m.MaxSplitPool > 0 {
		c.Matching.MaxSplitPool = m.MaxSplitPool
	}
	c.Profiles = file.Profiles

	return nil
}

// applyMatchingEnv lets environment variables override tolerances.
func (c *Config) applyMatchingEnv() error {
	if v := os.Getenv("RECON_EPSILON"); v != "" {
		eps, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("invalid RECON_EPSILON: %w", err)
		}
		c.Matching.Epsilon = eps
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RECON_WINDOW_DAYS", &c.Matching.WindowDays},
		{"RECON_CLEARING_WINDOW_DAYS", &c.Matching.ClearingWindowDays},
		{"RECON_SPLIT_TRAILING_DAYS", &c.Matching.SplitTrailingDays},
		{"RECON_MAX_SPLIT_POOL", &c.Matching.MaxSplitPool},
	}
	for _, i := range ints {
		v, err := parseIntEnv(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = v
	}

	if v := os.Getenv("RECON_FUZZY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return fmt.Errorf("invalid RECON_FUZZY_THRESHOLD: %s", v)
		}
		c.Matching.FuzzyThreshold = f
	}

	return nil
}

// Validate validates the configuration.
// It checks if all required fields are set.
func (c *Config) Validate(required ...[]string) error {
	var missing []string

	for _, path := range required {
		if len(path) < 2 {
			continue
		}

		var value string
		switch path[0] {
		case "database":
			switch path[1] {
			case "driver":
				value = c.Database.Driver
			case "dsn":
				value = c.Database.DSN
				if c.Database.Driver == "sqlite3" {
					value = "set"
				}
			}
		case "paths":
			switch path[1] {
			case "root":
				value = c.Paths.Root
			case "archiveDir":
				value = c.Paths.ArchiveDir
			}
		case "schedule":
			switch path[1] {
			case "spec":
				value = c.Schedule.Spec
			case "accounts":
				value = strings.Join(c.Schedule.Accounts, ",")
			}
		}

		if value == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v\nPlease check your .env file or environment variables", missing)
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported RECON_DB_DRIVER %q (want sqlite3 or postgres)", c.Database.Driver)
	}

	return nil
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an int from an environment variable.
// Returns defaultValue if the environment variable is not set.
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid integer value for %s: %s", key, value)
	}

	return parsed, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
