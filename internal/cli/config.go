package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	maxWalkDepth = 25
)

// ConfigFileNames are searched for in each directory, in order.
var ConfigFileNames = []string{"pgm.yaml", "pgm.yml"}

// Config represents the pgm configuration from pgm.yaml.
type Config struct {
	// Path is the project directory holding functions/, migrations/, etc.
	Path string `mapstructure:"path" json:"path"`

	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger" json:"ledger"`
	Log      LogConfig      `mapstructure:"log" json:"log"`

	// Per-command configuration
	Init   InitConfig   `mapstructure:"init" json:"init"`
	Apply  ApplyConfig  `mapstructure:"apply" json:"apply"`
	Doctor DoctorConfig `mapstructure:"doctor" json:"doctor"`
}

// DatabaseConfig holds database connection settings. When neither url nor
// host is set, the driver falls back to the libpq environment (PGHOST, ...).
type DatabaseConfig struct {
	URL      string `mapstructure:"url" json:"url"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Name     string `mapstructure:"name" json:"name"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`

	// Driver selects the database/sql driver: "pgx" or "postgres" (lib/pq).
	Driver string `mapstructure:"driver" json:"driver"`
}

// LedgerConfig holds ledger table settings.
type LedgerConfig struct {
	// Table may be schema-qualified.
	Table string `mapstructure:"table" json:"table"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// InitConfig holds init command settings.
type InitConfig struct {
	DumpCommand string `mapstructure:"dump_command" json:"dump_command"`
}

// ApplyConfig holds apply command settings.
type ApplyConfig struct {
	LockTimeout        time.Duration `mapstructure:"lock_timeout" json:"lock_timeout"`
	DriftPolicy        string        `mapstructure:"drift_policy" json:"drift_policy"`
	AllowOutOfOrder    bool          `mapstructure:"allow_out_of_order" json:"allow_out_of_order"`
	SkipBodyValidation bool          `mapstructure:"skip_body_validation" json:"skip_body_validation"`
}

// DoctorConfig holds doctor command settings.
type DoctorConfig struct {
	Verbose bool `mapstructure:"verbose" json:"verbose"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// A .env file in the working directory is loaded first; it never overrides
// variables already set in the environment.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, "", err
	}

	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("PGM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	// A relative project path in a config file is relative to that file.
	if configPath != "" && !filepath.IsAbs(cfg.Path) && v.InConfig("path") {
		cfg.Path = filepath.Join(filepath.Dir(configPath), cfg.Path)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("path", "postgres")

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "")
	v.SetDefault("database.driver", "pgx")

	v.SetDefault("ledger.table", "pgm_ledger")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("init.dump_command", "pg_dump --schema-only --no-owner --no-privileges")

	v.SetDefault("apply.lock_timeout", 10*time.Second)
	v.SetDefault("apply.drift_policy", "warn")
	v.SetDefault("apply.allow_out_of_order", false)
	v.SetDefault("apply.skip_body_validation", false)

	v.SetDefault("doctor.verbose", false)
}

// LoadDotEnv sets variables from a dotenv file that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return fmt.Errorf("setting %s from %s: %w", name, path, err)
		}
	}
	return nil
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for pgm.yaml or pgm.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range ConfigFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Stop at the repository root
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly. If host is set, a URL is
// built from the discrete fields. Otherwise DSN is empty and the driver reads
// the libpq environment variables.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}
	if db.Host == "" {
		if db.Name != "" || db.User != "" || db.Password != "" {
			return "", fmt.Errorf("database.host is required when database.url is not set")
		}
		return "", nil
	}

	host := db.Host
	if db.Port != 0 {
		host += ":" + strconv.Itoa(db.Port)
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + db.Name,
	}

	if db.User != "" {
		if db.Password != "" {
			u.User = url.UserPassword(db.User, db.Password)
		} else {
			u.User = url.User(db.User)
		}
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// DriverName returns the database/sql driver to open, validating the
// configured value.
func (c *Config) DriverName() (string, error) {
	switch strings.ToLower(c.Database.Driver) {
	case "", "pgx":
		return "pgx", nil
	case "postgres", "pq", "lib/pq":
		return "postgres", nil
	}
	return "", fmt.Errorf("unknown database.driver %q (want pgx or postgres)", c.Database.Driver)
}

// ResolvedPath returns the effective project path, with a command flag
// taking precedence over configuration.
func (c *Config) ResolvedPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return c.Path
}
