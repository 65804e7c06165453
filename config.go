package dbop

import (
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"gopkg.in/yaml.v3"

	"github.com/MacLaurinGroup/dbop/dialect"
	"github.com/MacLaurinGroup/dbop/dialect/sql"
)

// Config is the file configuration of a Client.
type Config struct {
	// Dialect is "mysql" or "sqlite".
	Dialect string `yaml:"dialect"`

	// DSN is the data source name passed to the driver.
	DSN string `yaml:"dsn"`

	// Timezone is the IANA zone dates are parsed in and fetched time values
	// are rendered in. Empty keeps time.Local and leaves fetched values alone.
	Timezone string `yaml:"timezone,omitempty"`

	// StripPrefix removes the separator nested decoding leaves on labels
	// without an alias.
	StripPrefix bool `yaml:"strip_prefix,omitempty"`

	// DropNulls removes null valued keys from fetched rows.
	DropNulls bool `yaml:"drop_nulls,omitempty"`

	// JSONColumns maps logical column prefixes to JSON columns for
	// DataTables filters.
	JSONColumns map[string]string `yaml:"json_columns,omitempty"`

	// ControlFields replaces the default control fields when set.
	ControlFields []string `yaml:"control_fields,omitempty"`

	// Debug logs every statement at debug level.
	Debug bool `yaml:"debug,omitempty"`

	// SlowThreshold enables statement statistics and logs statements
	// slower than the threshold, e.g. "200ms".
	SlowThreshold time.Duration `yaml:"slow_threshold,omitempty"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dbop: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("dbop: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Dialect {
	case dialect.MySQL, dialect.SQLite:
	case "":
		return errors.New("dbop: config: dialect is required")
	default:
		return fmt.Errorf("dbop: config: unsupported dialect %q", c.Dialect)
	}
	if c.DSN == "" {
		return errors.New("dbop: config: dsn is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SlowThreshold < 0 {
		return errors.New("dbop: config: slow_threshold must not be negative")
	}
	return nil
}

// Location returns the configured location, time.Local when none is set.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("dbop: config: timezone: %w", err)
	}
	return loc, nil
}

// Options returns the client options the configuration describes.
func (c *Config) Options() ([]Option, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	rowOpts := sql.RowOptions{StripPrefix: c.StripPrefix, DropNulls: c.DropNulls}
	if c.Timezone != "" {
		rowOpts.Location = loc
	}
	opts := []Option{
		WithLocation(loc),
		WithRowOptions(rowOpts),
		WithJSONColumns(c.JSONColumns),
	}
	if len(c.ControlFields) > 0 {
		opts = append(opts, WithControlFields(c.ControlFields...))
	}
	return opts, nil
}

// Open connects to the configured database and returns a Client. Options
// given here override the configuration.
func Open(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	drv, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	cfgOpts, err := cfg.Options()
	if err != nil {
		return nil, errors.Join(err, drv.Close())
	}
	c := NewClient(drv, append(cfgOpts, opts...)...)
	if cfg.Debug {
		c.drv = sql.NewDebugDriver(c.drv, sql.DebugWithLogger(c.log))
	}
	if cfg.SlowThreshold > 0 {
		c.drv = sql.NewStatsDriver(c.drv,
			sql.WithSlowThreshold(cfg.SlowThreshold),
			sql.WithSlowQueryLog(c.log),
		)
	}
	c.closer = drv
	return c, nil
}
