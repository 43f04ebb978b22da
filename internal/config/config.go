package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Europe/Berlin"
	defaultDatabase    = "evcal.db"
	defaultName        = "Community Events"
	defaultRefreshCron = "*/15 * * * *"
	defaultHorizonDays = 365
	defaultBackfill    = 30
	defaultLogLevel    = "info"
)

// CalendarConfig holds the calendar-level properties of published feeds.
type CalendarConfig struct {
	// Name is announced as X-WR-CALNAME.
	Name string `yaml:"name" json:"name" validate:"required"`
	// Description is announced as X-WR-CALDESC when set.
	Description string `yaml:"description" json:"description"`
	// ProdID overrides the PRODID property.
	ProdID string `yaml:"prod_id" json:"prod_id"`
	// UIDDomain is appended to generated UIDs ("<uuid>@<domain>").
	UIDDomain string `yaml:"uid_domain" json:"uid_domain" validate:"omitempty,hostname"`
}

// FeedConfig controls the rolling window of the public feed.
type FeedConfig struct {
	// HorizonDays is the number of future days to publish.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" validate:"min=1,max=3660"`
	// BackfillDays is the number of past days kept in the feed.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days" validate:"min=0,max=3660"`
	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required"`
	// IncludeCancelled publishes cancelled instances as STATUS:CANCELLED so
	// that subscribed clients drop them.
	IncludeCancelled *bool `yaml:"include_cancelled" json:"include_cancelled"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA zone of series without their own zone and of the
	// feed window (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database" validate:"required"`

	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Feed     FeedConfig     `yaml:"feed" json:"feed"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	includeCancelled := true
	return &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		Database: defaultDatabase,
		Calendar: CalendarConfig{
			Name: defaultName,
		},
		Feed: FeedConfig{
			HorizonDays:      defaultHorizonDays,
			BackfillDays:     defaultBackfill,
			RefreshCron:      defaultRefreshCron,
			IncludeCancelled: &includeCancelled,
		},
		LogLevel: defaultLogLevel,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if strings.TrimSpace(c.Calendar.Name) == "" {
		c.Calendar.Name = defaultName
	}
	if c.Feed.RefreshCron == "" {
		c.Feed.RefreshCron = defaultRefreshCron
	}
	if c.Feed.HorizonDays <= 0 {
		c.Feed.HorizonDays = defaultHorizonDays
	}
	if c.Feed.BackfillDays < 0 {
		c.Feed.BackfillDays = 0
	}
	if c.Feed.IncludeCancelled == nil {
		v := true
		c.Feed.IncludeCancelled = &v
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	// 빈 사용자명 또는 비밀번호는 비활성화로 취급한다.
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		c.BasicAuth = nil
	}
}

var validate = validator.New()

// Validate checks field constraints plus the values the tags cannot express:
// a loadable time zone and a parsable refresh schedule.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.Feed.RefreshCron); err != nil {
		return fmt.Errorf("invalid config: feed.refresh %q: %w", c.Feed.RefreshCron, err)
	}
	return nil
}

// Location returns the configured zone, or UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IncludeCancelled reports the effective feed.include_cancelled value.
func (c *Config) IncludeCancelled() bool {
	return c.Feed.IncludeCancelled == nil || *c.Feed.IncludeCancelled
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".evcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
