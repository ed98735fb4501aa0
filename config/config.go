// Package config loads the fleetsync configuration file. Portal credentials
// are deliberately absent from the file format: they come from the
// environment only, so a leaked config file never leaks an account.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vendtrak/fleetsync/portal"
)

// Duration is a time.Duration that unmarshals from YAML strings like "4h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Portal configures upstream access.
type Portal struct {
	BaseURL   string `yaml:"base_url"`
	LoginPath string `yaml:"login_path"`
	// WindowDays is the trailing sales window per capture, 1..30.
	WindowDays int               `yaml:"window_days"`
	Endpoints  []portal.Endpoint `yaml:"endpoints"`
	// Browser enables the headless-browser authenticator instead of the
	// form-post one, for portal versions with script-driven logins.
	Browser Browser `yaml:"browser"`
}

// Browser configures the headless-browser authenticator.
type Browser struct {
	Enabled bool `yaml:"enabled"`
	// RemoteURL attaches to an already-running Chrome instead of launching.
	RemoteURL string `yaml:"remote_url"`
	// BrowsePages are visited after login with passive capture attached.
	BrowsePages []string `yaml:"browse_pages"`
}

// Session configures token persistence.
type Session struct {
	Path   string   `yaml:"path"`
	MaxAge Duration `yaml:"max_age"`
}

// Store configures the durable record log.
type Store struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
	Currency  string   `yaml:"currency"`
}

// Diag configures the diagnostics database.
type Diag struct {
	Path string   `yaml:"path"`
	Keep Duration `yaml:"keep"`
}

// Scheduler configures the sync loop.
type Scheduler struct {
	Interval Duration `yaml:"interval"`
	// AutoStart arms the loop at boot; otherwise it waits for the control
	// endpoint.
	AutoStart bool `yaml:"auto_start"`
}

// API configures the distribution server.
type API struct {
	Addr string `yaml:"addr"`
}

// Config is the whole file.
type Config struct {
	Portal    Portal    `yaml:"portal"`
	Session   Session   `yaml:"session"`
	Store     Store     `yaml:"store"`
	Diag      Diag      `yaml:"diag"`
	Scheduler Scheduler `yaml:"scheduler"`
	API       API       `yaml:"api"`
	// ExtraAliases extends the normalizer's field alias tables per logical
	// field name.
	ExtraAliases map[string][]string `yaml:"extra_aliases"`
}

func (c *Config) applyDefaults() {
	if c.Portal.LoginPath == "" {
		c.Portal.LoginPath = "/Account/Login"
	}
	if c.Portal.WindowDays == 0 {
		c.Portal.WindowDays = 7
	}
	if c.Session.Path == "" {
		c.Session.Path = "data/session.json"
	}
	if c.Session.MaxAge <= 0 {
		c.Session.MaxAge = Duration(4 * time.Hour)
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/records.json"
	}
	if c.Store.Retention <= 0 {
		c.Store.Retention = Duration(365 * 24 * time.Hour)
	}
	if c.Store.Currency == "" {
		c.Store.Currency = "MYR"
	}
	if c.Diag.Path == "" {
		c.Diag.Path = "data/diag.db"
	}
	if c.Diag.Keep <= 0 {
		c.Diag.Keep = Duration(30 * 24 * time.Hour)
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = Duration(5 * time.Minute)
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8077"
	}
}

// Validate rejects configs that cannot possibly work.
func (c *Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("config: portal.base_url is required")
	}
	if c.Portal.WindowDays < 1 || c.Portal.WindowDays > 30 {
		return fmt.Errorf("config: portal.window_days must be 1..30, got %d", c.Portal.WindowDays)
	}
	return nil
}

// Load parses the YAML file at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Credentials reads the portal account from the environment. The config file
// never carries secrets.
func Credentials() (portal.Credentials, error) {
	creds := portal.Credentials{
		Username: os.Getenv("PORTAL_USERNAME"),
		Password: os.Getenv("PORTAL_PASSWORD"),
	}
	if creds.Username == "" || creds.Password == "" {
		return portal.Credentials{}, fmt.Errorf("config: PORTAL_USERNAME and PORTAL_PASSWORD must be set")
	}
	return creds, nil
}
