// Package config loads the daemon's TOML configuration file.
package config

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the parsed printd.toml. Durations are whole seconds, matching
// the scheduler's clock.
type Config struct {
	// Listen addresses for client connections.
	Listen []string `toml:"listen"`

	// Timeout closes clients idle longer than this.
	Timeout int64 `toml:"timeout"`
	// ReloadTimeout bounds the reload quiesce.
	ReloadTimeout int64 `toml:"reload_timeout"`

	MaxClients        int `toml:"max_clients"`
	MaxClientsPerTick int `toml:"max_clients_per_tick"`

	Browsing       bool  `toml:"browsing"`
	BrowsePort     int   `toml:"browse_port"`
	BrowseInterval int64 `toml:"browse_interval"`
	BrowseTimeout  int64 `toml:"browse_timeout"`

	// RootCertDuration rotates the root certificate on this cadence;
	// zero disables rotation.
	RootCertDuration int64 `toml:"root_cert_duration"`

	ServerRoot string `toml:"server_root"`
	SpoolDir   string `toml:"spool_dir"`

	// AdminAddr binds the localhost admin API; empty disables it.
	AdminAddr string `toml:"admin_addr"`

	// RedisAddr enables the catalogue mirror; empty disables it.
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`

	RunAsUser bool   `toml:"run_as_user"`
	LogLevel  string `toml:"log_level"`

	Printers []PrinterConfig `toml:"printer"`
}

// PrinterConfig is one [[printer]] block.
type PrinterConfig struct {
	Name     string `toml:"name"`
	URI      string `toml:"uri"`
	Info     string `toml:"info"`
	Location string `toml:"location"`
	Shared   bool   `toml:"shared"`
	// Filters are command lines run ahead of the backend, in order.
	Filters []string `toml:"filters"`
}

// FilterArgv splits a filter command line into an argv.
func (p PrinterConfig) FilterArgv() [][]string {
	argvs := make([][]string, 0, len(p.Filters))
	for _, line := range p.Filters {
		if fields := strings.Fields(line); len(fields) > 0 {
			argvs = append(argvs, fields)
		}
	}
	return argvs
}

// Load parses and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "validate %s", path)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen:            []string{"127.0.0.1:6631"},
		Timeout:           300,
		ReloadTimeout:     60,
		MaxClients:        100,
		MaxClientsPerTick: 10,
		BrowsePort:        6632,
		BrowseInterval:    30,
		BrowseTimeout:     300,
		RootCertDuration:  300,
		ServerRoot:        "/var/run/printd",
		SpoolDir:          "/var/spool/printd",
		AdminAddr:         "127.0.0.1:8631",
		LogLevel:          "info",
	}
}

func (c *Config) validate() error {
	if len(c.Listen) == 0 {
		return errors.New("no listen addresses")
	}
	if c.Timeout < 1 {
		return errors.New("timeout must be at least 1 second")
	}
	if c.ReloadTimeout < 1 {
		return errors.New("reload_timeout must be at least 1 second")
	}
	if c.Browsing && c.BrowseInterval < 1 {
		return errors.New("browse_interval must be at least 1 second when browsing")
	}

	seen := make(map[string]struct{}, len(c.Printers))
	for _, p := range c.Printers {
		if p.Name == "" {
			return errors.New("printer with empty name")
		}
		if p.URI == "" {
			return errors.Errorf("printer %q has no uri", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return errors.Errorf("duplicate printer %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
