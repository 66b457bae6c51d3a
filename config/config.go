// CLAUDE:SUMMARY Defines devbrowser config structs, parses YAML files and applies DEVBROWSER_* env overrides and defaults.
// Package config handles devbrowser configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort    = 9224
	DefaultCDPPort = 9223
	DefaultTimeout = 30 * time.Second
	DefaultMaxBody = 8 << 20
)

// Config is the top-level devbrowser configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Browser  BrowserConfig `yaml:"browser"`
	Tools    ToolsConfig   `yaml:"tools"`
	Audit    AuditConfig   `yaml:"audit"`
	StateDir string        `yaml:"state_dir"`
}

// ServerConfig controls the control API listener. URL is what clients dial.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	URL     string `yaml:"url"`
	MaxBody int64  `yaml:"max_body"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	CDPPort          int      `yaml:"cdp_port"`
	Headless         *bool    `yaml:"headless"`
	ProfileDir       string   `yaml:"profile_dir"`
	Bin              string   `yaml:"bin"`
	Stealth          bool     `yaml:"stealth"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	Xvfb             bool     `yaml:"xvfb"`
	XvfbDisplay      string   `yaml:"xvfb_display"`
	XvfbScreen       string   `yaml:"xvfb_screen"`
}

// ToolsConfig controls the tool-call boundary.
type ToolsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	AllowEvaluate *bool         `yaml:"allow_evaluate"`
	// MaxNodes caps snapshot entries. Zero keeps the snapshot default.
	MaxNodes      int           `yaml:"max_nodes"`
}

// AuditConfig tunes the shared audit database. Server, MCP and CLI
// processes all write to it.
type AuditConfig struct {
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Synchronous string        `yaml:"synchronous"`
}

// IsHeadless reports the effective headless flag.
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

// EvaluateAllowed reports whether the evaluate tool is enabled.
func (t ToolsConfig) EvaluateAllowed() bool {
	return t.AllowEvaluate == nil || *t.AllowEvaluate
}

// Addr is the listen address of the control API.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path when non-empty, then applies environment overrides and
// defaults. A missing file at path is an error.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyEnv overrides fields from DEVBROWSER_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DEVBROWSER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: DEVBROWSER_PORT: %w", err)
		}
		c.Server.Port = n
	}
	if v := getenv("DEVBROWSER_CDP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: DEVBROWSER_CDP_PORT: %w", err)
		}
		c.Browser.CDPPort = n
	}
	if v := getenv("DEVBROWSER_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: DEVBROWSER_HEADLESS: %w", err)
		}
		c.Browser.Headless = &b
	}
	if v := getenv("DEVBROWSER_PROFILE_DIR"); v != "" {
		c.Browser.ProfileDir = v
	}
	if v := getenv("DEVBROWSER_SERVER"); v != "" {
		c.Server.URL = v
	}
	if v := getenv("DEVBROWSER_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	return nil
}

// Validate checks ranges after defaults have been applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Browser.CDPPort <= 0 || c.Browser.CDPPort > 65535 {
		errs = append(errs, fmt.Errorf("browser.cdp_port %d out of range", c.Browser.CDPPort))
	}
	if c.Browser.CDPPort == c.Server.Port {
		errs = append(errs, errors.New("browser.cdp_port and server.port must differ"))
	}
	if c.Tools.Timeout < 0 {
		errs = append(errs, errors.New("tools.timeout must not be negative"))
	}
	if c.Tools.MaxNodes < 0 {
		errs = append(errs, errors.New("tools.max_nodes must not be negative"))
	}
	if c.Audit.BusyTimeout < 0 {
		errs = append(errs, errors.New("audit.busy_timeout must not be negative"))
	}
	switch c.Audit.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, fmt.Errorf("audit.synchronous %q: want OFF, NORMAL, FULL or EXTRA", c.Audit.Synchronous))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir()
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.URL == "" {
		c.Server.URL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	c.Server.URL = strings.TrimRight(c.Server.URL, "/")
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = DefaultMaxBody
	}
	if c.Browser.CDPPort == 0 {
		c.Browser.CDPPort = DefaultCDPPort
	}
	if c.Browser.ProfileDir == "" {
		c.Browser.ProfileDir = filepath.Join(c.StateDir, "profile")
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = DefaultTimeout
	}
	if c.Audit.BusyTimeout == 0 {
		c.Audit.BusyTimeout = 10 * time.Second
	}
	c.Audit.Synchronous = strings.ToUpper(c.Audit.Synchronous)
	if c.Audit.Synchronous == "" {
		c.Audit.Synchronous = "NORMAL"
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devbrowser"
	}
	return filepath.Join(home, ".devbrowser")
}
