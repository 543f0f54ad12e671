// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gh-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel    string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Allowlist   []string         `kong:"help='Comma-separated upstream hosts; replaces [[proxy.allow]] rules.',env='ALLOWLIST'"`
	CDNRedirect bool             `kong:"name='cdn-redirect',help='Redirect raw-content requests to the CDN mirror.',env='CDN_REDIRECT'"`
	Version     kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int         `toml:"timeout_seconds"`
	IdleConnections int         `toml:"idle_connections"`
	HTTP2           bool        `toml:"http2"`
	MaxRedirects    int         `toml:"max_redirects"`
	Retry           RetryConfig `toml:"retry"`
}

// RetryConfig controls retries of the initial upstream fetch.
type RetryConfig struct {
	Disabled bool `toml:"disabled"`
	Attempts int  `toml:"attempts"`
	DelayMS  int  `toml:"delay_ms"`
}

// ProxyConfig holds target resolution and allowlist policy.
type ProxyConfig struct {
	DefaultHost                string        `toml:"default_host"`
	Routes                     []RouteConfig `toml:"routes"`
	Allow                      []AllowRule   `toml:"allow"`
	RedirectOnly               []string      `toml:"redirect_only"`
	BlobToRaw                  bool          `toml:"blob_to_raw"`
	CDNRedirect                bool          `toml:"cdn_redirect"`
	CDNBaseURL                 string        `toml:"cdn_base_url"`
	PreserveConditionalHeaders bool          `toml:"preserve_conditional_headers"`
	AllowPrivateNetworks       bool          `toml:"allow_private_networks"`
	SizeLimitBytes             int64         `toml:"size_limit_bytes"`
}

// RouteConfig maps a leading path token to an upstream base URL. With
// HostSegment set, the segment after the token names the upstream host, which
// must be the base URL's host or one of its subdomains.
type RouteConfig struct {
	Token       string `toml:"token"`
	BaseURL     string `toml:"base_url"`
	HostSegment bool   `toml:"host_segment"`
}

// AllowRule is one allowlist entry. Kind is host, domain or wildcard.
type AllowRule struct {
	Kind    string   `toml:"kind"`
	Value   string   `toml:"value"`
	Path    string   `toml:"path"`
	Methods []string `toml:"methods"`
}

// RewriteConfig controls textual response body rewriting.
type RewriteConfig struct {
	Enabled      bool  `toml:"enabled"`
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultRoutes are the prefix tokens used when [[proxy.routes]] is empty.
var DefaultRoutes = []RouteConfig{
	{Token: "raw", BaseURL: "https://raw.githubusercontent.com"},
	{Token: "gist", BaseURL: "https://gist.githubusercontent.com"},
	{Token: "avatar", BaseURL: "https://avatars.githubusercontent.com"},
	{Token: "assets", BaseURL: "https://github.githubassets.com"},
	{Token: "codeload", BaseURL: "https://codeload.github.com"},
	{Token: "io", BaseURL: "https://github.io", HostSegment: true},
}

var tokenPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// reservedPaths are served by the proxy itself and cannot be route tokens or the metrics path.
var reservedPaths = []string{"/healthz", "/proxy/status", "/favicon.ico", "/robots.txt"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/gh-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.Allowlist) > 0 {
		rules := make([]AllowRule, 0, len(cli.Allowlist))
		for _, h := range cli.Allowlist {
			if h = strings.TrimSpace(h); h != "" {
				rules = append(rules, AllowRule{Kind: "host", Value: h})
			}
		}
		c.Proxy.Allow = rules
	}
	if cli.CDNRedirect {
		c.Proxy.CDNRedirect = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 || c.Upstream.MaxRedirects > 20 {
		return fmt.Errorf("upstream.max_redirects must be 0–20; got %d", c.Upstream.MaxRedirects)
	}
	if c.Upstream.Retry.Attempts < 0 || c.Upstream.Retry.Attempts > 10 {
		return fmt.Errorf("upstream.retry.attempts must be 0–10; got %d", c.Upstream.Retry.Attempts)
	}
	if c.Upstream.Retry.DelayMS < 0 {
		return fmt.Errorf("upstream.retry.delay_ms must be non-negative; got %d", c.Upstream.Retry.DelayMS)
	}
	if c.Proxy.SizeLimitBytes < 0 {
		return fmt.Errorf("proxy.size_limit_bytes must be non-negative; got %d", c.Proxy.SizeLimitBytes)
	}
	if c.Rewrite.MaxBodyBytes < 0 {
		return fmt.Errorf("rewrite.max_body_bytes must be non-negative; got %d", c.Rewrite.MaxBodyBytes)
	}

	// Proxy policy.
	if h := c.Proxy.DefaultHost; h != "" && strings.ContainsAny(h, "/:?# ") {
		return fmt.Errorf("proxy.default_host must be a bare hostname; got %q", h)
	}
	seen := make(map[string]bool, len(c.Proxy.Routes))
	for _, r := range c.Proxy.Routes {
		if !tokenPattern.MatchString(r.Token) {
			return fmt.Errorf("proxy.routes token %q must be a lowercase path segment", r.Token)
		}
		if seen[r.Token] {
			return fmt.Errorf("proxy.routes token %q is duplicated", r.Token)
		}
		seen[r.Token] = true
		for _, reserved := range reservedPaths {
			if "/"+r.Token == reserved {
				return fmt.Errorf("proxy.routes token %q conflicts with reserved route %q", r.Token, reserved)
			}
		}
		if err := validateBaseURL("proxy.routes base_url", r.BaseURL); err != nil {
			return err
		}
		if r.HostSegment {
			if u, _ := url.Parse(r.BaseURL); strings.Trim(u.Path, "/") != "" || u.Port() != "" {
				return fmt.Errorf("proxy.routes token %q: host_segment base_url must be scheme://domain; got %q", r.Token, r.BaseURL)
			}
		}
	}
	for _, r := range c.Proxy.Allow {
		switch strings.ToLower(r.Kind) {
		case "host", "domain", "wildcard", "":
			// valid; empty means host
		default:
			return fmt.Errorf("proxy.allow kind must be one of: host, domain, wildcard; got %q", r.Kind)
		}
		if strings.TrimSpace(r.Value) == "" {
			return fmt.Errorf("proxy.allow value is required")
		}
		if r.Path != "" {
			if _, err := regexp.Compile(r.Path); err != nil {
				return fmt.Errorf("proxy.allow path %q is not a valid regexp: %w", r.Path, err)
			}
		}
	}
	if c.Proxy.CDNBaseURL != "" {
		if err := validateBaseURL("proxy.cdn_base_url", c.Proxy.CDNBaseURL); err != nil {
			return err
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled). Any other path is a
	// proxy path, so only the fixed routes can conflict.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the landing page", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateBaseURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 100 * 1024 * 1024 // 100 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 8
	}
	if c.Upstream.Retry.Attempts == 0 {
		c.Upstream.Retry.Attempts = 3
	}
	if c.Upstream.Retry.DelayMS == 0 {
		c.Upstream.Retry.DelayMS = 1000
	}
	if c.Proxy.DefaultHost == "" {
		c.Proxy.DefaultHost = "github.com"
	}
	if len(c.Proxy.Routes) == 0 {
		c.Proxy.Routes = append([]RouteConfig(nil), DefaultRoutes...)
	}
	if c.Proxy.CDNBaseURL == "" {
		c.Proxy.CDNBaseURL = "https://cdn.jsdelivr.net/gh"
	}
	if len(c.Proxy.RedirectOnly) == 0 {
		c.Proxy.RedirectOnly = []string{"cdn.jsdelivr.net"}
	}
	if c.Rewrite.MaxBodyBytes == 0 {
		c.Rewrite.MaxBodyBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
