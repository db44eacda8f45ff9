package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen            string       `yaml:"listen"`
	ReadTimeoutMs     int          `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int          `yaml:"write_timeout_ms"`
	TrustedProxies    []string     `yaml:"trusted_proxy_cidrs"`
	TrustedProxyCIDRs []*net.IPNet `yaml:"-"`
}

type GateCfg struct {
	Variant             string `yaml:"variant"` // mode | opt_in
	Mode                string `yaml:"mode"`    // inclusion | exclusion (variant "mode" only)
	Enable              Toggle `yaml:"enable"`  // root scope toggle inherited by routes
	AllowHeaderFallback bool   `yaml:"allow_header_fallback"`
	HeaderName          string `yaml:"header_name"`
	CookieName          string `yaml:"cookie_name"`
	Secret              string `yaml:"secret"`
	DifficultyBits      string `yaml:"difficulty_bits"`
	TTL                 string `yaml:"ttl"`
	PageTemplate        string `yaml:"page_template"` // optional HTML file replacing the embedded page
}

type RouteCfg struct {
	Prefix string     `yaml:"prefix"`
	Host   string     `yaml:"host"`
	Origin string     `yaml:"origin"`
	Enable Toggle     `yaml:"enable"`
	Routes []RouteCfg `yaml:"routes"`
}

type ProxyCfg struct {
	Origin              string     `yaml:"origin"`
	TimeoutMs           int        `yaml:"timeout_ms"`
	IdleTimeoutMs       int        `yaml:"idle_timeout_ms"`
	MaxIdleConns        int        `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int        `yaml:"max_idle_conns_per_host"`
	Breaker             BreakerCfg `yaml:"circuit_breaker"`
}

// BreakerCfg tunes the per-origin circuit breaker. Disabled turns it off.
type BreakerCfg struct {
	Disabled         bool `yaml:"disabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	SuccessThreshold int  `yaml:"success_threshold"`
	OpenTimeoutMs    int  `yaml:"open_timeout_ms"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug

	// AnonymizeClientIP logs a keyed hash of the client network instead of the address.
	AnonymizeClientIP bool `yaml:"anonymize_client_ip"`

	// File, when set, also writes JSON logs to a size-rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Config struct {
	Server  ServerCfg  `yaml:"server"`
	Gate    GateCfg    `yaml:"gate"`
	Routes  []RouteCfg `yaml:"routes"`
	Proxy   ProxyCfg   `yaml:"proxy"`
	Logging LoggingCfg `yaml:"logging"`
}

// Load reads a YAML config file and fills in defaults. Validate must be
// called before the config is used.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes and applies env overrides and defaults.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if s := os.Getenv("POWGATE_SECRET"); s != "" {
		cfg.Gate.Secret = s
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 30000
	}
	if c.Gate.Variant == "" {
		c.Gate.Variant = string(VariantOptIn)
	}
	if c.Gate.Mode == "" {
		c.Gate.Mode = string(ModeExclusion)
	}
	if c.Gate.CookieName == "" {
		c.Gate.CookieName = "pow"
	}
	if c.Gate.HeaderName == "" {
		c.Gate.HeaderName = "X-Pow"
	}
	if c.Gate.DifficultyBits == "" {
		c.Gate.DifficultyBits = "18"
	}
	if c.Gate.TTL == "" {
		c.Gate.TTL = "120s"
	}
	if c.Proxy.TimeoutMs == 0 {
		c.Proxy.TimeoutMs = 10000
	}
	if c.Proxy.IdleTimeoutMs == 0 {
		c.Proxy.IdleTimeoutMs = 90000
	}
	if c.Proxy.MaxIdleConns == 0 {
		c.Proxy.MaxIdleConns = 100
	}
	if c.Proxy.MaxIdleConnsPerHost == 0 {
		c.Proxy.MaxIdleConnsPerHost = 10
	}
	if c.Proxy.Breaker.FailureThreshold == 0 {
		c.Proxy.Breaker.FailureThreshold = 5
	}
	if c.Proxy.Breaker.SuccessThreshold == 0 {
		c.Proxy.Breaker.SuccessThreshold = 2
	}
	if c.Proxy.Breaker.OpenTimeoutMs == 0 {
		c.Proxy.Breaker.OpenTimeoutMs = 30000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
}

// Validate checks the config shape. Secret, difficulty and TTL are checked
// by NewModuleConfig, which Build calls.
func (c *Config) Validate() error {
	switch Variant(c.Gate.Variant) {
	case VariantMode, VariantOptIn:
	default:
		return errors.New("gate.variant must be 'mode' or 'opt_in'")
	}
	switch Mode(c.Gate.Mode) {
	case ModeInclusion, ModeExclusion:
	default:
		return errors.New("gate.mode must be 'inclusion' or 'exclusion'")
	}
	if Variant(c.Gate.Variant) == VariantOptIn && c.Gate.AllowHeaderFallback {
		return errors.New("gate.allow_header_fallback requires gate.variant 'mode'")
	}
	if strings.ContainsAny(c.Gate.CookieName, "=; \t") {
		return fmt.Errorf("gate.cookie_name %q is not a valid cookie name", c.Gate.CookieName)
	}
	if c.Gate.HeaderName == "" {
		return errors.New("gate.header_name must not be empty")
	}
	if c.Proxy.TimeoutMs < 0 || c.Proxy.IdleTimeoutMs < 0 {
		return errors.New("proxy timeouts must be >= 0")
	}
	if b := c.Proxy.Breaker; b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.OpenTimeoutMs < 0 {
		return errors.New("proxy.circuit_breaker values must be >= 0")
	}
	c.Server.TrustedProxyCIDRs = c.Server.TrustedProxyCIDRs[:0]
	for _, s := range c.Server.TrustedProxies {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy cidr %q: %w", s, err)
		}
		c.Server.TrustedProxyCIDRs = append(c.Server.TrustedProxyCIDRs, n)
	}
	return validateRoutes(c.Routes, "")
}

func validateRoutes(routes []RouteCfg, parent string) error {
	for _, r := range routes {
		p := r.Prefix
		if p == "" {
			p = parent
		}
		if p == "" {
			p = "/"
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("route prefix %q must start with '/'", r.Prefix)
		}
		if parent != "" && !matchPrefix(parent, p) {
			return fmt.Errorf("route prefix %q is not under parent %q", p, parent)
		}
		if err := validateRoutes(r.Routes, p); err != nil {
			return err
		}
	}
	return nil
}

// Build resolves the immutable module and route configuration. Any error
// means the gate must not start serving.
func (c *Config) Build() (*ModuleConfig, *RouteTable, error) {
	mod, err := NewModuleConfig([]byte(c.Gate.Secret), c.Gate.DifficultyBits, c.Gate.TTL)
	if err != nil {
		return nil, nil, err
	}
	return mod, BuildRouteTable(c), nil
}
