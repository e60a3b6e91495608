// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const minSecretLen = 32

type Config struct {
	Env      string `yaml:"env"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	PGDSN    string `yaml:"pg_dsn"`
	RedisURL string `yaml:"redis_url"`
	BaseURL  string `yaml:"base_url"`
	MailFrom string `yaml:"mail_from"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	OTLPEndpoint string   `yaml:"otlp_endpoint"`
	CORSOrigins  []string `yaml:"cors_origins"`
	// TrustedProxies are CIDRs or bare addresses of reverse proxies whose
	// X-Forwarded-For is believed. Empty means the peer address is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type AuthConfig struct {
	Secret          string        `yaml:"secret"`
	Issuer          string        `yaml:"issuer"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	ResetTTL        time.Duration `yaml:"reset_ttl"`
	InviteTTL       time.Duration `yaml:"invite_ttl"`
	TenantInviteTTL time.Duration `yaml:"tenant_invite_ttl"`
}

type RateLimitConfig struct {
	PerSecond  float64 `yaml:"per_second"`
	Burst      int     `yaml:"burst"`
	ResetLimit int     `yaml:"reset_limit"`
}

func Default() Config {
	return Config{
		Env:      "dev",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		BaseURL:  "http://localhost:3000",
		MailFrom: "no-reply@stockroom.app",
		Auth: AuthConfig{
			Issuer:          "stockroom",
			SessionTTL:      time.Hour,
			ResetTTL:        15 * time.Minute,
			InviteTTL:       15 * time.Minute,
			TenantInviteTTL: 7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			PerSecond:  20,
			Burst:      40,
			ResetLimit: 5,
		},
	}
}

// Load reads STOCKROOM_CONFIG (if set) and overlays the environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("STOCKROOM_CONFIG"), os.LookupEnv)
}

// LoadFrom is Load with the file path and environment lookup injected.
func LoadFrom(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := overlayEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	list := func(key string, dst *[]string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		*dst = nil
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				*dst = append(*dst, item)
			}
		}
	}

	str("STOCKROOM_ENV", &cfg.Env)
	str("STOCKROOM_HTTP_ADDR", &cfg.HTTPAddr)
	str("STOCKROOM_GRPC_ADDR", &cfg.GRPCAddr)
	str("STOCKROOM_PG_DSN", &cfg.PGDSN)
	str("STOCKROOM_REDIS_URL", &cfg.RedisURL)
	str("STOCKROOM_BASE_URL", &cfg.BaseURL)
	str("STOCKROOM_MAIL_FROM", &cfg.MailFrom)
	str("STOCKROOM_AUTH_SECRET", &cfg.Auth.Secret)
	str("STOCKROOM_AUTH_ISSUER", &cfg.Auth.Issuer)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	dur("STOCKROOM_SESSION_TTL", &cfg.Auth.SessionTTL)
	dur("STOCKROOM_RESET_TTL", &cfg.Auth.ResetTTL)
	dur("STOCKROOM_INVITE_TTL", &cfg.Auth.InviteTTL)
	dur("STOCKROOM_TENANT_INVITE_TTL", &cfg.Auth.TenantInviteTTL)
	integer("STOCKROOM_RATE_BURST", &cfg.RateLimit.Burst)
	integer("STOCKROOM_RESET_LIMIT", &cfg.RateLimit.ResetLimit)

	if v, ok := lookup("STOCKROOM_RATE_PER_SEC"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("STOCKROOM_RATE_PER_SEC: %w", err))
		} else {
			cfg.RateLimit.PerSecond = f
		}
	}
	list("STOCKROOM_CORS_ORIGINS", &cfg.CORSOrigins)
	list("STOCKROOM_TRUSTED_PROXIES", &cfg.TrustedProxies)
	return errors.Join(errs...)
}

// Dev reports whether the service runs in the development environment.
func (c Config) Dev() bool { return c.Env == "" || c.Env == "dev" }

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch {
	case c.Auth.Secret == "":
		errs = append(errs, errors.New("auth secret is required"))
	case !c.Dev() && len(c.Auth.Secret) < minSecretLen:
		errs = append(errs, fmt.Errorf("auth secret must be at least %d bytes", minSecretLen))
	}
	ttls := []struct {
		name string
		d    time.Duration
	}{
		{"session_ttl", c.Auth.SessionTTL},
		{"reset_ttl", c.Auth.ResetTTL},
		{"invite_ttl", c.Auth.InviteTTL},
		{"tenant_invite_ttl", c.Auth.TenantInviteTTL},
	}
	for _, ttl := range ttls {
		if ttl.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", ttl.name))
		}
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q is not an absolute URL", c.BaseURL))
	}
	if c.RedisURL != "" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("redis_url %q must use redis:// or rediss://", c.RedisURL))
		}
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %q is neither a CIDR nor an address", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
