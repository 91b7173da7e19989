package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found. Missing gateway credentials are not a
// validation error; calls fail individually instead.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateServer(cfg, ve)
	validateCache(cfg, ve)
	validateHealth(cfg, ve)
	validateFollowUps(cfg, ve)
	validateBreaker(cfg, ve)
	validateDiscovery(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	u, err := url.Parse(g.URL)
	switch {
	case g.URL == "":
		ve.Add("gateway.url is required")
	case err != nil:
		ve.Add("gateway.url: %v", err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		ve.Add("gateway.url scheme %q must be ws or wss", u.Scheme)
	case u.Host == "":
		ve.Add("gateway.url must include a host")
	}
	if g.Timeout < 0 {
		ve.Add("gateway.timeout must not be negative")
	}
	if g.MinProtocol < 0 || g.MaxProtocol < 0 {
		ve.Add("gateway protocol bounds must not be negative")
	}
	if g.MinProtocol > 0 && g.MaxProtocol > 0 && g.MinProtocol > g.MaxProtocol {
		ve.Add("gateway.min_protocol (%d) exceeds gateway.max_protocol (%d)", g.MinProtocol, g.MaxProtocol)
	}
	if g.Client.ID == "" {
		ve.Add("gateway.client.id is required")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q: %v", s.Addr, err)
	}
	if s.RateLimit < 0 {
		ve.Add("server.rate_limit must not be negative")
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		ve.Add("server.rate_burst must be at least 1 when rate limiting is enabled")
	}
	for _, p := range s.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			ve.Add("server.trusted_proxies: %q is neither an IP nor a CIDR", p)
		}
	}
	for _, o := range s.CORSOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("server.cors_origins: %q is not an origin", o)
		}
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	if cfg.Cache.Enabled && cfg.Cache.Path == "" {
		ve.Add("cache.path is required when the cache is enabled")
	}
	if cfg.Cache.MaxAge < 0 {
		ve.Add("cache.max_age must not be negative")
	}
}

func validateHealth(cfg *Config, ve *ValidationError) {
	if !cfg.Health.Enabled {
		return
	}
	if _, err := cron.ParseStandard(cfg.Health.Schedule); err != nil {
		ve.Add("health.schedule %q: %v", cfg.Health.Schedule, err)
	}
}

func validateFollowUps(cfg *Config, ve *ValidationError) {
	f := cfg.FollowUps
	if f.Method == "" {
		ve.Add("followups.method is required")
	}
	if f.MaxPromptTokens <= 0 {
		ve.Add("followups.max_prompt_tokens must be positive")
	}
	if f.Count < 1 || f.Count > 10 {
		ve.Add("followups.count must be between 1 and 10")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if !cfg.Breaker.Enabled {
		return
	}
	if cfg.Breaker.MaxFailures == 0 {
		ve.Add("breaker.max_failures must be positive")
	}
	if cfg.Breaker.Timeout <= 0 {
		ve.Add("breaker.timeout must be positive")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.Service == "" {
		ve.Add("discovery.service is required")
	}
	if cfg.Discovery.Timeout <= 0 {
		ve.Add("discovery.timeout must be positive")
	}
}

var validLogFormats = map[string]bool{"": true, "text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{"": true, "noop": true, "stdout": true}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q must be noop or stdout", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}
