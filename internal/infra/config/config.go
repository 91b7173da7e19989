package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"opencami/internal/domain"
)

// Config is the root of opencami.yaml.
type Config struct {
	Includes  []string        `yaml:"includes,omitempty"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Health    HealthConfig    `yaml:"health"`
	FollowUps FollowUpsConfig `yaml:"followups"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig locates and authenticates against the AI gateway.
// Token and Password may carry "enc:" values.
type GatewayConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Password    string        `yaml:"password"`
	Timeout     time.Duration `yaml:"timeout"`
	MinProtocol int           `yaml:"min_protocol"`
	MaxProtocol int           `yaml:"max_protocol"`
	Role        string        `yaml:"role"`
	Scopes      []string      `yaml:"scopes"`
	Client      ClientConfig  `yaml:"client"`
}

// ClientConfig is the identity announced in the connect handshake.
// An empty InstanceID is generated once per process.
type ClientConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Version     string `yaml:"version"`
	Platform    string `yaml:"platform"`
	Mode        string `yaml:"mode"`
	InstanceID  string `yaml:"instance_id"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second per client IP; 0 disables
	RateBurst      int           `yaml:"rate_burst"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// CacheConfig controls the last-known-good payload cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"` // 0 keeps entries forever
}

// HealthConfig controls the background gateway probe.
type HealthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g. "@every 30s"
}

// FollowUpsConfig controls follow-up suggestion generation.
type FollowUpsConfig struct {
	Method          string `yaml:"method"`
	MaxPromptTokens int    `yaml:"max_prompt_tokens"`
	Encoding        string `yaml:"encoding"`
	Count           int    `yaml:"count"`
}

// BreakerConfig holds circuit breaker settings for gateway calls.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// DiscoveryConfig holds mDNS browse settings.
type DiscoveryConfig struct {
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns $HOME/.opencami, or "./data" without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".opencami")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:         domain.GatewayDefaultURL,
			Timeout:     domain.GatewayDefaultTimeout,
			MinProtocol: domain.GatewayProtocolVersion,
			MaxProtocol: domain.GatewayProtocolVersion,
			Role:        domain.GatewayRoleOperator,
			Scopes:      []string{domain.GatewayScopeAdmin},
			Client: ClientConfig{
				ID:          "opencami",
				DisplayName: "OpenCami",
				Version:     "dev",
				Platform:    "go",
				Mode:        "backend",
			},
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:3000",
			RateLimit:    10,
			RateBurst:    20,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    filepath.Join(defaultDataDir(), "cache.db"),
		},
		Health: HealthConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		FollowUps: FollowUpsConfig{
			Method:          "codex.generate",
			MaxPromptTokens: 2000,
			Encoding:        "cl100k_base",
			Count:           3,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Service: "_openclaw-gw._tcp",
			Domain:  "local.",
			Timeout: 3 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error; defaults and env overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// env-only configuration
	case err != nil:
		return nil, domain.NewDomainError("Config.Load", domain.ErrConfigLoad, err.Error())
	default:
		if err := loadFile(cfg, path, data); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("OPENCAMI_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string, data []byte) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return domain.NewDomainError("Config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	visited := map[string]bool{absPath: true}
	if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
		return err
	}
	// The main file wins over anything it includes.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return domain.NewDomainError("Config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
	}
	cfg.Includes = nil
	return nil
}

// ApplyEnvOverrides maps OPENCAMI_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENCAMI_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("OPENCAMI_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("OPENCAMI_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("OPENCAMI_GATEWAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.Timeout = d
		}
	}
	if v := os.Getenv("OPENCAMI_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OPENCAMI_SERVER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = f
		}
	}
	if v := os.Getenv("OPENCAMI_SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("OPENCAMI_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "true"
	}
	if v := os.Getenv("OPENCAMI_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("OPENCAMI_HEALTH_SCHEDULE"); v != "" {
		cfg.Health.Schedule = v
	}
	if v := os.Getenv("OPENCAMI_FOLLOWUPS_METHOD"); v != "" {
		cfg.FollowUps.Method = v
	}
	if v := os.Getenv("OPENCAMI_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OPENCAMI_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OPENCAMI_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OPENCAMI_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionConfig builds the per-call gateway connection value. It does not
// require credentials; the gateway client rejects an empty pair on use.
func (c *Config) ConnectionConfig() domain.ConnectionConfig {
	g := c.Gateway
	instance := g.Client.InstanceID
	if instance == "" {
		instance = processInstanceID
	}
	return domain.ConnectionConfig{
		URL:         g.URL,
		MinProtocol: g.MinProtocol,
		MaxProtocol: g.MaxProtocol,
		Client: domain.ClientIdentity{
			ID:          g.Client.ID,
			DisplayName: g.Client.DisplayName,
			Version:     g.Client.Version,
			Platform:    g.Client.Platform,
			Mode:        g.Client.Mode,
			InstanceID:  instance,
		},
		Auth:    domain.Credentials{Token: g.Token, Password: g.Password},
		Role:    g.Role,
		Scopes:  append([]string(nil), g.Scopes...),
		Timeout: g.Timeout,
	}
}

var processInstanceID = uuid.NewString()

// Holder publishes the current Config to concurrent readers. Reload swaps it
// atomically; readers never observe a partially loaded config.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewHolder wraps an already loaded config.
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Get returns the current config. Callers must not mutate it.
func (h *Holder) Get() *Config { return h.cur.Load() }

// Path returns the file the holder reloads from.
func (h *Holder) Path() string { return h.path }

// Reload re-reads the file. On error the previous config stays in place.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.cur.Store(cfg)
	return cfg, nil
}

const encPrefix = "enc:"

// decryptSecrets replaces "enc:..." gateway credentials with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"gateway token":    &cfg.Gateway.Token,
		"gateway password": &cfg.Gateway.Password,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a passphrase-derived
// key. The result is hex(salt) ":" hex(nonce|ciphertext), without the "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", domain.NewDomainError("Config.Encrypt", domain.ErrEncryption, "generate salt: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", domain.NewDomainError("Config.Encrypt", domain.ErrEncryption, err.Error())
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.NewDomainError("Config.Encrypt", domain.ErrEncryption, "generate nonce: "+err.Error())
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	fail := func(detail string) (string, error) {
		return "", domain.NewDomainError("Config.Decrypt", domain.ErrDecryption, detail)
	}

	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return fail("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return fail("decode salt")
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return fail("decode ciphertext")
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return fail(err.Error())
	}
	if len(data) < gcm.NonceSize() {
		return fail("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fail("wrong key or corrupted value")
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewDomainError("Config.Load", domain.ErrConfigLoad, err.Error())
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return domain.NewDomainError("Config.Load", domain.ErrConfigLoad,
			fmt.Sprintf("%s has insecure permissions %o (want 0600 or 0644)", path, mode))
	}
	return nil
}
