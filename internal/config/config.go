package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/tokengate/internal/audit"
	"github.com/AlexKimmel/tokengate/internal/auth"
	"github.com/AlexKimmel/tokengate/internal/bucket"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Role     string            `yaml:"role"` // "tenant" (default), "service" or "admin"
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// StaticKeys converts the configured keys for auth.NewStatic.
func (a Auth) StaticKeys() []auth.Key {
	keys := make([]auth.Key, 0, len(a.Keys))
	for _, k := range a.Keys {
		role, _ := auth.ParseRole(k.Role)
		keys = append(keys, auth.Key{ClientID: k.ID, Secret: k.Secret, Role: role})
	}
	return keys
}

// HasAdmin reports whether any key may reset buckets.
func (a Auth) HasAdmin() bool {
	for _, k := range a.StaticKeys() {
		if k.Role == auth.RoleAdmin {
			return true
		}
	}
	return false
}

type Bucket struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
}

func (b Bucket) Config() bucket.Config {
	return bucket.Config{Capacity: b.Capacity, RefillRate: b.RefillRate}
}

type Resource struct {
	Prefix string `yaml:"prefix"`
	Bucket `yaml:",inline"`
}

type Client struct {
	ID     string `yaml:"id"`
	Prefix string `yaml:"prefix"`
	Bucket `yaml:",inline"`
}

type Limits struct {
	Default   Bucket     `yaml:"default"`
	Resources []Resource `yaml:"resources"`
	Clients   []Client   `yaml:"clients"`
}

type Redis struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type Store struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	TTLSeconds    int    `yaml:"ttl_seconds"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	FailurePolicy string `yaml:"failure_policy"` // "closed" or "open"
	Consistency   string `yaml:"consistency"`    // "atomic" or "relaxed"
	MaxRetries    int    `yaml:"max_retries"`
	MaxKeys       int    `yaml:"max_keys"`
	Redis         Redis  `yaml:"redis"`
}

type Audit struct {
	Sink       string `yaml:"sink"` // "log", "redis" or "none"
	QueueSize  int    `yaml:"queue_size"`
	DropPolicy string `yaml:"drop_policy"`
	Stream     string `yaml:"stream"`
	MaxLen     int64  `yaml:"max_len"`
}

type Upstream struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Store         Store         `yaml:"store"`
	Audit         Audit         `yaml:"audit"`
	Upstream      Upstream      `yaml:"upstream"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (s Store) TTL() time.Duration     { return time.Duration(s.TTLSeconds) * time.Second }
func (s Store) Timeout() time.Duration { return time.Duration(s.TimeoutMS) * time.Millisecond }

func (u Upstream) Timeout() time.Duration { return time.Duration(u.TimeoutMS) * time.Millisecond }

// Policies builds the resolution table for the service.
func (l Limits) Policies() (*ratelimit.Policies, error) {
	rules := make([]ratelimit.Rule, 0, len(l.Resources))
	for _, r := range l.Resources {
		rules = append(rules, ratelimit.Rule{Prefix: r.Prefix, Config: r.Config()})
	}
	overrides := make([]ratelimit.Override, 0, len(l.Clients))
	for _, c := range l.Clients {
		overrides = append(overrides, ratelimit.Override{ClientID: c.ID, Prefix: c.Prefix, Config: c.Config()})
	}
	return ratelimit.NewPolicies(l.Default.Config(), rules, overrides)
}

// Load reads path, fills defaults and validates the result.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Limits.Default.Capacity == 0 && cfg.Limits.Default.RefillRate == 0 {
		cfg.Limits.Default = Bucket{Capacity: 60, RefillRate: 1}
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.TTLSeconds <= 0 {
		cfg.Store.TTLSeconds = int(ratelimit.DefaultTTL / time.Second)
	}
	if cfg.Store.TimeoutMS <= 0 {
		cfg.Store.TimeoutMS = 100
	}
	if cfg.Store.Consistency == "" {
		cfg.Store.Consistency = "atomic"
	}
	if len(cfg.Store.Redis.Addrs) == 0 {
		cfg.Store.Redis.Addrs = []string{"localhost:6379"}
	}
	if cfg.Audit.Sink == "" {
		cfg.Audit.Sink = "log"
	}
	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 1024
	}
	if cfg.Audit.Stream == "" {
		cfg.Audit.Stream = "rate-limit:audit"
	}
	if cfg.Upstream.TimeoutMS <= 0 {
		cfg.Upstream.TimeoutMS = 3000
	}
}

// Validate fails fast on anything that would otherwise surface per request.
func (cfg *Root) Validate() error {
	if _, err := cfg.Limits.Policies(); err != nil {
		return fmt.Errorf("%w: limits: %v", ErrInvalidConfig, err)
	}
	switch cfg.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: store.backend %q", ErrInvalidConfig, cfg.Store.Backend)
	}
	switch cfg.Store.Consistency {
	case "atomic", "relaxed":
	default:
		return fmt.Errorf("%w: store.consistency %q", ErrInvalidConfig, cfg.Store.Consistency)
	}
	if _, err := ratelimit.ParseFailurePolicy(cfg.Store.FailurePolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch cfg.Audit.Sink {
	case "log", "redis", "none":
	default:
		return fmt.Errorf("%w: audit.sink %q", ErrInvalidConfig, cfg.Audit.Sink)
	}
	if cfg.Audit.Sink == "redis" && cfg.Store.Backend != "redis" {
		return fmt.Errorf("%w: audit.sink redis needs store.backend redis", ErrInvalidConfig)
	}
	if _, err := audit.ParseDropPolicy(cfg.Audit.DropPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	secrets := make(map[string]struct{}, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("%w: auth keys need both id and secret", ErrInvalidConfig)
		}
		if _, err := auth.ParseRole(k.Role); err != nil {
			return fmt.Errorf("%w: auth key %q: %v", ErrInvalidConfig, k.ID, err)
		}
		if _, dup := secrets[k.Secret]; dup {
			return fmt.Errorf("%w: auth key %q reuses a secret", ErrInvalidConfig, k.ID)
		}
		secrets[k.Secret] = struct{}{}
	}
	return nil
}
