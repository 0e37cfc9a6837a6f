package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/tokengate/internal/auth"
	"github.com/AlexKimmel/tokengate/internal/bucket"
)

const sample = `
server:
  addr: ":9090"
observability:
  log_level: debug
auth:
  keys:
    - id: acme
      secret: s3cret
limits:
  default:
    capacity: 100
    refill_rate: 1.67
  resources:
    - prefix: /search
      capacity: 10
      refill_rate: 0.5
  clients:
    - id: acme
      capacity: 1000
      refill_rate: 50
    - id: acme
      prefix: /search
      capacity: 20
      refill_rate: 2
store:
  backend: redis
  failure_policy: open
  redis:
    addrs: ["redis:6379"]
audit:
  sink: redis
  drop_policy: oldest
upstream:
  url: http://backend:8081
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, "/metrics", cfg.Observability.PrometheusPath)
	assert.Equal(t, "X-API-Key", cfg.Auth.Header)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, []string{"redis:6379"}, cfg.Store.Redis.Addrs)
	assert.Equal(t, 300*time.Second, cfg.Store.TTL())
	assert.Equal(t, 100*time.Millisecond, cfg.Store.Timeout())
	assert.Equal(t, "atomic", cfg.Store.Consistency)
	assert.Equal(t, "rate-limit:audit", cfg.Audit.Stream)
	assert.Equal(t, 1024, cfg.Audit.QueueSize)
	assert.Equal(t, 3*time.Second, cfg.Upstream.Timeout())
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBody())
}

func TestLimits_Policies(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	p, err := cfg.Limits.Policies()
	require.NoError(t, err)

	assert.Equal(t, bucket.Config{Capacity: 100, RefillRate: 1.67}, p.For("other", "/items"))
	assert.Equal(t, bucket.Config{Capacity: 10, RefillRate: 0.5}, p.For("other", "/search/q"))
	assert.Equal(t, bucket.Config{Capacity: 1000, RefillRate: 50}, p.For("acme", "/items"))
	assert.Equal(t, bucket.Config{Capacity: 20, RefillRate: 2}, p.For("acme", "/search"))
}

func TestAuth_StaticKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
auth:
  keys:
    - {id: acme, secret: a}
    - {id: billing, secret: b, role: service}
`))
	require.NoError(t, err)
	assert.Equal(t, []auth.Key{
		{ClientID: "acme", Secret: "a", Role: auth.RoleTenant},
		{ClientID: "billing", Secret: "b", Role: auth.RoleService},
	}, cfg.Auth.StaticKeys())
	assert.False(t, cfg.Auth.HasAdmin())

	cfg.Auth.Keys = append(cfg.Auth.Keys, APIKey{ID: "ops", Secret: "c", Role: "admin"})
	assert.True(t, cfg.Auth.HasAdmin())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, Bucket{Capacity: 60, RefillRate: 1}, cfg.Limits.Default)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "log", cfg.Audit.Sink)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"yaml", "limits: ["},
		{"zero capacity", "limits: {default: {capacity: 0, refill_rate: 1}}"},
		{"negative rate", "limits: {resources: [{prefix: /a, capacity: 5, refill_rate: -1}]}"},
		{"backend", "store: {backend: etcd}"},
		{"consistency", "store: {consistency: eventual}"},
		{"failure policy", "store: {failure_policy: maybe}"},
		{"audit sink", "audit: {sink: kafka}"},
		{"redis audit on memory store", "audit: {sink: redis}"},
		{"drop policy", "audit: {drop_policy: random}"},
		{"key without secret", "auth: {keys: [{id: a}]}"},
		{"unknown role", "auth: {keys: [{id: a, secret: x, role: root}]}"},
		{"shared secret", "auth: {keys: [{id: a, secret: x}, {id: b, secret: x, role: admin}]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
