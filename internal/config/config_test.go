package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/router"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  origin: http://backend:3000/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://backend:3000", cfg.Server.Origin)
	assert.Equal(t, int64(64<<20), cfg.Storage.RAMMaxBytes)
	assert.Equal(t, int64(1<<30), cfg.Storage.DiskMaxBytes)
	assert.Equal(t, "leveldb", cfg.Queue.Driver)
	assert.Equal(t, "./data/queue", cfg.Queue.Path)
	assert.Equal(t, 1, cfg.Cache.Generation)
	assert.Equal(t, []string{"/offline.html"}, cfg.Cache.Precache)
	assert.Equal(t, 30*time.Second, cfg.Cache.InstallTimeoutDur)
	assert.Equal(t, 30*time.Second, cfg.Network.TimeoutDur)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, []string{"static-v1", "api-v1"}, cfg.Containers())
}

func TestParseOptionalDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  origin: http://backend
notifications:
  autoClose: 8s
network:
  timeout: 5s
logging:
  logStatsEvery: 1m
`))
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, cfg.Notifications.AutoCloseDur)
	assert.Equal(t, 5*time.Second, cfg.Network.TimeoutDur)
	assert.Equal(t, time.Minute, cfg.Logging.LogStatsEveryDur)

	_, err = Parse([]byte("server:\n  origin: http://b\nnotifications:\n  autoClose: later\n"))
	assert.ErrorContains(t, err, "notifications.autoClose")
}

func TestDefaultRulesPreferSpecificEndpoints(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  origin: http://backend\ncache:\n  generation: 3\n"))
	require.NoError(t, err)
	table := router.NewTable(cfg.Bindings())

	cases := []struct {
		path      string
		kind      router.Kind
		ttl       time.Duration
		container string
	}{
		{"/assets/logo.png", router.CacheFirst, 720 * time.Hour, "static-v3"},
		{"/fonts/inter.woff2", router.CacheFirst, 720 * time.Hour, "static-v3"},
		{"/api/daily-outlook", router.CacheFirst, 24 * time.Hour, "api-v3"},
		{"/api/user/profile", router.NetworkFirst, 5 * time.Minute, "api-v3"},
		{"/api/items", router.NetworkFirst, time.Hour, "api-v3"},
	}
	for _, tc := range cases {
		b, ok := table.Lookup(tc.path)
		require.True(t, ok, tc.path)
		assert.Equal(t, tc.kind, b.Kind, tc.path)
		assert.Equal(t, tc.ttl, b.TTL, tc.path)
		assert.Equal(t, tc.container, b.Container, tc.path)
	}
	_, ok := table.Lookup("/")
	assert.False(t, ok)
}

func TestRulesSortedByPriority(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  origin: http://backend
rules:
  - match: PathPrefix(/api/)
    priority: 20
    strategy: network-first
    ttl: 1h
  - match: PathPrefix(/api/reports/)
    priority: 10
    strategy: cache-only
    container: api
`))
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "PathPrefix(/api/reports/)", cfg.Rules[0].Match)

	b, ok := router.NewTable(cfg.Bindings()).Lookup("/api/reports/q1")
	require.True(t, ok)
	assert.Equal(t, router.CacheOnly, b.Kind)
}

func TestCategoryFor(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  origin: http://backend\n"))
	require.NoError(t, err)
	assert.Equal(t, "user-data", cfg.CategoryFor("/api/user/profile"))
	assert.Equal(t, "mutations", cfg.CategoryFor("/api/items"))
}

func TestSQLiteQueueDefaultPath(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  origin: http://backend\nqueue:\n  driver: sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, "./data/queue.db", cfg.Queue.Path)
}

func TestParseErrorsNameTheField(t *testing.T) {
	cases := map[string]string{
		"missing origin": "server:\n  port: 1\n",
		"bad ttl":        "server:\n  origin: http://b\nrules:\n  - match: PathPrefix(/a)\n    strategy: cache-first\n    ttl: soon\n",
		"bad strategy":   "server:\n  origin: http://b\nrules:\n  - match: PathPrefix(/a)\n    strategy: stale-while-revalidate\n",
		"bad container":  "server:\n  origin: http://b\nrules:\n  - match: PathPrefix(/a)\n    strategy: cache-first\n    container: images\n",
		"bad ram size":   "server:\n  origin: http://b\nstorage:\n  ram:\n    max: lots\n",
		"bad driver":     "server:\n  origin: http://b\nqueue:\n  driver: redis\n",
		"bad category":   "server:\n  origin: http://b\nsync:\n  categories:\n    - match: PathPrefix(/x)\n",
		"negative":       "server:\n  origin: http://b\nnetwork:\n  timeout: -1s\n",
	}
	for name, y := range cases {
		_, err := Parse([]byte(y))
		assert.Error(t, err, name)
	}

	_, err := Parse([]byte("server:\n  origin: http://b\nrules:\n  - match: PathPrefix(/a)\n    strategy: cache-first\n    ttl: soon\n"))
	assert.ErrorContains(t, err, "rules[0].ttl")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://backend\n  port: 9090\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"0":         0,
		"unlimited": 0,
		"512":       512,
		"10k":       10 << 10,
		"64mb":      64 << 20,
		"1GB":       1 << 30,
		"2t":        2 << 40,
	}
	for in, want := range cases {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "mb", "-1mb", "1.5x"} {
		_, err := ParseBytes(bad)
		assert.Error(t, err, bad)
	}
}
