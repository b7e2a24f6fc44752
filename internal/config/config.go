package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"offline0/internal/router"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`

		RAMMaxBytes  int64 `yaml:"-"`
		DiskMaxBytes int64 `yaml:"-"`
	} `yaml:"storage"`

	Queue struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"queue"`

	Cache struct {
		Generation          int      `yaml:"generation"`
		VaryHeaders         []string `yaml:"varyHeaders"`
		OfflinePage         string   `yaml:"offlinePage"`
		Precache            []string `yaml:"precache"`
		InstallTimeout      string   `yaml:"installTimeout"`
		PrecacheConcurrency int      `yaml:"precacheConcurrency"`

		InstallTimeoutDur time.Duration `yaml:"-"`
	} `yaml:"cache"`

	Rules []Rule `yaml:"rules"`

	Sync struct {
		DefaultCategory string         `yaml:"defaultCategory"`
		Categories      []CategoryRule `yaml:"categories"`
		DrainOnStart    bool           `yaml:"drainOnStart"`
	} `yaml:"sync"`

	Notifications struct {
		ClickTrackingURL string `yaml:"clickTrackingURL"`
		AutoClose        string `yaml:"autoClose"`
		DailyOutlookPath string `yaml:"dailyOutlookPath"`

		AutoCloseDur time.Duration `yaml:"-"`
	} `yaml:"notifications"`

	Network struct {
		Timeout string `yaml:"timeout"`

		TimeoutDur time.Duration `yaml:"-"`
	} `yaml:"network"`

	Logging struct {
		Level         string `yaml:"level"`
		JSON          bool   `yaml:"json"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		LogStatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`
}

type Rule struct {
	Match     string `yaml:"match"`
	Priority  int    `yaml:"priority"`
	Strategy  string `yaml:"strategy"`
	TTL       string `yaml:"ttl"`
	Container string `yaml:"container"`

	// compiled
	matcher router.Matcher
	kind    router.Kind
	ttlDur  time.Duration
}

type CategoryRule struct {
	Match    string `yaml:"match"`
	Category string `yaml:"category"`

	matcher router.Matcher
}

// defaultRules mirrors the built-in interception table. The daily outlook and
// user-scoped rules sit ahead of the generic API prefix they overlap with.
func defaultRules(dailyOutlookPath string) []Rule {
	return []Rule{
		{
			Match:     `PathRegexp(\.(?:js|css|png|jpe?g|gif|svg|webp|ico|woff2?|ttf|eot)$)`,
			Priority:  10,
			Strategy:  string(router.CacheFirst),
			TTL:       "720h",
			Container: router.ClassStatic,
		},
		{
			Match:     "PathPrefix(" + dailyOutlookPath + ")",
			Priority:  20,
			Strategy:  string(router.CacheFirst),
			TTL:       "24h",
			Container: router.ClassAPI,
		},
		{
			Match:     "PathPrefix(/api/user/)",
			Priority:  30,
			Strategy:  string(router.NetworkFirst),
			TTL:       "5m",
			Container: router.ClassAPI,
		},
		{
			Match:     "PathPrefix(/api/)",
			Priority:  40,
			Strategy:  string(router.NetworkFirst),
			TTL:       "1h",
			Container: router.ClassAPI,
		},
	}
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and compiles rules.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if err := cfg.applyStorage(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyCache(); err != nil {
		return Config{}, err
	}

	if cfg.Notifications.DailyOutlookPath == "" {
		cfg.Notifications.DailyOutlookPath = "/api/daily-outlook"
	}
	var err error
	if cfg.Notifications.AutoCloseDur, err = parseOptionalDuration("notifications.autoClose", cfg.Notifications.AutoClose, 0); err != nil {
		return Config{}, err
	}
	if cfg.Network.TimeoutDur, err = parseOptionalDuration("network.timeout", cfg.Network.Timeout, 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Logging.LogStatsEveryDur, err = parseOptionalDuration("logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, err
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = defaultRules(cfg.Notifications.DailyOutlookPath)
	}
	for i := range cfg.Rules {
		if err := cfg.Rules[i].compile(); err != nil {
			return Config{}, fmt.Errorf("rules[%d].%w", i, err)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	if err := cfg.applySync(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyStorage() error {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/cache"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1gb"
	}
	var err error
	if cfg.Storage.RAMMaxBytes, err = ParseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.DiskMaxBytes, err = ParseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	switch cfg.Queue.Driver {
	case "":
		cfg.Queue.Driver = "leveldb"
	case "leveldb", "sqlite":
	default:
		return fmt.Errorf("queue.driver: unsupported driver %q", cfg.Queue.Driver)
	}
	if cfg.Queue.Path == "" {
		if cfg.Queue.Driver == "sqlite" {
			cfg.Queue.Path = "./data/queue.db"
		} else {
			cfg.Queue.Path = "./data/queue"
		}
	}
	return nil
}

func (cfg *Config) applyCache() error {
	c := &cfg.Cache
	if c.Generation == 0 {
		c.Generation = 1
	}
	if c.Generation < 0 {
		return fmt.Errorf("cache.generation: must be positive")
	}
	if c.OfflinePage == "" {
		c.OfflinePage = "/offline.html"
	}
	if c.PrecacheConcurrency <= 0 {
		c.PrecacheConcurrency = 4
	}
	hasOffline := false
	for _, p := range c.Precache {
		if p == c.OfflinePage {
			hasOffline = true
			break
		}
	}
	if !hasOffline {
		c.Precache = append([]string{c.OfflinePage}, c.Precache...)
	}
	var err error
	c.InstallTimeoutDur, err = parseOptionalDuration("cache.installTimeout", c.InstallTimeout, 30*time.Second)
	return err
}

func (cfg *Config) applySync() error {
	if cfg.Sync.DefaultCategory == "" {
		cfg.Sync.DefaultCategory = "mutations"
	}
	if len(cfg.Sync.Categories) == 0 {
		cfg.Sync.Categories = []CategoryRule{{Match: "PathPrefix(/api/user/)", Category: "user-data"}}
	}
	for i := range cfg.Sync.Categories {
		c := &cfg.Sync.Categories[i]
		if c.Category == "" {
			return fmt.Errorf("sync.categories[%d].category: required", i)
		}
		m, err := router.ParseMatch(c.Match)
		if err != nil {
			return fmt.Errorf("sync.categories[%d].match: %w", i, err)
		}
		c.matcher = m
	}
	return nil
}

func (r *Rule) compile() error {
	m, err := router.ParseMatch(r.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	r.matcher = m

	k, err := router.ParseKind(r.Strategy)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	r.kind = k

	switch r.Container {
	case "":
		r.Container = router.ClassAPI
	case router.ClassStatic, router.ClassAPI:
	default:
		return fmt.Errorf("container: unknown class %q", r.Container)
	}

	if r.TTL != "" {
		d, err := time.ParseDuration(r.TTL)
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		r.ttlDur = d
	}
	return nil
}

// Bindings resolves the compiled rules against the configured generation.
func (cfg Config) Bindings() []router.Binding {
	out := make([]router.Binding, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		out = append(out, router.Binding{
			Name:      r.Match,
			Match:     r.matcher,
			Kind:      r.kind,
			TTL:       r.ttlDur,
			Container: router.ContainerName(r.Container, cfg.Cache.Generation),
		})
	}
	return out
}

// Containers is the expected container set of the current generation.
func (cfg Config) Containers() []string {
	return []string{
		router.ContainerName(router.ClassStatic, cfg.Cache.Generation),
		router.ContainerName(router.ClassAPI, cfg.Cache.Generation),
	}
}

// CategoryFor picks the offline queue category of a mutation path.
func (cfg Config) CategoryFor(path string) string {
	for _, c := range cfg.Sync.Categories {
		if c.matcher != nil && c.matcher.Match(path) {
			return c.Category
		}
	}
	return cfg.Sync.DefaultCategory
}

func parseOptionalDuration(field, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}
