package fallback

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fallback/internal/codec"
	"fallback/internal/kv"
)

type Config struct {
	Server struct {
		Port      int    `yaml:"port"`
		AdminPort int    `yaml:"adminPort"`
		Origin    string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Engine string `yaml:"engine"`
		Path   string `yaml:"path"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`

		inMemory bool
		ramMax   int64
		diskMax  int64
	} `yaml:"storage"`

	Cache struct {
		Compression string `yaml:"compression"`
		// MaxAge hides entries older than this from the cache strategy.
		// Empty keeps entries forever.
		MaxAge string `yaml:"maxAge"`

		compression codec.Compression
		maxAgeDur   time.Duration
	} `yaml:"cache"`

	Timeout struct {
		Ceiling string `yaml:"ceiling"`
		Floor   string `yaml:"floor"`

		ceilingDur time.Duration
		floorDur   time.Duration
	} `yaml:"timeout"`

	Sync struct {
		Timeout     string `yaml:"timeout"`
		Every       string `yaml:"every"`
		OnReconnect *bool  `yaml:"onReconnect"`

		timeoutDur  time.Duration
		everyDur    time.Duration
		onReconnect bool
	} `yaml:"sync"`

	Precache struct {
		URLs         []string          `yaml:"urls"`
		Sitemaps     []string          `yaml:"sitemaps"`
		// Headers are sent with every precache request and are part of the
		// fingerprint, so they must be the headers clients actually send
		// (User-Agent, Accept, Accept-Encoding, ...) or clients never hit the
		// precached entries.
		Headers      map[string]string `yaml:"headers"`
		InitialDelay string            `yaml:"initialDelay"`
		Every        string            `yaml:"every"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"precache"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Bypass   bool   `yaml:"bypass"`
	// Strategies is the default order for matching paths when a request
	// carries no strategy header, e.g. "network,queue".
	Strategies string `yaml:"strategies"`

	// compiled
	matchers []pathPrefixMatcher
	order    []Strategy
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and compiles durations, sizes and
// rules.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 8081
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid URL %q", cfg.Server.Origin)
	}

	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = kv.EngineLevelDB
	}
	if cfg.Storage.Engine != kv.EngineLevelDB && cfg.Storage.Engine != kv.EngineBadger {
		return fmt.Errorf("storage.engine: unknown engine %q", cfg.Storage.Engine)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/" + cfg.Storage.Engine
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}
	var err error
	if cfg.Storage.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Compression == "" {
		cfg.Cache.Compression = "zstd"
	}
	if cfg.Cache.compression, err = codec.ParseCompression(cfg.Cache.Compression); err != nil {
		return fmt.Errorf("cache.compression: %w", err)
	}
	if cfg.Cache.maxAgeDur, err = parseOptionalDuration(cfg.Cache.MaxAge); err != nil {
		return fmt.Errorf("cache.maxAge: %w", err)
	}

	if cfg.Timeout.Ceiling == "" {
		cfg.Timeout.Ceiling = "30s"
	}
	if cfg.Timeout.Floor == "" {
		cfg.Timeout.Floor = "1s"
	}
	if cfg.Timeout.ceilingDur, err = time.ParseDuration(cfg.Timeout.Ceiling); err != nil {
		return fmt.Errorf("timeout.ceiling: %w", err)
	}
	if cfg.Timeout.floorDur, err = time.ParseDuration(cfg.Timeout.Floor); err != nil {
		return fmt.Errorf("timeout.floor: %w", err)
	}
	if cfg.Timeout.floorDur <= 0 || cfg.Timeout.floorDur > cfg.Timeout.ceilingDur {
		return fmt.Errorf("timeout: need 0 < floor <= ceiling, got floor=%s ceiling=%s",
			cfg.Timeout.floorDur, cfg.Timeout.ceilingDur)
	}

	if cfg.Sync.Timeout == "" {
		cfg.Sync.Timeout = "30s"
	}
	if cfg.Sync.timeoutDur, err = time.ParseDuration(cfg.Sync.Timeout); err != nil {
		return fmt.Errorf("sync.timeout: %w", err)
	}
	if cfg.Sync.everyDur, err = parseOptionalDuration(cfg.Sync.Every); err != nil {
		return fmt.Errorf("sync.every: %w", err)
	}
	cfg.Sync.onReconnect = cfg.Sync.OnReconnect == nil || *cfg.Sync.OnReconnect

	if cfg.Precache.initialDelayDur, err = parseOptionalDuration(cfg.Precache.InitialDelay); err != nil {
		return fmt.Errorf("precache.initialDelay: %w", err)
	}
	if cfg.Precache.everyDur, err = parseOptionalDuration(cfg.Precache.Every); err != nil {
		return fmt.Errorf("precache.every: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Strategies != "" {
			order, bypass, unknown := ParseStrategies(r.Strategies)
			if len(unknown) > 0 {
				return fmt.Errorf("rules[%d].strategies: unknown strategies %v", i, unknown)
			}
			r.order = order
			r.Bypass = r.Bypass || bypass
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
