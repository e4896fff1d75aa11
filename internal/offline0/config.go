package offline0

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		Disk struct {
			// Empty path keeps everything in memory.
			Path string `yaml:"path"`
			Max  string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Server struct {
		Port          int    `yaml:"port" validate:"min=1,max=65535"`
		Origin        string `yaml:"origin" validate:"required,http_url"`
		ControlPrefix string `yaml:"controlPrefix" validate:"required,startswith=/"`
		// ForwardHosts lists the hosts an absolute-form request may be
		// forwarded to. Empty refuses every cross-origin request; "*" allows
		// any host.
		ForwardHosts []string `yaml:"forwardHosts" validate:"dive,required"`
	} `yaml:"server"`

	Cache struct {
		Prefix  string `yaml:"prefix" validate:"required"`
		Version string `yaml:"version" validate:"required"`
	} `yaml:"cache"`

	Lifecycle struct {
		SkipWaiting      *bool    `yaml:"skipWaiting"`
		Manifest         []string `yaml:"manifest" validate:"dive,required"`
		PrecacheSitemaps []string `yaml:"precacheSitemaps"`
	} `yaml:"lifecycle"`

	Queue struct {
		Enabled *bool  `yaml:"enabled"`
		Backend string `yaml:"backend" validate:"oneof=leveldb redis"`
		Redis   struct {
			URL string `yaml:"url"`
			Key string `yaml:"key"`
		} `yaml:"redis"`
	} `yaml:"queue"`

	Sync struct {
		Tag              string `yaml:"tag" validate:"required"`
		PeriodicTag      string `yaml:"periodicTag" validate:"required,nefield=Tag"`
		PeriodicSchedule string `yaml:"periodicSchedule"`
		ProbeEvery       string `yaml:"probeEvery"`
		ProbePath        string `yaml:"probePath" validate:"startswith=/"`
		Concurrency      int    `yaml:"concurrency" validate:"min=1,max=256"`
		RequestTimeout   string `yaml:"requestTimeout"`
	} `yaml:"sync"`

	Notify struct {
		Title       string `yaml:"title"`
		DefaultBody string `yaml:"defaultBody"`
		Icon        string `yaml:"icon"`
		Badge       string `yaml:"badge"`
		ExploreURL  string `yaml:"exploreURL"`
	} `yaml:"notify"`

	Logging struct {
		Level         string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format        string `yaml:"format" validate:"omitempty,oneof=text json"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules" validate:"dive"`

	// compiled
	diskMax          int64
	probeEveryDur    time.Duration
	requestTimeout   time.Duration
	logStatsEveryDur time.Duration
}

type Rule struct {
	Match             string   `yaml:"match" validate:"required"`
	Priority          int      `yaml:"priority"`
	Class             Class    `yaml:"class" validate:"omitempty,oneof=api document asset"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	QueueOffline      bool     `yaml:"queueOffline"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// DefaultConfig returns the configuration LoadConfig decodes onto. It still
// needs server.origin; NewService validates and compiles whatever it is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.Storage.Disk.Path = "./data/leveldb"
	cfg.Storage.Disk.Max = "512mb"
	cfg.Server.Port = 8080
	cfg.Server.ControlPrefix = "/_offline0"
	cfg.Cache.Prefix = "offline0"
	cfg.Cache.Version = "v1"
	cfg.Queue.Backend = "leveldb"
	cfg.Queue.Redis.Key = "offline0:queue"
	cfg.Sync.Tag = "background-sync"
	cfg.Sync.PeriodicTag = "content-sync"
	cfg.Sync.PeriodicSchedule = "0 */15 * * * *"
	cfg.Sync.ProbeEvery = "30s"
	cfg.Sync.ProbePath = "/"
	cfg.Sync.Concurrency = 8
	cfg.Sync.RequestTimeout = "30s"
	cfg.Notify.Title = "offline0"
	cfg.Notify.DefaultBody = "New update available"
	cfg.Notify.ExploreURL = "/"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads YAML from path, applies OFFLINE0_* environment overrides
// and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("OFFLINE0_ORIGIN"); v != "" {
		cfg.Server.Origin = v
	}
	if v := os.Getenv("OFFLINE0_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFLINE0_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("OFFLINE0_REDIS_URL"); v != "" {
		cfg.Queue.Backend = "redis"
		cfg.Queue.Redis.URL = v
	}
	if v := os.Getenv("OFFLINE0_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (cfg *Config) compile() error {
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")
	for i, h := range cfg.Server.ForwardHosts {
		cfg.Server.ForwardHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if cfg.Queue.Backend == "redis" && cfg.Queue.Redis.URL == "" {
		return fmt.Errorf("queue.redis.url is required for the redis backend")
	}

	if cfg.Storage.Disk.Max != "" {
		n, err := humanize.ParseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.diskMax = int64(n)
	}

	var err error
	if cfg.probeEveryDur, err = parseOptionalDuration(cfg.Sync.ProbeEvery); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}
	if cfg.requestTimeout, err = parseOptionalDuration(cfg.Sync.RequestTimeout); err != nil {
		return fmt.Errorf("sync.requestTimeout: %w", err)
	}
	if cfg.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = []Rule{{Match: "PathPrefix(/api/)", Class: ClassAPI, QueueOffline: true}}
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// SkipWaiting reports whether a freshly installed generation activates at once.
func (cfg *Config) SkipWaiting() bool {
	return cfg.Lifecycle.SkipWaiting == nil || *cfg.Lifecycle.SkipWaiting
}

func (cfg *Config) QueueEnabled() bool {
	return cfg.Queue.Enabled == nil || *cfg.Queue.Enabled
}

// Generation returns the cache names for the configured version.
func (cfg *Config) Generation() Generation {
	return NewGeneration(cfg.Cache.Prefix, cfg.Cache.Version)
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
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
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
