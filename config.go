package swcache

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type StoragePolicy string

const (
	// Store when `(status == 200 && type == basic) || type == cors`, i.e. any CORS status.
	StoragePolicyLegacy StoragePolicy = "legacy"
	// Store when `status == 200 && (type == basic || type == cors)`.
	StoragePolicyStrict StoragePolicy = "strict"
)

// Config is the loadable worker configuration.
// Compile it into Settings before use.
type Config struct {
	// Deployed version, part of the derived cache names.
	Version     string `yaml:"version" env:"SWCACHE_VERSION"`
	CachePrefix string `yaml:"cachePrefix" env:"SWCACHE_CACHE_PREFIX"`
	// Explicit cache names. Derived from prefix and version when empty.
	PrecacheName string `yaml:"precacheName" env:"SWCACHE_PRECACHE_NAME"`
	RuntimeName  string `yaml:"runtimeName" env:"SWCACHE_RUNTIME_NAME"`
	// Origin of the hosting page, e.g. `https://player.example.com`.
	Origin         string   `yaml:"origin" env:"SWCACHE_ORIGIN"`
	PrecacheURLs   []string `yaml:"precache" env:"SWCACHE_PRECACHE"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"SWCACHE_ALLOWED_ORIGINS"`
	// Regular expressions matched against the full request URL.
	ExcludePatterns []string `yaml:"exclude" env:"SWCACHE_EXCLUDE"`
	// Regular expression matched against the request URL path.
	MediaPattern  string        `yaml:"mediaPattern" env:"SWCACHE_MEDIA_PATTERN"`
	OfflinePage   string        `yaml:"offlinePage" env:"SWCACHE_OFFLINE_PAGE"`
	StoragePolicy StoragePolicy `yaml:"storagePolicy" env:"SWCACHE_STORAGE_POLICY"`
	// SQLite file name, `memory` for a private in-memory db.
	DB     string `yaml:"db" env:"SWCACHE_DB"`
	Listen string `yaml:"listen" env:"SWCACHE_LISTEN"`
}

func DefaultConfig() Config {
	return Config{
		Version:      "v1",
		CachePrefix:  "swcache",
		PrecacheURLs: []string{"./"},
		AllowedOrigins: []string{
			"https://fonts.googleapis.com",
			"https://fonts.gstatic.com",
			"https://cdn.jsdelivr.net",
			"https://ka-f.fontawesome.com",
		},
		ExcludePatterns: []string{`^https://www\.googleapis\.com/youtube/`},
		MediaPattern:    `(?i)\.(mp3|m4a|aac|ogg|oga|opus|wav|flac)$`,
		StoragePolicy:   StoragePolicyLegacy,
		DB:              "swcache.db",
		Listen:          ":8080",
	}
}

// LoadConfig returns the default config overlaid with the YAML file (if any) and SWCACHE_* environment variables.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, err
	}
	return config, nil
}

// Settings is the compiled, immutable form of Config shared by all worker components.
// Nothing may modify it after Compile returns.
type Settings struct {
	Version       string
	PrecacheName  string
	RuntimeName   string
	Origin        *url.URL
	PrecacheURLs  []string
	OfflinePage   string
	StoragePolicy StoragePolicy

	allowedOrigins map[string]struct{}
	exclude        []*regexp.Regexp
	media          *regexp.Regexp
}

// Namespaces returns the cache names this version recognizes.
func (s *Settings) Namespaces() []string {
	return []string{s.PrecacheName, s.RuntimeName}
}

// Compile validates the config and returns its settings.
func (c Config) Compile() (*Settings, error) {
	if c.Origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL: %s", c.Origin)
	}
	s := &Settings{
		Version:        c.Version,
		PrecacheName:   c.PrecacheName,
		RuntimeName:    c.RuntimeName,
		Origin:         &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: "/"},
		PrecacheURLs:   append([]string{}, c.PrecacheURLs...),
		OfflinePage:    c.OfflinePage,
		StoragePolicy:  c.StoragePolicy,
		allowedOrigins: make(map[string]struct{}),
	}
	if s.PrecacheName == "" {
		s.PrecacheName = cacheName(c.CachePrefix, "precache", c.Version)
	}
	if s.RuntimeName == "" {
		s.RuntimeName = cacheName(c.CachePrefix, "runtime", c.Version)
	}
	if s.PrecacheName == s.RuntimeName {
		return nil, fmt.Errorf("precache and runtime cache names must differ: %s", s.PrecacheName)
	}
	switch s.StoragePolicy {
	case "":
		s.StoragePolicy = StoragePolicyLegacy
	case StoragePolicyLegacy, StoragePolicyStrict:
	default:
		return nil, fmt.Errorf("unknown storage policy: %s", s.StoragePolicy)
	}
	for _, o := range c.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid allowed origin: %s", o)
		}
		s.allowedOrigins[originOf(u)] = struct{}{}
	}
	for _, p := range c.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		s.exclude = append(s.exclude, re)
	}
	if c.MediaPattern != "" {
		if s.media, err = regexp.Compile(c.MediaPattern); err != nil {
			return nil, fmt.Errorf("invalid media pattern %q: %w", c.MediaPattern, err)
		}
	}
	return s, nil
}

func cacheName(prefix, purpose, version string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, purpose, version} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

// originOf returns the serialized origin (scheme://host[:port]) of an absolute URL.
func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
