package config

import (
	"os"
	"time"
)

// RouterConfig holds runtime configuration for the serving edge.
type RouterConfig struct {
	Environment    string
	Addr           string
	MetricsAddr    string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	ArtifactRoot   string
	EntryDocument  string
	AffinityCookie string
	AffinityTTL    time.Duration
	CookieSecure   bool
	ReservedNames  []string
	ProxyTimeout   time.Duration
	LookupTimeout  time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

// DefaultReservedNames are first path segments that never name a project.
var DefaultReservedNames = []string{
	"favicon.ico",
	"manifest.json",
	"robots.txt",
	"sitemap.xml",
	"service-worker.js",
	"sw.js",
	"asset-manifest.json",
	"_next",
	"static",
	"assets",
	"__shipyard",
}

// LoadRouterConfig constructs a RouterConfig from environment variables.
func LoadRouterConfig() RouterConfig {
	return RouterConfig{
		Environment:    GetString("APP_ENV", "development"),
		Addr:           GetString("ROUTER_ADDR", ":8000"),
		MetricsAddr:    GetString("ROUTER_METRICS_ADDR", ":8001"),
		LogLevel:       GetString("LOG_LEVEL", "info"),
		LogFormat:      GetString("LOG_FORMAT", "json"),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://shipyard:shipyard@db:5432/shipyard?sslmode=disable"),
		ArtifactRoot:   GetString("ARTIFACT_ROOT", "http://artifacts:9002/outputs"),
		EntryDocument:  GetString("ENTRY_DOCUMENT", "index.html"),
		AffinityCookie: GetString("AFFINITY_COOKIE", "activeProject"),
		AffinityTTL:    time.Duration(GetInt("AFFINITY_TTL_MINUTES", 15)) * time.Minute,
		CookieSecure:   GetBool("COOKIE_SECURE", false),
		ReservedNames:  GetStrings("ROUTER_RESERVED_NAMES", DefaultReservedNames),
		ProxyTimeout:   GetSeconds("PROXY_TIMEOUT_SECONDS", 30),
		LookupTimeout:  GetSeconds("LOOKUP_TIMEOUT_SECONDS", 2),
		CacheSize:      GetInt("SLUG_CACHE_SIZE", 1024),
		CacheTTL:       GetSeconds("SLUG_CACHE_SECONDS", 60),
	}
}

// LogshipConfig configures the worker-side log emitter. The deployment identity is
// injected by the launcher as environment variables.
type LogshipConfig struct {
	DeploymentID string
	ProjectID    string
	Stream       StreamConfig
}

// LoadLogshipConfig constructs a LogshipConfig from environment variables.
func LoadLogshipConfig() LogshipConfig {
	return LogshipConfig{
		DeploymentID: GetString("DEPLOYMENT_ID", ""),
		ProjectID:    GetString("PROJECT_ID", ""),
		Stream:       LoadStreamConfig(),
	}
}

func hostnameOr(fallback string) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fallback
	}
	return name
}
