// Package config loads gateway configuration from the environment and the
// optional routes file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds all environment-driven gateway settings.
type Config struct {
	Env  string `env:"APP_ENV,default=development"`
	Host string `env:"APP_HOST,default=0.0.0.0"`
	Port int    `env:"APP_PORT,default=8080"`

	PaymentsBaseURL string `env:"PAYMENTS_BASE_URL,default=http://localhost:8001"`
	RedisURL        string `env:"REDIS_URL"`
	FCMServerKey    string `env:"FCM_SERVER_KEY"`

	JWTSecret   string `env:"JWT_SECRET,default=dev-secret-change-me"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`
	JWTEnforce  bool   `env:"JWT_ENFORCE,default=false"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`

	RateLimitPerMinute         int     `env:"RL_LIMIT_PER_MINUTE,default=120"`
	RateLimitPerMinuteOverride int     `env:"RL_LIMIT_PER_MINUTE_OVERRIDE,default=0"`
	RateLimitAuthBoost         float64 `env:"RL_AUTH_BOOST_OVERRIDE,default=2"`
	RateLimitExemptOTP         bool    `env:"RL_EXEMPT_OTP,default=false"`

	PushDevAllowAll        bool   `env:"PUSH_DEV_ALLOW_ALL,default=false"`
	PushDevAllowedPhones   string `env:"PUSH_DEV_ALLOWED_PHONES"`
	PushDevAllowedSubs     string `env:"PUSH_DEV_ALLOWED_SUBS"`
	PushTopicsAllowAll     bool   `env:"PUSH_TOPICS_ALLOW_ALL,default=false"`
	PushTopicsAllowedPhone string `env:"PUSH_TOPICS_ALLOWED_PHONES"`
	PushTopicsAllowedSubs  string `env:"PUSH_TOPICS_ALLOWED_SUBS"`

	// Trace export is not wired to a span SDK; the service name feeds the
	// logger and the endpoint is surfaced at startup so operators can see
	// the gateway forwards trace context headers only.
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName      string `env:"OTEL_SERVICE_NAME,default=bff"`

	FeaturesJSON string `env:"BFF_FEATURES_JSON"`
	Features     string `env:"BFF_FEATURES"`

	// Routes is populated by LoadRoutes, not envdecode.
	Routes map[string]string `env:"-"`
}

// defaultServices is the fixed set of upstreams the gateway knows how to
// route to. Each one is configured via <SERVICE>_BASE_URL.
var defaultServices = []string{
	"payments",
	"taxi",
	"commerce",
	"stays",
	"agri",
	"livestock",
	"bus",
	"doctors",
	"utilities",
	"parking",
	"chat",
}

// Load reads .env (when present), decodes the environment and builds the
// route table.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	routes, err := LoadRoutes(cfg.PaymentsBaseURL)
	if err != nil {
		return nil, err
	}
	cfg.Routes = routes

	return &cfg, nil
}

// LoadRoutes builds the service route table from <SERVICE>_BASE_URL env
// vars, then applies overrides from config/routes.yaml when the file exists.
// Keys must be a single path segment.
func LoadRoutes(paymentsBaseURL string) (map[string]string, error) {
	routes := make(map[string]string)

	for _, svc := range defaultServices {
		envKey := strings.ToUpper(svc) + "_BASE_URL"
		if base := strings.TrimSpace(os.Getenv(envKey)); base != "" {
			routes[svc] = strings.TrimRight(base, "/")
		}
	}
	if paymentsBaseURL != "" {
		routes["payments"] = strings.TrimRight(paymentsBaseURL, "/")
	}

	fileRoutes, err := loadRoutesFile(routesFilePath())
	if err != nil {
		return nil, err
	}
	for svc, base := range fileRoutes {
		routes[svc] = strings.TrimRight(base, "/")
	}

	for svc := range routes {
		if svc == "" || strings.Contains(svc, "/") {
			return nil, fmt.Errorf("invalid route key %q: must be a single path segment", svc)
		}
	}

	return routes, nil
}

// IsProduction reports whether the gateway runs in a production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// EffectiveRateLimit returns the per-minute budget after applying the
// override, if any.
func (c *Config) EffectiveRateLimit() int {
	if c.RateLimitPerMinuteOverride > 0 {
		return c.RateLimitPerMinuteOverride
	}
	if c.RateLimitPerMinute > 0 {
		return c.RateLimitPerMinute
	}
	return 120
}

// SplitCSV splits a comma-separated env value into trimmed non-empty items.
func SplitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func routesFilePath() string {
	if p := strings.TrimSpace(os.Getenv("BFF_ROUTES_FILE")); p != "" {
		return p
	}
	return "config/routes.yaml"
}
