package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SDKVersion is reported in the User-Agent of every outbound request.
const SDKVersion = "1.4.0"

// Config contains runtime configuration values.
type Config struct {
	Environment    string
	ServiceName    string
	BridgePort     string
	BridgeToken    string
	APIBaseURL     string
	PublishableKey string
	AppID          string
	AppVersion     string
	APIVersion     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	DatabaseURL    string

	HTTPTimeout           time.Duration
	RequestsPerSecond     float64
	TokenRefreshThreshold time.Duration
	StreamReconnectDelay  time.Duration
	CompletionTimeout     time.Duration
	PatchTimeout          time.Duration
	QuoteCacheTTL         time.Duration

	BridgeRequestsPerMinute int
	BridgeAllowedOrigins    []string
	DeviceModel             string

	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	key := strings.TrimSpace(os.Getenv("FLEXA_PUBLISHABLE_KEY"))
	if key == "" {
		return Config{}, fmt.Errorf("FLEXA_PUBLISHABLE_KEY is required")
	}

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		ServiceName:    getEnv("SERVICE_NAME", "flexa-spend"),
		BridgePort:     getEnv("BRIDGE_PORT", "8787"),
		BridgeToken:    os.Getenv("BRIDGE_TOKEN"),
		APIBaseURL:     strings.TrimRight(getEnv("FLEXA_API_URL", "https://api.flexa.co"), "/"),
		PublishableKey: key,
		AppID:          getEnv("FLEXA_APP_ID", "co.flexa.spend"),
		AppVersion:     getEnv("APP_VERSION", "0.0.0"),
		APIVersion:     getEnv("FLEXA_API_VERSION", "2024-05-14"),
		RedisAddr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0),
		DatabaseURL:    os.Getenv("DATABASE_URL"),

		HTTPTimeout:           getDuration("HTTP_TIMEOUT", 30*time.Second),
		RequestsPerSecond:     getFloat("FLEXA_REQUESTS_PER_SECOND", 10),
		TokenRefreshThreshold: getDuration("TOKEN_REFRESH_THRESHOLD", 5*time.Minute),
		StreamReconnectDelay:  getDuration("STREAM_RECONNECT_DELAY", 3*time.Second),
		CompletionTimeout:     getDuration("COMPLETION_TIMEOUT", 60*time.Second),
		PatchTimeout:          getDuration("PATCH_TIMEOUT", 3*time.Second),
		QuoteCacheTTL:         getDuration("QUOTE_CACHE_TTL", 25*time.Second),

		BridgeRequestsPerMinute: getInt("BRIDGE_RATE_LIMIT_PER_MINUTE", 600),
		BridgeAllowedOrigins:    getList("BRIDGE_ALLOWED_ORIGINS"),
		DeviceModel:             getEnv("DEVICE_MODEL", "flexa-spend"),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		// Fraction of root traces kept; child spans follow the parent.
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return Config{}, fmt.Errorf("FLEXA_API_URL must be an http(s) url")
	}
	if cfg.TokenRefreshThreshold <= 0 {
		cfg.TokenRefreshThreshold = 5 * time.Minute
	}
	if cfg.StreamReconnectDelay <= 0 {
		cfg.StreamReconnectDelay = 3 * time.Second
	}
	if cfg.TelemetrySampleRatio < 0 || cfg.TelemetrySampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
