package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Push transports understood by LoadConfig.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportNATS      = "nats"
	TransportNone      = "none"
)

// Config represents application configuration loaded from environment
// variables, optionally layered over a YAML file named by CONFIG_FILE.
type Config struct {
	AppEnv   string
	LogLevel string
	Port     string

	APIBaseURL string
	APIToken   string
	APITimeout time.Duration

	PushTransport     string
	WSURL             string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	NATSURL           string
	NATSMaxReconnects int
	ChannelPrefix     string
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	PollInterval time.Duration
	JobTimeout   time.Duration
	RetryTimeout time.Duration
	SessionTTL   time.Duration

	DatabaseURL string
	DBMaxConns  int32

	StoragePath       string
	MinIOEndpoint     string
	MinIOAccessKey    string
	MinIOSecretKey    string
	MinIOBucket       string
	MinIOUseSSL       bool
	ExportConcurrency int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	DefaultLocale    string
	GeoIPDBPath      string
	AllowedOrigins   []string
}

// LoadConfig loads configuration and applies defaults where needed.
func LoadConfig() (*Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:   src.get("APP_ENV", "development"),
		LogLevel: src.get("LOG_LEVEL", ""),
		Port:     src.get("PORT", "8080"),

		APIBaseURL: strings.TrimRight(src.get("API_BASE_URL", ""), "/"),
		APIToken:   src.get("API_TOKEN", ""),
		APITimeout: time.Second * time.Duration(src.getInt("API_TIMEOUT_SECONDS", 30)),

		PushTransport:     strings.ToLower(src.get("PUSH_TRANSPORT", TransportWebSocket)),
		WSURL:             src.get("WS_URL", ""),
		RedisAddr:         src.get("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     src.get("REDIS_PASSWORD", ""),
		RedisDB:           src.getInt("REDIS_DB", 0),
		NATSURL:           src.get("NATS_URL", "nats://localhost:4222"),
		NATSMaxReconnects: src.getInt("NATS_MAX_RECONNECTS", 60),
		ChannelPrefix:     src.get("CHANNEL_PREFIX", "generation"),
		ReconnectInitial:  time.Millisecond * time.Duration(src.getInt("RECONNECT_INITIAL_MS", 500)),
		ReconnectMax:      time.Second * time.Duration(src.getInt("RECONNECT_MAX_SECONDS", 30)),
		ReconnectAttempts: src.getInt("RECONNECT_ATTEMPTS", 10),

		PollInterval: time.Second * time.Duration(src.getInt("POLL_INTERVAL_SECONDS", 2)),
		JobTimeout:   time.Second * time.Duration(src.getInt("JOB_TIMEOUT_SECONDS", 600)),
		RetryTimeout: time.Second * time.Duration(src.getInt("RETRY_TIMEOUT_SECONDS", 60)),
		SessionTTL:   time.Second * time.Duration(src.getInt("SESSION_TTL_SECONDS", 1800)),

		DatabaseURL: src.get("DATABASE_URL", ""),
		DBMaxConns:  int32(src.getInt("DB_MAX_CONNS", 10)),

		StoragePath:       src.get("STORAGE_PATH", "./exports"),
		MinIOEndpoint:     src.get("MINIO_ENDPOINT", ""),
		MinIOAccessKey:    src.get("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:    src.get("MINIO_SECRET_KEY", ""),
		MinIOBucket:       src.get("MINIO_BUCKET", "generations"),
		MinIOUseSSL:       src.getBool("MINIO_USE_SSL", false),
		ExportConcurrency: src.getInt("EXPORT_CONCURRENCY", 4),

		HTTPReadTimeout:  time.Second * time.Duration(src.getInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(src.getInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(src.getInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  src.getInt("RATE_LIMIT_PER_MINUTE", 30),
		DefaultLocale:    src.get("DEFAULT_LOCALE", "en"),
		GeoIPDBPath:      src.get("GEOIP_DB_PATH", ""),
		AllowedOrigins:   splitList(src.get("ALLOWED_ORIGINS", "")),
	}

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL is required")
	}

	switch cfg.PushTransport {
	case TransportWebSocket:
		if cfg.WSURL == "" {
			return nil, fmt.Errorf("WS_URL is required for the websocket transport")
		}
	case TransportRedis, TransportNATS, TransportNone:
	default:
		return nil, fmt.Errorf("PUSH_TRANSPORT %q is not supported", cfg.PushTransport)
	}

	if cfg.PollInterval <= 0 || cfg.JobTimeout <= 0 || cfg.RetryTimeout <= 0 {
		return nil, fmt.Errorf("poll interval and timeouts must be positive")
	}

	return cfg, nil
}

// source resolves keys from the environment first, then from the file overlay.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	src := source{file: map[string]string{}}
	if strings.TrimSpace(path) == "" {
		return src, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return src, fmt.Errorf("config: read %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return src, fmt.Errorf("config: parse %q: %w", path, err)
	}
	for k, v := range raw {
		if v == nil {
			continue
		}
		src.file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return src, nil
}

func (s source) get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if v, ok := s.file[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (s source) getInt(key string, fallback int) int {
	if v := s.get(key, ""); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func (s source) getBool(key string, fallback bool) bool {
	if v := s.get(key, ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
