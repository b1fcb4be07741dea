package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	RequireAuth    bool
	Redis          RedisConfig
	Signaling      SignalingConfig
	Log            LogConfig
}

type RedisConfig struct {
	Enabled       bool
	Host          string
	Port          string
	Password      string
	DB            int
	PresenceTTL   time.Duration
	CallRecordTTL time.Duration
}

// SignalingConfig holds the call lifecycle and per-connection limits.
type SignalingConfig struct {
	RingTimeout          time.Duration
	SessionRetention     time.Duration
	MaxPendingCandidates int
	MaxMessageBytes      int64
	MessagesPerSecond    float64
	MessageBurst         int
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// file holds values read from CONFIG_FILE. Environment variables win over it.
type file struct {
	values map[string]string
}

// Load builds the configuration from the optional INI file named by
// CONFIG_FILE and the process environment.
func Load() (*Config, error) {
	src := &file{values: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		src = fromINI(f)
	}

	// Parse allowed origins (comma-separated)
	originsStr := src.get("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	var errs []string
	durationVar := func(key string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(src.get(key, def.String()))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return d
	}
	intVar := func(key string, def int) int {
		n, err := strconv.Atoi(src.get(key, strconv.Itoa(def)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return n
	}
	boolVar := func(key string, def bool) bool {
		b, err := strconv.ParseBool(src.get(key, strconv.FormatBool(def)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return b
	}
	floatVar := func(key string, def float64) float64 {
		f, err := strconv.ParseFloat(src.get(key, strconv.FormatFloat(def, 'f', -1, 64)), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return f
	}

	cfg := &Config{
		Port:           src.get("PORT", "8080"),
		Environment:    src.get("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      src.get("JWT_SECRET", "change-me-in-production"),
		RequireAuth:    boolVar("REQUIRE_AUTH", false),
		Redis: RedisConfig{
			Enabled:       boolVar("REDIS_ENABLED", true),
			Host:          src.get("REDIS_HOST", "localhost"),
			Port:          src.get("REDIS_PORT", "6379"),
			Password:      src.get("REDIS_PASSWORD", ""),
			DB:            intVar("REDIS_DB", 0),
			PresenceTTL:   durationVar("PRESENCE_TTL", 24*time.Hour),
			CallRecordTTL: durationVar("CALL_RECORD_TTL", 24*time.Hour),
		},
		Signaling: SignalingConfig{
			RingTimeout:          durationVar("RING_TIMEOUT", 30*time.Second),
			SessionRetention:     durationVar("SESSION_RETENTION", time.Minute),
			MaxPendingCandidates: intVar("MAX_PENDING_CANDIDATES", 64),
			MaxMessageBytes:      int64(intVar("MAX_MESSAGE_BYTES", 64*1024)),
			MessagesPerSecond:    floatVar("MAX_MESSAGES_PER_SECOND", 50),
			MessageBurst:         intVar("MESSAGE_BURST", 100),
		},
		Log: LogConfig{
			Level:      src.get("LOG_LEVEL", "info"),
			File:       src.get("LOG_FILE", ""),
			MaxSizeMB:  intVar("LOG_MAX_SIZE_MB", 100),
			MaxBackups: intVar("LOG_MAX_BACKUPS", 3),
		},
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the signaling layer cannot run with.
func (c *Config) Validate() error {
	s := c.Signaling
	switch {
	case s.RingTimeout <= 0:
		return fmt.Errorf("RING_TIMEOUT must be positive, got %s", s.RingTimeout)
	case s.SessionRetention < 0:
		return fmt.Errorf("SESSION_RETENTION must not be negative, got %s", s.SessionRetention)
	case s.MaxPendingCandidates <= 0:
		return fmt.Errorf("MAX_PENDING_CANDIDATES must be positive, got %d", s.MaxPendingCandidates)
	case s.MaxMessageBytes <= 0:
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", s.MaxMessageBytes)
	case s.MessagesPerSecond <= 0 || s.MessageBurst <= 0:
		return fmt.Errorf("message rate limits must be positive")
	}
	if c.RequireAuth && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when REQUIRE_AUTH is set")
	}
	return nil
}

// IsProduction reports whether the server runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// fromINI flattens sections into the environment key space: key "timeout"
// in section [signaling] is read as SIGNALING_TIMEOUT, keys in the default
// section keep their name.
func fromINI(f *ini.File) *file {
	values := map[string]string{}
	for _, sec := range f.Sections() {
		prefix := ""
		if sec.Name() != ini.DefaultSection {
			prefix = strings.ToUpper(sec.Name()) + "_"
		}
		for _, key := range sec.Keys() {
			values[prefix+strings.ToUpper(key.Name())] = key.String()
		}
	}
	return &file{values: values}
}

func (f *file) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := f.values[key]; ok && value != "" {
		return value
	}
	return defaultValue
}
