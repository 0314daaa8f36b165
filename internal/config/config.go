package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"peercounsel/internal/logging"
	"peercounsel/pkg/ice"
)

const defaultStaticPath = "../frontend/dist"

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Track replacement policy.
const (
	ReplaceAuto = "auto"
	ReplaceOn   = "on"
	ReplaceOff  = "off"
)

// Config is the process configuration, read from the environment after any
// .env files have been loaded.
type Config struct {
	Env        string
	Addr       string
	StaticPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StorePrefix   string
	StoreBackend  string

	HistoryDriver string
	HistoryDSN    string

	ICE ice.Config

	AnswerTimeout       time.Duration
	InstantClaimTimeout time.Duration
	DisconnectGrace     time.Duration
	ReplaceTrack        string
	ProfileCacheSize    int

	Log logging.Config
}

// Development reports whether APP_ENV selects the development profile.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

// LoadEnv loads .env files without overriding variables already set.
// Missing files are ignored; other failures are returned joined.
func LoadEnv() error {
	paths := []string{
		".env",
		filepath.Join("backend", ".env"),
		"../.env",
	}
	var errs []error
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			errs = append(errs, fmt.Errorf("env load %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the configuration from the environment. Malformed numeric or
// duration values fall back to their defaults and are reported by Validate.
func Load() (Config, []error) {
	var problems []error
	cfg := Config{
		Env:           getenv("APP_ENV", "production"),
		Addr:          getenv("ADDR", ":8080"),
		StaticPath:    getenv("STATIC_DIR", defaultStaticPath),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		StorePrefix:   getenv("STORE_PREFIX", "peercounsel"),
		StoreBackend:  strings.ToLower(getenv("STORE_BACKEND", BackendRedis)),
		HistoryDriver: strings.ToLower(getenv("HISTORY_DRIVER", "sqlite")),
		HistoryDSN:    getenv("HISTORY_DSN", "file:history.db?cache=shared"),
		ICE: ice.Config{
			Mode:         strings.TrimSpace(os.Getenv("ICE_MODE")),
			STUNURLs:     strings.TrimSpace(os.Getenv("STUN_URLS")),
			TURNURLs:     strings.TrimSpace(os.Getenv("TURN_URLS")),
			TURNUsername: strings.TrimSpace(os.Getenv("TURN_USERNAME")),
			TURNPassword: strings.TrimSpace(os.Getenv("TURN_PASSWORD")),
		},
		ReplaceTrack: strings.ToLower(getenv("REPLACE_TRACK", ReplaceAuto)),
		Log: logging.Config{
			Level:    getenv("LOG_LEVEL", "info"),
			Filename: os.Getenv("LOG_FILENAME"),
		},
	}
	cfg.Log.Development = cfg.Development()

	intVar := func(key string, fallback int, dst *int) {
		v, err := getInt(key, fallback)
		if err != nil {
			problems = append(problems, err)
		}
		*dst = v
	}
	durVar := func(key string, fallback time.Duration, dst *time.Duration) {
		v, err := getDuration(key, fallback)
		if err != nil {
			problems = append(problems, err)
		}
		*dst = v
	}

	intVar("REDIS_DB", 0, &cfg.RedisDB)
	intVar("PROFILE_CACHE_SIZE", 256, &cfg.ProfileCacheSize)
	intVar("LOG_MAX_SIZE", 100, &cfg.Log.MaxSize)
	intVar("LOG_MAX_AGE", 28, &cfg.Log.MaxAge)
	intVar("LOG_MAX_BACKUPS", 3, &cfg.Log.MaxBackups)
	durVar("ANSWER_TIMEOUT", 60*time.Second, &cfg.AnswerTimeout)
	durVar("INSTANT_CLAIM_TIMEOUT", 2*time.Minute, &cfg.InstantClaimTimeout)
	durVar("DISCONNECT_GRACE", 0, &cfg.DisconnectGrace)

	return cfg, problems
}

// Validate checks values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q: want redis or memory", c.StoreBackend))
	}
	switch c.HistoryDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("HISTORY_DRIVER %q: want sqlite or postgres", c.HistoryDriver))
	}
	switch c.ReplaceTrack {
	case ReplaceAuto, ReplaceOn, ReplaceOff:
	default:
		errs = append(errs, fmt.Errorf("REPLACE_TRACK %q: want auto, on or off", c.ReplaceTrack))
	}
	if c.AnswerTimeout <= 0 {
		errs = append(errs, errors.New("ANSWER_TIMEOUT must be positive"))
	}
	if c.InstantClaimTimeout <= 0 {
		errs = append(errs, errors.New("INSTANT_CLAIM_TIMEOUT must be positive"))
	}
	if c.DisconnectGrace < 0 {
		errs = append(errs, errors.New("DISCONNECT_GRACE must not be negative"))
	}
	if c.ProfileCacheSize <= 0 {
		errs = append(errs, errors.New("PROFILE_CACHE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
