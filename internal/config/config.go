// Package config loads daemon configuration from environment variables.
//
// At least one flag source is required:
//   - DEPLOYMENT_KEY with SERVER_URL: fetch flags and remote variants.
//   - FLAGS_FILE: load flags from a local JSON file and watch it.
//
// Optional variables:
//   - INSTANCE_NAME: client instance name (default "$default_instance").
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (default ":8080", ":9090").
//   - LOG_LEVEL, LOG_FORMAT: "debug".."error" and "json" or "text".
//   - FLAGS_POLL_INTERVAL: remote flag refresh interval (default "5m").
//   - FETCH_TIMEOUT, FETCH_RETRIES: per-attempt timeout and retry count
//     (default "10s", 3).
//   - VARIANT_SOURCE: "remote" or "initial" (default "remote").
//   - INITIAL_VARIANTS_FILE: JSON object of flag key to variant.
//   - STORAGE_DRIVER: "none", "sqlite", "postgres" or "redis"; STORAGE_DSN is
//     required for anything but "none".
//   - EXPOSURE_SINK: "log", "store", "both" or "none" (default "log").
//   - EXPOSURE_DEDUP_WINDOW: how long repeated exposures are suppressed
//     (default "1h", "0" never forgets).
//   - API_KEY_HASH: bcrypt hash of the bearer token required on /v1/ and gRPC.
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default 10).
//   - MAX_JSON_BODY_SIZE: max request body in bytes (default 1MiB).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultInstanceName              = "$default_instance"
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultFlagsPollInterval         = 5 * time.Minute
	defaultFetchTimeout              = 10 * time.Second
	defaultFetchRetries              = 3
	defaultExposureDedupWindow       = time.Hour
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20
)

// Storage drivers.
const (
	StorageNone     = "none"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Exposure sinks.
const (
	ExposureLog   = "log"
	ExposureStore = "store"
	ExposureBoth  = "both"
	ExposureNone  = "none"
)

// Variant sources.
const (
	VariantSourceRemote  = "remote"
	VariantSourceInitial = "initial"
)

// Config holds the runtime configuration for the variantz daemon.
type Config struct {
	DeploymentKey       string
	ServerURL           string
	InstanceName        string
	HTTPAddr            string
	GRPCAddr            string
	LogLevel            string
	LogFormat           string
	FlagsPollInterval   time.Duration
	FetchTimeout        time.Duration
	FetchRetries        int
	FlagsFile           string
	VariantSource       string
	InitialVariantsFile string
	StorageDriver       string
	StorageDSN          string
	ExposureSink        string
	ExposureDedupWindow time.Duration
	APIKeyHash          string
	AuthRateLimit       int
	MaxJSONBodySize     int64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		DeploymentKey:       strings.TrimSpace(os.Getenv("DEPLOYMENT_KEY")),
		ServerURL:           strings.TrimSpace(os.Getenv("SERVER_URL")),
		InstanceName:        envOrDefault("INSTANCE_NAME", defaultInstanceName),
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:            envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		FlagsFile:           strings.TrimSpace(os.Getenv("FLAGS_FILE")),
		InitialVariantsFile: strings.TrimSpace(os.Getenv("INITIAL_VARIANTS_FILE")),
		StorageDSN:          strings.TrimSpace(os.Getenv("STORAGE_DSN")),
		APIKeyHash:          strings.TrimSpace(os.Getenv("API_KEY_HASH")),
	}

	if cfg.DeploymentKey == "" && cfg.FlagsFile == "" {
		return Config{}, errors.New("DEPLOYMENT_KEY or FLAGS_FILE is required")
	}
	if cfg.DeploymentKey != "" && cfg.ServerURL == "" {
		return Config{}, errors.New("SERVER_URL is required when DEPLOYMENT_KEY is set")
	}

	var err error
	if cfg.FlagsPollInterval, err = positiveDuration("FLAGS_POLL_INTERVAL", defaultFlagsPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = positiveDuration("FETCH_TIMEOUT", defaultFetchTimeout); err != nil {
		return Config{}, err
	}

	cfg.ExposureDedupWindow = defaultExposureDedupWindow
	if v := strings.TrimSpace(os.Getenv("EXPOSURE_DEDUP_WINDOW")); v != "" {
		if v == "0" {
			cfg.ExposureDedupWindow = 0
		} else {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("parse EXPOSURE_DEDUP_WINDOW: %w", err)
			}
			if parsed < 0 {
				return Config{}, errors.New("EXPOSURE_DEDUP_WINDOW must be >= 0")
			}
			cfg.ExposureDedupWindow = parsed
		}
	}

	cfg.FetchRetries = defaultFetchRetries
	if v := strings.TrimSpace(os.Getenv("FETCH_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("FETCH_RETRIES must be a non-negative integer")
		}
		cfg.FetchRetries = n
	}

	cfg.AuthRateLimit = defaultAuthRateLimit
	if v := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be a positive integer")
		}
		cfg.AuthRateLimit = n
	}

	cfg.MaxJSONBodySize = defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	if cfg.VariantSource, err = oneOf("VARIANT_SOURCE", VariantSourceRemote, VariantSourceRemote, VariantSourceInitial); err != nil {
		return Config{}, err
	}
	if cfg.StorageDriver, err = oneOf("STORAGE_DRIVER", StorageNone, StorageNone, StorageSQLite, StoragePostgres, StorageRedis); err != nil {
		return Config{}, err
	}
	if cfg.ExposureSink, err = oneOf("EXPOSURE_SINK", ExposureLog, ExposureLog, ExposureStore, ExposureBoth, ExposureNone); err != nil {
		return Config{}, err
	}

	if cfg.StorageDriver != StorageNone && cfg.StorageDSN == "" {
		return Config{}, fmt.Errorf("STORAGE_DSN is required when STORAGE_DRIVER is %q", cfg.StorageDriver)
	}
	if (cfg.ExposureSink == ExposureStore || cfg.ExposureSink == ExposureBoth) && cfg.StorageDriver == StorageNone {
		return Config{}, fmt.Errorf("EXPOSURE_SINK=%s needs a STORAGE_DRIVER", cfg.ExposureSink)
	}

	return cfg, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func oneOf(key, fallback string, allowed ...string) (string, error) {
	value := strings.ToLower(envOrDefault(key, fallback))
	for _, candidate := range allowed {
		if value == candidate {
			return value, nil
		}
	}
	return "", fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, ", "))
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
