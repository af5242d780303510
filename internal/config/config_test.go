package config

import (
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"DEPLOYMENT_KEY", "SERVER_URL", "INSTANCE_NAME", "HTTP_ADDR", "GRPC_ADDR",
	"LOG_LEVEL", "LOG_FORMAT", "FLAGS_POLL_INTERVAL", "FETCH_TIMEOUT", "FETCH_RETRIES",
	"FLAGS_FILE", "VARIANT_SOURCE", "INITIAL_VARIANTS_FILE", "STORAGE_DRIVER", "STORAGE_DSN",
	"EXPOSURE_SINK", "EXPOSURE_DEDUP_WINDOW", "API_KEY_HASH", "AUTH_RATE_LIMIT", "MAX_JSON_BODY_SIZE",
}

// setEnv clears every variable Load reads, then applies overrides.
func setEnv(t *testing.T, overrides map[string]string) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
	for key, value := range overrides {
		t.Setenv(key, value)
	}
}

func TestLoad_RequiresAFlagSource(t *testing.T) {
	setEnv(t, nil)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DEPLOYMENT_KEY or FLAGS_FILE") {
		t.Fatalf("Load() error = %v, want missing source error", err)
	}

	setEnv(t, map[string]string{"DEPLOYMENT_KEY": "client-key"})
	_, err = Load()
	if err == nil || !strings.Contains(err.Error(), "SERVER_URL") {
		t.Fatalf("Load() error = %v, want missing SERVER_URL error", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"FLAGS_FILE": "flags.json"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"InstanceName", cfg.InstanceName, "$default_instance"},
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"GRPCAddr", cfg.GRPCAddr, ":9090"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"FlagsPollInterval", cfg.FlagsPollInterval, 5 * time.Minute},
		{"FetchTimeout", cfg.FetchTimeout, 10 * time.Second},
		{"FetchRetries", cfg.FetchRetries, 3},
		{"VariantSource", cfg.VariantSource, VariantSourceRemote},
		{"StorageDriver", cfg.StorageDriver, StorageNone},
		{"ExposureSink", cfg.ExposureSink, ExposureLog},
		{"ExposureDedupWindow", cfg.ExposureDedupWindow, time.Hour},
		{"AuthRateLimit", cfg.AuthRateLimit, 10},
		{"MaxJSONBodySize", cfg.MaxJSONBodySize, int64(1 << 20)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, map[string]string{
		"DEPLOYMENT_KEY":        "client-key",
		"SERVER_URL":            "https://flags.example.com",
		"INSTANCE_NAME":         "edge",
		"FLAGS_POLL_INTERVAL":   "30s",
		"FETCH_RETRIES":         "0",
		"VARIANT_SOURCE":        "INITIAL",
		"STORAGE_DRIVER":        "sqlite",
		"STORAGE_DSN":           "variantz.db",
		"EXPOSURE_SINK":         "store",
		"EXPOSURE_DEDUP_WINDOW": "0",
		"API_KEY_HASH":          "$2a$10$abc",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FlagsPollInterval != 30*time.Second {
		t.Errorf("FlagsPollInterval = %v, want 30s", cfg.FlagsPollInterval)
	}
	if cfg.FetchRetries != 0 {
		t.Errorf("FetchRetries = %d, want 0", cfg.FetchRetries)
	}
	if cfg.VariantSource != VariantSourceInitial {
		t.Errorf("VariantSource = %q, want initial", cfg.VariantSource)
	}
	if cfg.StorageDriver != StorageSQLite || cfg.StorageDSN != "variantz.db" {
		t.Errorf("storage = %q %q, want sqlite variantz.db", cfg.StorageDriver, cfg.StorageDSN)
	}
	if cfg.ExposureDedupWindow != 0 {
		t.Errorf("ExposureDedupWindow = %v, want 0", cfg.ExposureDedupWindow)
	}
	if cfg.InstanceName != "edge" || cfg.APIKeyHash != "$2a$10$abc" {
		t.Errorf("unexpected identity settings: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"poll interval", map[string]string{"FLAGS_POLL_INTERVAL": "soon"}, "FLAGS_POLL_INTERVAL"},
		{"zero poll interval", map[string]string{"FLAGS_POLL_INTERVAL": "0s"}, "FLAGS_POLL_INTERVAL must be > 0"},
		{"fetch timeout", map[string]string{"FETCH_TIMEOUT": "-1s"}, "FETCH_TIMEOUT"},
		{"retries", map[string]string{"FETCH_RETRIES": "-1"}, "FETCH_RETRIES"},
		{"rate limit", map[string]string{"AUTH_RATE_LIMIT": "0"}, "AUTH_RATE_LIMIT"},
		{"body size", map[string]string{"MAX_JSON_BODY_SIZE": "big"}, "MAX_JSON_BODY_SIZE"},
		{"dedup window", map[string]string{"EXPOSURE_DEDUP_WINDOW": "-1m"}, "EXPOSURE_DEDUP_WINDOW"},
		{"variant source", map[string]string{"VARIANT_SOURCE": "cache"}, "VARIANT_SOURCE must be one of"},
		{"storage driver", map[string]string{"STORAGE_DRIVER": "mysql"}, "STORAGE_DRIVER must be one of"},
		{"storage dsn", map[string]string{"STORAGE_DRIVER": "redis"}, "STORAGE_DSN is required"},
		{"exposure sink", map[string]string{"EXPOSURE_SINK": "kafka"}, "EXPOSURE_SINK must be one of"},
		{"store sink without storage", map[string]string{"EXPOSURE_SINK": "store"}, "needs a STORAGE_DRIVER"},
		{"both sinks without storage", map[string]string{"EXPOSURE_SINK": "both"}, "needs a STORAGE_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{"FLAGS_FILE": "flags.json"}
			for k, v := range tt.env {
				env[k] = v
			}
			setEnv(t, env)

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
