package experiment

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultInstanceName      = "$default_instance"
	DefaultServerURL         = "http://localhost:8080"
	DefaultFlagsPollInterval = 5 * time.Minute
	DefaultFetchTimeout      = 10 * time.Second
)

var (
	ErrMissingDeploymentKey = errors.New("deployment key is required")
	ErrClientClosed         = errors.New("client is closed")
	ErrNoVariantSource      = errors.New("no variant source configured")
	ErrNoFlagSource         = errors.New("no flag source configured")
)

// Config configures a Client. Zero values take the documented defaults.
type Config struct {
	// DeploymentKey authenticates remote fetches and namespaces persisted snapshots.
	DeploymentKey string
	// InstanceName separates clients sharing a deployment key. Default "$default_instance".
	InstanceName string
	ServerURL    string

	// Source picks the primary rung of the waterfall. Default SourceRemote.
	Source          Source
	InitialVariants map[string]Variant
	// FallbackVariant is returned when nothing else resolves.
	FallbackVariant Variant

	DisableAutomaticExposureTracking bool

	// FlagsPollInterval is how often Start's poller refreshes flags. Default 5m;
	// a negative value disables polling.
	FlagsPollInterval time.Duration
	FetchTimeout      time.Duration
	FetchRetries      int

	// FlagSource and VariantSource default to the HTTP fetcher when
	// DeploymentKey is set.
	FlagSource      FlagSource
	VariantSource   VariantSource
	Store           Store
	ExposureSink    ExposureSink
	ContextProvider ContextProvider
	Metrics         MetricsRecorder
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.InstanceName == "" {
		c.InstanceName = DefaultInstanceName
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.Source == "" {
		c.Source = SourceRemote
	}
	if c.FlagsPollInterval == 0 {
		c.FlagsPollInterval = DefaultFlagsPollInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ContextProvider == nil {
		c.ContextProvider = &StaticContext{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) validate() error {
	switch c.Source {
	case SourceRemote, SourceInitialVariants:
	default:
		return fmt.Errorf("unknown variant source %q", c.Source)
	}
	if c.DeploymentKey == "" && c.FlagSource == nil && c.VariantSource == nil {
		return ErrMissingDeploymentKey
	}
	return nil
}

// Namespace is the storage namespace for this configuration's snapshots.
func (c Config) Namespace() string {
	instance := c.InstanceName
	if instance == "" {
		instance = DefaultInstanceName
	}
	key := c.DeploymentKey
	if len(key) > 6 {
		key = key[len(key)-6:]
	}
	return "variantz-" + instance + "-" + key
}

func (c Config) identity() string {
	instance := c.InstanceName
	if instance == "" {
		instance = DefaultInstanceName
	}
	return instance + "\x00" + c.DeploymentKey
}
