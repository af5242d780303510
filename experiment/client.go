package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/fetch"
)

const bestEffortTimeout = 2 * time.Second

type flagSnapshot struct {
	byKey   map[string]Flag
	ordered []Flag
}

// Client resolves variants for the current context. Flag and variant
// snapshots are replaced whole, so readers never block on a refresh and never
// see a partially applied one.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	namespace string

	flags    atomic.Pointer[flagSnapshot]
	variants atomic.Pointer[map[string]Variant]

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.DeploymentKey != "" && (cfg.FlagSource == nil || cfg.VariantSource == nil) {
		fetchCfg := fetch.Config{
			ServerURL:     cfg.ServerURL,
			DeploymentKey: cfg.DeploymentKey,
			Timeout:       cfg.FetchTimeout,
			Retries:       cfg.FetchRetries,
			Logger:        cfg.Logger,
		}
		if observer, ok := cfg.Metrics.(fetch.Observer); ok {
			fetchCfg.Observer = observer
		}
		fetcher, err := fetch.New(fetchCfg)
		if err != nil {
			return nil, fmt.Errorf("create fetcher: %w", err)
		}
		if cfg.FlagSource == nil {
			cfg.FlagSource = fetcher
		}
		if cfg.VariantSource == nil {
			cfg.VariantSource = fetcher
		}
	}

	client := &Client{
		cfg:       cfg,
		logger:    cfg.Logger.With("instance", cfg.InstanceName),
		namespace: cfg.Namespace(),
		stop:      make(chan struct{}),
	}
	client.flags.Store(&flagSnapshot{byKey: map[string]Flag{}})
	empty := map[string]Variant{}
	client.variants.Store(&empty)

	return client, nil
}

// Start restores persisted snapshots, fetches flags and variants, and starts
// the flag poller. Fetch failures are logged and returned joined; the client
// stays usable with whatever snapshots it has.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.Restore(ctx)

	var errs []error
	if c.cfg.FlagSource != nil {
		if err := c.FetchFlags(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cfg.VariantSource != nil {
		if err := c.Fetch(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.cfg.FlagSource != nil && c.cfg.FlagsPollInterval > 0 {
		c.wg.Add(1)
		go c.pollFlags(c.cfg.FlagsPollInterval)
	}

	return errors.Join(errs...)
}

// Stop ends background polling. It is safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Client) pollFlags(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
			_ = c.FetchFlags(ctx)
			cancel()
		}
	}
}

// Restore replaces the snapshots with the ones persisted in the store.
// A persisted empty snapshot clears the current one; a snapshot that was
// never saved leaves the current one as it is.
func (c *Client) Restore(ctx context.Context) {
	if c.cfg.Store == nil {
		return
	}

	flags, err := c.cfg.Store.LoadFlags(ctx, c.namespace)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
	case err != nil:
		c.logger.Warn("load persisted flags failed", "namespace", c.namespace, "error", err)
	default:
		c.SetFlags(flags)
	}

	variants, err := c.cfg.Store.LoadVariants(ctx, c.namespace)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
	case err != nil:
		c.logger.Warn("load persisted variants failed", "namespace", c.namespace, "error", err)
	default:
		c.SetVariants(variants)
	}
}

// Fetch fetches remote variants for the current context and replaces the
// variant snapshot.
func (c *Client) Fetch(ctx context.Context) error {
	if c.cfg.VariantSource == nil {
		return ErrNoVariantSource
	}

	variants, err := c.cfg.VariantSource.FetchVariants(ctx, c.cfg.ContextProvider.Context())
	if err != nil {
		c.logger.Warn("fetch variants failed", "error", err)
		return fmt.Errorf("fetch variants: %w", err)
	}

	c.SetVariants(variants)
	c.persist(ctx, func(ctx context.Context) error {
		return c.cfg.Store.SaveVariants(ctx, c.namespace, variants)
	})
	return nil
}

// FetchFlags fetches flag definitions and replaces the flag snapshot.
func (c *Client) FetchFlags(ctx context.Context) error {
	if c.cfg.FlagSource == nil {
		return ErrNoFlagSource
	}

	flags, err := c.cfg.FlagSource.FetchFlags(ctx)
	if err != nil {
		c.logger.Warn("fetch flags failed", "error", err)
		return fmt.Errorf("fetch flags: %w", err)
	}

	c.SetFlags(flags)
	c.persist(ctx, func(ctx context.Context) error {
		return c.cfg.Store.SaveFlags(ctx, c.namespace, flags)
	})
	return nil
}

func (c *Client) persist(ctx context.Context, save func(context.Context) error) {
	if c.cfg.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := save(ctx); err != nil {
		c.logger.Warn("persist snapshot failed", "namespace", c.namespace, "error", err)
	}
}

// SetFlags replaces the flag snapshot. Later duplicates of a key win.
func (c *Client) SetFlags(flags []Flag) {
	byKey := make(map[string]Flag, len(flags))
	order := make([]string, 0, len(flags))
	for _, flag := range flags {
		if _, seen := byKey[flag.Key]; !seen {
			order = append(order, flag.Key)
		}
		byKey[flag.Key] = flag
	}

	snapshot := &flagSnapshot{byKey: byKey, ordered: make([]Flag, 0, len(order))}
	for _, key := range order {
		snapshot.ordered = append(snapshot.ordered, byKey[key])
	}

	c.flags.Store(snapshot)
	c.recordSnapshot("flags", len(snapshot.byKey))
}

// SetVariants replaces the remote variant snapshot.
func (c *Client) SetVariants(variants map[string]Variant) {
	next := maps.Clone(variants)
	if next == nil {
		next = map[string]Variant{}
	}
	c.variants.Store(&next)
	c.recordSnapshot("variants", len(next))
}

// Clear drops every cached remote variant.
func (c *Client) Clear() {
	c.SetVariants(nil)
	c.persist(context.Background(), func(ctx context.Context) error {
		return c.cfg.Store.SaveVariants(ctx, c.namespace, map[string]Variant{})
	})
}

func (c *Client) currentFlags() *flagSnapshot {
	return c.flags.Load()
}

func (c *Client) currentVariants() map[string]Variant {
	return *c.variants.Load()
}

// Flags returns the current flag definitions in the order they were set.
func (c *Client) Flags() []Flag {
	return append([]Flag(nil), c.currentFlags().ordered...)
}

// Variant resolves key through the waterfall and, unless automatic tracking
// is disabled, reports an exposure. A nil fallback skips the inline rung.
func (c *Client) Variant(key string, fallback *Variant) Variant {
	return c.VariantDetail(key, fallback).Variant
}

// VariantDetail is Variant returning the provenance alongside the variant.
func (c *Client) VariantDetail(key string, fallback *Variant) Resolution {
	evalContext := c.cfg.ContextProvider.Context()
	resolution := c.resolve(key, fallback, evalContext)
	c.recordResolution(resolution)
	if !c.cfg.DisableAutomaticExposureTracking {
		c.track(key, resolution, evalContext)
	}
	return resolution
}

// VariantFor resolves key against evalContext instead of the provider's
// context, without tracking an exposure. Cached remote variants were fetched
// for the provider's context and are not consulted; local evaluation,
// initial variants and the fallbacks decide.
func (c *Client) VariantFor(evalContext Context, key string, fallback *Variant) Resolution {
	resolution := c.resolveFor(key, fallback, evalContext)
	c.recordResolution(resolution)
	return resolution
}

// Exposure reports an exposure for key's current resolution.
func (c *Client) Exposure(key string) {
	evalContext := c.cfg.ContextProvider.Context()
	c.track(key, c.resolve(key, nil, evalContext), evalContext)
}

// ExposureFor reports an exposure for key's resolution against evalContext,
// resolved the way VariantFor resolves it with no inline fallback.
func (c *Client) ExposureFor(evalContext Context, key string) {
	c.track(key, c.resolveFor(key, nil, evalContext), evalContext)
}

// TrackResolution reports an exposure for a resolution the caller already
// holds, such as one returned by VariantFor. Fallback resolutions with no
// default assignment behind them are not reported.
func (c *Client) TrackResolution(evalContext Context, key string, resolution Resolution) {
	c.track(key, resolution, evalContext)
}

// All resolves every known flag key without tracking exposures. Keys that
// resolve only to a fallback or to nothing are left out.
func (c *Client) All() map[string]Variant {
	evalContext := c.cfg.ContextProvider.Context()

	keys := make(map[string]struct{})
	for key := range c.cfg.InitialVariants {
		keys[key] = struct{}{}
	}
	for key := range c.currentVariants() {
		keys[key] = struct{}{}
	}
	for key := range c.currentFlags().byKey {
		keys[key] = struct{}{}
	}

	all := make(map[string]Variant, len(keys))
	for key := range keys {
		resolution := c.resolve(key, nil, evalContext)
		switch resolution.Provenance {
		case ProvenanceNone, ProvenanceFallbackInline, ProvenanceFallbackConfig:
			continue
		}
		if resolution.Variant.IsEmpty() {
			continue
		}
		all[key] = resolution.Variant
	}
	return all
}

// Evaluate locally evaluates keys, or every flag when none are given,
// against the provider's context.
func (c *Client) Evaluate(keys ...string) map[string]Variant {
	return c.evaluate(c.cfg.ContextProvider.Context(), keys)
}

// EvaluateFor locally evaluates keys against evalContext.
func (c *Client) EvaluateFor(evalContext Context, keys ...string) map[string]Variant {
	return c.evaluate(evalContext, keys)
}

func (c *Client) evaluate(evalContext Context, keys []string) map[string]Variant {
	snapshot := c.currentFlags()
	if len(snapshot.ordered) == 0 {
		return map[string]Variant{}
	}

	results, err := core.EvaluateKeys(core.ValueOf(evalContext), snapshot.ordered, keys)
	if err != nil {
		var cycleErr *core.CycleError
		if errors.As(err, &cycleErr) {
			c.logger.Warn("flag dependency cycle", "path", cycleErr.Path, "error", err)
		} else {
			c.logger.Warn("local evaluation failed", "error", err)
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordEvaluationFailure()
		}
		return map[string]Variant{}
	}

	for key, variant := range results {
		if variant.ExpKey == "" {
			variant.ExpKey = variant.ExperimentKey()
			results[key] = variant
		}
	}
	return results
}

func (c *Client) track(key string, resolution Resolution, evalContext Context) {
	exposure, ok := exposureFor(key, resolution, SubjectOf(evalContext))
	if !ok || c.cfg.ExposureSink == nil {
		return
	}

	c.cfg.ExposureSink.Track(exposure)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordExposure(key)
	}
}

func (c *Client) recordResolution(resolution Resolution) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordResolution(string(resolution.Provenance))
	}
}

func (c *Client) recordSnapshot(kind string, size int) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordSnapshot(kind, size)
	}
}

// Keys returns the sorted keys of the current flag snapshot.
func (c *Client) Keys() []string {
	snapshot := c.currentFlags()
	keys := make([]string, 0, len(snapshot.byKey))
	for key := range snapshot.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
