// Package storage persists flag and variant snapshots between process
// restarts, and records exposures for later analysis.
//
// Every store keeps one JSON payload per (namespace, kind) pair. The SQLite
// store suits a single device or process; the PostgreSQL and Redis stores
// let a fleet of daemons share snapshots.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matt-riley/variantz/internal/core"
)

// Snapshot kinds.
const (
	KindFlags    = "flags"
	KindVariants = "variants"
)

// ErrNotFound is returned by Get and the Load methods when no snapshot of the
// requested kind has been saved for a namespace.
var ErrNotFound = core.ErrSnapshotNotFound

// ExposureRecord is a single stored exposure.
type ExposureRecord struct {
	InsertID      string
	Namespace     string
	FlagKey       string
	Variant       string
	ExperimentKey string
	Subject       string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// payloadStore is the raw key/value contract each backend implements.
type payloadStore interface {
	Get(ctx context.Context, namespace, kind string) ([]byte, error)
	Put(ctx context.Context, namespace, kind string, payload []byte) error
}

// snapshots decodes and encodes typed snapshots on top of a payloadStore.
// A missing snapshot loads as ErrNotFound; a saved empty one loads as an
// empty, non-nil value.
type snapshots struct {
	raw payloadStore
}

func (s snapshots) LoadFlags(ctx context.Context, namespace string) ([]core.Flag, error) {
	var flags []core.Flag
	if err := s.load(ctx, namespace, KindFlags, &flags); err != nil {
		return nil, err
	}
	if flags == nil {
		flags = []core.Flag{}
	}
	return flags, nil
}

func (s snapshots) SaveFlags(ctx context.Context, namespace string, flags []core.Flag) error {
	if flags == nil {
		flags = []core.Flag{}
	}
	return s.save(ctx, namespace, KindFlags, flags)
}

func (s snapshots) LoadVariants(ctx context.Context, namespace string) (map[string]core.Variant, error) {
	var variants map[string]core.Variant
	if err := s.load(ctx, namespace, KindVariants, &variants); err != nil {
		return nil, err
	}
	if variants == nil {
		variants = map[string]core.Variant{}
	}
	return variants, nil
}

func (s snapshots) SaveVariants(ctx context.Context, namespace string, variants map[string]core.Variant) error {
	if variants == nil {
		variants = map[string]core.Variant{}
	}
	return s.save(ctx, namespace, KindVariants, variants)
}

func (s snapshots) load(ctx context.Context, namespace, kind string, into any) error {
	payload, err := s.raw.Get(ctx, namespace, kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", kind, err)
	}
	return nil
}

func (s snapshots) save(ctx context.Context, namespace, kind string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", kind, err)
	}
	return s.raw.Put(ctx, namespace, kind, payload)
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode exposure metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode exposure metadata: %w", err)
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}

// Store is implemented by every backend in this package.
type Store interface {
	LoadFlags(ctx context.Context, namespace string) ([]core.Flag, error)
	SaveFlags(ctx context.Context, namespace string, flags []core.Flag) error
	LoadVariants(ctx context.Context, namespace string) (map[string]core.Variant, error)
	SaveVariants(ctx context.Context, namespace string, variants map[string]core.Variant) error
	AppendExposure(ctx context.Context, record ExposureRecord) error
	ListExposures(ctx context.Context, namespace string, limit int) ([]ExposureRecord, error)
	Close() error
}

// Notifier is implemented by stores that can announce snapshot writes made
// by other processes.
type Notifier interface {
	Subscribe(ctx context.Context) <-chan string
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ Store    = (*PostgresStore)(nil)
	_ Store    = (*RedisStore)(nil)
	_ Notifier = (*PostgresStore)(nil)
	_ Notifier = (*RedisStore)(nil)
)

// Open returns the store for driver ("sqlite", "postgres" or "redis").
// SQLite and PostgreSQL databases are migrated before use.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage driver %q needs a DSN", driver)
	}
	var (
		store Store
		err   error
	)
	switch driver {
	case "sqlite":
		store, err = OpenSQLite(ctx, dsn)
	case "postgres":
		store, err = OpenPostgres(ctx, dsn)
	case "redis":
		store, err = OpenRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
