package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "variantz_snapshots"

// PostgresStore shares snapshots across a fleet through PostgreSQL. Every Put
// sends a NOTIFY carrying the namespace so other processes can reload.
type PostgresStore struct {
	snapshots
	pool          *pgxpool.Pool
	notifyChannel string
	ownsPool      bool
}

// OpenPostgres connects to dsn, applies migrations and returns a store that
// closes its pool on Close.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := NewPostgresStore(pool)
	s.ownsPool = true
	return s, nil
}

// NewPostgresStore creates a [PostgresStore] that notifies on the default
// "variantz_snapshots" channel.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return NewPostgresStoreWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresStoreWithChannel creates a [PostgresStore] that notifies on the
// given channel.
func NewPostgresStoreWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresStore {
	s := &PostgresStore{pool: pool, notifyChannel: normalizeNotifyChannel(notifyChannel)}
	s.snapshots = snapshots{raw: s}
	return s
}

func (s *PostgresStore) Get(ctx context.Context, namespace, kind string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM snapshots WHERE namespace = $1 AND kind = $2
	`, namespace, kind).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s snapshot: %w", kind, err)
	}
	return payload, nil
}

// Put upserts the snapshot and notifies listeners within one transaction.
func (s *PostgresStore) Put(ctx context.Context, namespace, kind string, payload []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO snapshots (namespace, kind, payload, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (namespace, kind) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, namespace, kind, string(payload)); err != nil {
		return fmt.Errorf("put %s snapshot: %w", kind, err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.notifyChannel, namespace); err != nil {
		return fmt.Errorf("notify snapshot change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put snapshot tx: %w", err)
	}
	return nil
}

// AppendExposure inserts one exposure row. Re-inserting the same InsertID is
// a no-op.
func (s *PostgresStore) AppendExposure(ctx context.Context, record ExposureRecord) error {
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return err
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO exposures (insert_id, namespace, flag_key, variant, experiment_key, subject, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (insert_id) DO NOTHING
	`,
		record.InsertID,
		record.Namespace,
		record.FlagKey,
		record.Variant,
		record.ExperimentKey,
		record.Subject,
		metadata,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("append exposure: %w", err)
	}
	return nil
}

// ListExposures returns up to limit exposures for a namespace, oldest first.
func (s *PostgresStore) ListExposures(ctx context.Context, namespace string, limit int) ([]ExposureRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT insert_id, namespace, flag_key, variant, experiment_key, subject, metadata, created_at
		FROM exposures
		WHERE namespace = $1
		ORDER BY created_at, insert_id
		LIMIT $2
	`, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("list exposures: %w", err)
	}
	defer rows.Close()

	var records []ExposureRecord
	for rows.Next() {
		var (
			record   ExposureRecord
			metadata []byte
		)
		if err := rows.Scan(
			&record.InsertID,
			&record.Namespace,
			&record.FlagKey,
			&record.Variant,
			&record.ExperimentKey,
			&record.Subject,
			&metadata,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		if record.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list exposures rows: %w", err)
	}
	return records, nil
}

// Subscribe returns a channel that receives the namespace of every snapshot
// written by any process sharing the database. The listener reconnects after
// connection loss; the channel is closed when ctx is done.
func (s *PostgresStore) Subscribe(ctx context.Context) <-chan string {
	changes := make(chan string, 16)
	go s.runListener(ctx, changes)
	return changes
}

func (s *PostgresStore) runListener(ctx context.Context, changes chan<- string) {
	defer close(changes)

	for {
		err := s.listen(ctx, changes)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (s *PostgresStore) listen(ctx context.Context, changes chan<- string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(s.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", s.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for snapshot notification: %w", err)
		}

		select {
		case changes <- notification.Payload:
		case <-ctx.Done():
			return nil
		}
	}
}

// Pool exposes the underlying pool for instrumentation.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
