package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so that text ordering matches time
// ordering. RFC3339Nano trims trailing zeros and would sort "12:00:00.5Z"
// before "12:00:00Z".
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps snapshots and exposures in a local SQLite database.
type SQLiteStore struct {
	snapshots
	db *sql.DB
}

// OpenSQLite opens the SQLite database at dsn, applies migrations and returns
// a store. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := MigrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	s := &SQLiteStore{db: db}
	s.snapshots = snapshots{raw: s}
	return s
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, kind string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots WHERE namespace = ? AND kind = ?
	`, namespace, kind).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s snapshot: %w", kind, err)
	}
	return []byte(payload), nil
}

func (s *SQLiteStore) Put(ctx context.Context, namespace, kind string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (namespace, kind, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, kind) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, namespace, kind, string(payload), time.Now().UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("put %s snapshot: %w", kind, err)
	}
	return nil
}

// AppendExposure inserts one exposure row. Re-inserting the same InsertID is
// a no-op.
func (s *SQLiteStore) AppendExposure(ctx context.Context, record ExposureRecord) error {
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return err
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exposures (insert_id, namespace, flag_key, variant, experiment_key, subject, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (insert_id) DO NOTHING
	`,
		record.InsertID,
		record.Namespace,
		record.FlagKey,
		record.Variant,
		record.ExperimentKey,
		record.Subject,
		metadata,
		createdAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("append exposure: %w", err)
	}
	return nil
}

// ListExposures returns up to limit exposures for a namespace, oldest first.
func (s *SQLiteStore) ListExposures(ctx context.Context, namespace string, limit int) ([]ExposureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT insert_id, namespace, flag_key, variant, experiment_key, subject, metadata, created_at
		FROM exposures
		WHERE namespace = ?
		ORDER BY created_at, insert_id
		LIMIT ?
	`, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("list exposures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ExposureRecord
	for rows.Next() {
		var (
			record    ExposureRecord
			metadata  string
			createdAt string
		)
		if err := rows.Scan(
			&record.InsertID,
			&record.Namespace,
			&record.FlagKey,
			&record.Variant,
			&record.ExperimentKey,
			&record.Subject,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		if record.Metadata, err = decodeMetadata([]byte(metadata)); err != nil {
			return nil, err
		}
		// RFC3339Nano also accepts rows written before the fixed-width layout.
		if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse exposure time: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list exposures rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
