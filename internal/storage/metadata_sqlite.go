package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// SQLiteMetadataStore is a MetadataStore backed by a SQLite database, one
// row per (bucket, key).
type SQLiteMetadataStore struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewSQLiteMetadataStore opens (creating if needed) the database at dbPath
// and brings its schema up to date.
func NewSQLiteMetadataStore(ctx context.Context, dbPath string) (*SQLiteMetadataStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteMetadataStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteMetadataStore) Close() error {
	return s.db.Close()
}

// WithTransaction runs a function within a database transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *SQLiteMetadataStore) Get(ctx context.Context, bucket string, key string) (Metadata, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM object_metadata WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

func upsertMetadata(ctx context.Context, tx *sql.Tx, bucket string, key string, md Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO object_metadata (bucket, key, metadata, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET metadata = excluded.metadata, updated_at = excluded.updated_at`,
		bucket, key, string(raw), time.Now().UTC())
	return err
}

func (s *SQLiteMetadataStore) Set(ctx context.Context, bucket string, key string, md Metadata) error {
	return WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return upsertMetadata(ctx, tx, bucket, key, md)
	})
}

func (s *SQLiteMetadataStore) Delete(ctx context.Context, bucket string, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM object_metadata WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) Move(ctx context.Context, bucket string, from string, to string) error {
	if from == to {
		return nil
	}

	return WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM object_metadata WHERE bucket = ? AND key = ?`, bucket, to); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE object_metadata SET key = ?, updated_at = ? WHERE bucket = ? AND key = ?`,
			to, time.Now().UTC(), bucket, from)
		return err
	})
}

func (s *SQLiteMetadataStore) DropBucket(ctx context.Context, bucket string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM object_metadata WHERE bucket = ?`, bucket)
	if err != nil {
		return fmt.Errorf("drop bucket metadata: %w", err)
	}
	return nil
}
