package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements the Persistence interface
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore initializes PostgreSQL storage.
// connStr: Connection string
// tablePrefix: Table prefix (defaults to "safeidx_") -> Resulting table is prefix + "checkpoints"
func NewPostgresStore(ctx context.Context, connStr string, tablePrefix string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store, err := NewPostgresStoreWithDB(ctx, db, tablePrefix)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB uses an existing connection pool and creates the
// checkpoint table if needed.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, tablePrefix string) (*PostgresStore, error) {
	if tablePrefix == "" {
		tablePrefix = "safeidx_"
	}
	store := &PostgresStore{
		db:        db,
		tableName: tablePrefix + "checkpoints",
	}

	if err := store.initTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// initTable automatically creates the checkpoint table
func (p *PostgresStore) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		task_key VARCHAR(255) PRIMARY KEY,
		block_height BIGINT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`, p.tableName)
	_, err := p.db.ExecContext(ctx, query)
	return err
}

func (p *PostgresStore) LoadCursor(ctx context.Context, key string) (uint64, error) {
	var height uint64
	query := fmt.Sprintf("SELECT block_height FROM %s WHERE task_key = $1", p.tableName)
	err := p.db.QueryRowContext(ctx, query, key).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return height, nil
}

func (p *PostgresStore) SaveCursor(ctx context.Context, key string, height uint64) error {
	// Upsert using Postgres ON CONFLICT syntax
	query := fmt.Sprintf(`
	INSERT INTO %s (task_key, block_height, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (task_key)
	DO UPDATE SET block_height = EXCLUDED.block_height, updated_at = NOW();
	`, p.tableName)
	_, err := p.db.ExecContext(ctx, query, key, height)
	return err
}

// CompareAndSetCursor relies on row level atomicity of a single statement.
// A missing row counts as 0, so only expected == 0 may insert.
func (p *PostgresStore) CompareAndSetCursor(ctx context.Context, key string, expected, next uint64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		query := fmt.Sprintf(`
	INSERT INTO %[1]s (task_key, block_height, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (task_key)
	DO UPDATE SET block_height = EXCLUDED.block_height, updated_at = NOW()
	WHERE %[1]s.block_height = 0;
	`, p.tableName)
		res, err = p.db.ExecContext(ctx, query, key, next)
	} else {
		query := fmt.Sprintf(`
	UPDATE %s SET block_height = $3, updated_at = NOW()
	WHERE task_key = $1 AND block_height = $2;
	`, p.tableName)
		res, err = p.db.ExecContext(ctx, query, key, expected, next)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
