package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
)

// Postgres allows at most 65535 bind parameters per statement.
const maxRowsPerInsert = 1000

var validPrefix = regexp.MustCompile("^[a-zA-Z0-9_]*$")

// PostgresStore implements Store on two tables, <prefix>block_refs and
// <prefix>records.
type PostgresStore struct {
	db      *sql.DB
	refs    string
	records string
}

// NewPostgresStore opens connStr and creates the tables if needed.
func NewPostgresStore(ctx context.Context, connStr, tablePrefix string) (*PostgresStore, error) {
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

// NewPostgresStoreWithDB uses an existing connection pool.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, tablePrefix string) (*PostgresStore, error) {
	if tablePrefix == "" {
		tablePrefix = "safeidx_"
	}
	if !validPrefix.MatchString(tablePrefix) {
		return nil, fmt.Errorf("invalid table prefix: %s", tablePrefix)
	}
	p := &PostgresStore{
		db:      db,
		refs:    tablePrefix + "block_refs",
		records: tablePrefix + "records",
	}
	if err := p.initTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return p, nil
}

func (p *PostgresStore) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		stream VARCHAR(255) NOT NULL,
		number BIGINT NOT NULL,
		hash VARCHAR(66) NOT NULL,
		parent_hash VARCHAR(66) NOT NULL,
		block_time BIGINT NOT NULL,
		provisional BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (stream, number)
	);
	CREATE TABLE IF NOT EXISTS %[2]s (
		stream VARCHAR(255) NOT NULL,
		record_key VARCHAR(255) NOT NULL,
		kind VARCHAR(64) NOT NULL,
		block_number BIGINT NOT NULL,
		block_hash VARCHAR(66) NOT NULL,
		tx_hash VARCHAR(66) NOT NULL,
		idx BIGINT NOT NULL,
		address VARCHAR(42) NOT NULL,
		payload JSONB NOT NULL,
		provisional BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (stream, record_key)
	);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_block ON %[2]s (stream, block_number);
	`, p.refs, p.records)
	_, err := p.db.ExecContext(ctx, query)
	return err
}

// Persist deletes the batch range and writes the batch in one transaction.
// The upserts keep replays of the same range idempotent even when a caller
// sends records outside [From, To].
func (p *PostgresStore) Persist(ctx context.Context, stream string, b Batch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE stream = $1 AND block_number BETWEEN $2 AND $3", p.records),
		stream, b.From, b.To); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE stream = $1 AND number BETWEEN $2 AND $3", p.refs),
		stream, b.From, b.To); err != nil {
		return err
	}

	for start := 0; start < len(b.Blocks); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(b.Blocks))
		if err := p.insertRefs(ctx, tx, stream, b.Blocks[start:end]); err != nil {
			return err
		}
	}
	for start := 0; start < len(b.Records); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(b.Records))
		if err := p.insertRecords(ctx, tx, stream, b.Records[start:end]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) insertRefs(ctx context.Context, tx *sql.Tx, stream string, refs []BlockRef) error {
	const cols = 6
	valueStrings := make([]string, 0, len(refs))
	valueArgs := make([]interface{}, 0, len(refs)*cols)
	for i, r := range refs {
		n := i * cols
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		valueArgs = append(valueArgs, stream, r.Number, r.Hash.Hex(), r.ParentHash.Hex(), r.Timestamp, r.Provisional)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (stream, number, hash, parent_hash, block_time, provisional) VALUES %s
	ON CONFLICT (stream, number) DO UPDATE SET hash = EXCLUDED.hash, parent_hash = EXCLUDED.parent_hash,
	block_time = EXCLUDED.block_time, provisional = EXCLUDED.provisional`, p.refs, strings.Join(valueStrings, ","))
	_, err := tx.ExecContext(ctx, stmt, valueArgs...)
	return err
}

func (p *PostgresStore) insertRecords(ctx context.Context, tx *sql.Tx, stream string, rs []Record) error {
	const cols = 10
	valueStrings := make([]string, 0, len(rs))
	valueArgs := make([]interface{}, 0, len(rs)*cols)
	for i, r := range rs {
		n := i * cols
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10))
		payload := []byte(r.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		valueArgs = append(valueArgs, stream, r.Key, r.Kind, r.BlockNumber, r.BlockHash.Hex(),
			r.TxHash.Hex(), r.Index, r.Address.Hex(), payload, r.Provisional)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (stream, record_key, kind, block_number, block_hash, tx_hash, idx, address, payload, provisional) VALUES %s
	ON CONFLICT (stream, record_key) DO UPDATE SET kind = EXCLUDED.kind, block_number = EXCLUDED.block_number,
	block_hash = EXCLUDED.block_hash, tx_hash = EXCLUDED.tx_hash, idx = EXCLUDED.idx, address = EXCLUDED.address,
	payload = EXCLUDED.payload, provisional = EXCLUDED.provisional`, p.records, strings.Join(valueStrings, ","))
	_, err := tx.ExecContext(ctx, stmt, valueArgs...)
	return err
}

func (p *PostgresStore) DeleteAfter(ctx context.Context, stream string, number uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stream = $1 AND block_number > $2", p.records), stream, number); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stream = $1 AND number > $2", p.refs), stream, number); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) BlockRef(ctx context.Context, stream string, number uint64) (BlockRef, bool, error) {
	ref := BlockRef{Number: number}
	var hash, parent string
	query := fmt.Sprintf("SELECT hash, parent_hash, block_time, provisional FROM %s WHERE stream = $1 AND number = $2", p.refs)
	err := p.db.QueryRowContext(ctx, query, stream, number).Scan(&hash, &parent, &ref.Timestamp, &ref.Provisional)
	if errors.Is(err, sql.ErrNoRows) {
		return BlockRef{}, false, nil
	}
	if err != nil {
		return BlockRef{}, false, err
	}
	ref.Hash = common.HexToHash(hash)
	ref.ParentHash = common.HexToHash(parent)
	return ref, true, nil
}

func (p *PostgresStore) Finalize(ctx context.Context, stream string, upTo uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET provisional = FALSE WHERE stream = $1 AND provisional AND block_number <= $2", p.records), stream, upTo); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET provisional = FALSE WHERE stream = $1 AND provisional AND number <= $2", p.refs), stream, upTo); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Records(ctx context.Context, stream string) ([]Record, error) {
	query := fmt.Sprintf(`SELECT record_key, kind, block_number, block_hash, tx_hash, idx, address, payload, provisional
	FROM %s WHERE stream = $1 ORDER BY block_number, idx, record_key`, p.records)
	rows, err := p.db.QueryContext(ctx, query, stream)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r := Record{Stream: stream}
		var blockHash, txHash, addr string
		var payload []byte
		if err := rows.Scan(&r.Key, &r.Kind, &r.BlockNumber, &blockHash, &txHash, &r.Index, &addr, &payload, &r.Provisional); err != nil {
			return nil, err
		}
		r.BlockHash = common.HexToHash(blockHash)
		r.TxHash = common.HexToHash(txHash)
		r.Address = common.HexToAddress(addr)
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
