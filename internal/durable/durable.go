// Package durable is the source-of-truth per-partition bitmap store over a
// relational backend (C5). It is the only place pgx appears in this module.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/flexdeviser/e4s-index-system/internal/epoch"
)

// ErrTransient mirrors kvstore.ErrTransient for the relational side.
var ErrTransient = errors.New("durable: transient backend error")

// ErrFatal marks configuration-level or persistent errors (bad schema, auth
// failure) that should surface immediately and keep failing, per spec.md §7.
var ErrFatal = errors.New("durable: fatal backend error")

// PartitionRow is one row of meter_index_partitioned.
type PartitionRow struct {
	IndexName   string
	EntityID    int64
	Granularity epoch.Granularity
	Partition   int32
	Bitmap      []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReindexStatus is one row of reindex_status.
type ReindexStatus struct {
	JobID       string
	IndexName   string
	Status      string // "running", "completed", "failed"
	Detail      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Store is the contract the engine and the reindex admin surface depend on.
type Store interface {
	GetBitmap(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32) ([]byte, bool, error)
	UpsertBitmap(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32, bitmap []byte) error
	DeleteBitmap(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32) error
	DeleteByIndexName(ctx context.Context, indexName string) error
	CountByIndexName(ctx context.Context, indexName string) (int64, error)
	DistinctEntities(ctx context.Context, indexName string) ([]int64, error)
	FindEntityIds(ctx context.Context, indexName string) ([]int64, error)
	FindPartitions(ctx context.Context, indexName string, entityID int64, g epoch.Granularity) ([]int32, error)
	DistinctIndexNames(ctx context.Context) ([]string, error)

	PutReindexStatus(ctx context.Context, s ReindexStatus) error
	GetReindexStatus(ctx context.Context, indexName string) (ReindexStatus, bool, error)
}

// Postgres implements Store over github.com/jackc/pgx/v5/pgxpool, against
// the logical schema described in spec.md §6 (table meter_index_partitioned,
// companion table reindex_status), under a configurable schema name
// (default e4s_index).
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	log    zerolog.Logger
}

// NewPostgres wraps an already-configured pool. Connection settings (host,
// port, credentials, database, timeout) are the caller's responsibility.
func NewPostgres(pool *pgxpool.Pool, schema string, log zerolog.Logger) *Postgres {
	if schema == "" {
		schema = "e4s_index"
	}
	return &Postgres{pool: pool, schema: schema, log: log.With().Str("component", "durable").Logger()}
}

func (p *Postgres) table() string {
	return p.schema + ".meter_index_partitioned"
}

func (p *Postgres) reindexTable() string {
	return p.schema + ".reindex_status"
}

func (p *Postgres) GetBitmap(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32) ([]byte, bool, error) {
	q := fmt.Sprintf(`SELECT bitmap_data FROM %s WHERE index_name=$1 AND entity_id=$2 AND granularity=$3 AND partition_num=$4`, p.table())
	row := p.pool.QueryRow(ctx, q, indexName, entityID, g.String(), partition)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, wrapTransient("get_bitmap", err)
	}
	return data, true, nil
}

func (p *Postgres) UpsertBitmap(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32, bitmap []byte) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (index_name, entity_id, granularity, partition_num, bitmap_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (index_name, entity_id, granularity, partition_num)
		DO UPDATE SET bitmap_data = EXCLUDED.bitmap_data, updated_at = now()
	`, p.table())
	if _, err := p.pool.Exec(ctx, q, indexName, entityID, g.String(), partition, bitmap); err != nil {
		return wrapTransient("upsert_bitmap", err)
	}
	return nil
}

func (p *Postgres) DeleteBitmap(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE index_name=$1 AND entity_id=$2 AND granularity=$3 AND partition_num=$4`, p.table())
	if _, err := p.pool.Exec(ctx, q, indexName, entityID, g.String(), partition); err != nil {
		return wrapTransient("delete_bitmap", err)
	}
	return nil
}

func (p *Postgres) DeleteByIndexName(ctx context.Context, indexName string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE index_name=$1`, p.table())
	if _, err := p.pool.Exec(ctx, q, indexName); err != nil {
		return wrapTransient("delete_by_index_name", err)
	}
	return nil
}

func (p *Postgres) CountByIndexName(ctx context.Context, indexName string) (int64, error) {
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE index_name=$1`, p.table())
	var n int64
	if err := p.pool.QueryRow(ctx, q, indexName).Scan(&n); err != nil {
		return 0, wrapTransient("count_by_index_name", err)
	}
	return n, nil
}

func (p *Postgres) DistinctEntities(ctx context.Context, indexName string) ([]int64, error) {
	q := fmt.Sprintf(`SELECT DISTINCT entity_id FROM %s WHERE index_name=$1 ORDER BY entity_id`, p.table())
	rows, err := p.pool.Query(ctx, q, indexName)
	if err != nil {
		return nil, wrapTransient("distinct_entities", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapTransient("distinct_entities_scan", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FindEntityIds is the same query as DistinctEntities, exposed separately
// because the reindex admin surface (internal/reindex) walks entities
// independently of the `stats`/`entityCount` read path.
func (p *Postgres) FindEntityIds(ctx context.Context, indexName string) ([]int64, error) {
	return p.DistinctEntities(ctx, indexName)
}

func (p *Postgres) FindPartitions(ctx context.Context, indexName string, entityID int64, g epoch.Granularity) ([]int32, error) {
	q := fmt.Sprintf(`SELECT partition_num FROM %s WHERE index_name=$1 AND entity_id=$2 AND granularity=$3 ORDER BY partition_num`, p.table())
	rows, err := p.pool.Query(ctx, q, indexName, entityID, g.String())
	if err != nil {
		return nil, wrapTransient("find_partitions", err)
	}
	defer rows.Close()
	var out []int32
	for rows.Next() {
		var part int32
		if err := rows.Scan(&part); err != nil {
			return nil, wrapTransient("find_partitions_scan", err)
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

func (p *Postgres) DistinctIndexNames(ctx context.Context) ([]string, error) {
	q := fmt.Sprintf(`SELECT DISTINCT index_name FROM %s ORDER BY index_name`, p.table())
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, wrapTransient("distinct_index_names", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapTransient("distinct_index_names_scan", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *Postgres) PutReindexStatus(ctx context.Context, s ReindexStatus) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (job_id, index_name, status, detail, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET status = EXCLUDED.status, detail = EXCLUDED.detail, completed_at = EXCLUDED.completed_at
	`, p.reindexTable())
	if _, err := p.pool.Exec(ctx, q, s.JobID, s.IndexName, s.Status, s.Detail, s.StartedAt, s.CompletedAt); err != nil {
		return wrapTransient("put_reindex_status", err)
	}
	return nil
}

func (p *Postgres) GetReindexStatus(ctx context.Context, indexName string) (ReindexStatus, bool, error) {
	q := fmt.Sprintf(`
		SELECT job_id, index_name, status, detail, started_at, completed_at
		FROM %s WHERE index_name=$1 ORDER BY started_at DESC LIMIT 1
	`, p.reindexTable())
	row := p.pool.QueryRow(ctx, q, indexName)
	var s ReindexStatus
	if err := row.Scan(&s.JobID, &s.IndexName, &s.Status, &s.Detail, &s.StartedAt, &s.CompletedAt); err != nil {
		if isNoRows(err) {
			return ReindexStatus{}, false, nil
		}
		return ReindexStatus{}, false, wrapTransient("get_reindex_status", err)
	}
	return s, true, nil
}

// fatalSQLStates are Postgres error codes for configuration-class failures
// (bad auth, missing schema/table) as opposed to connection/timeout faults,
// per https://www.postgresql.org/docs/current/errcodes-appendix.html.
var fatalSQLStates = map[string]bool{
	"28000": true, // invalid_authorization_specification
	"28P01": true, // invalid_password
	"3D000": true, // invalid_catalog_name (unknown database)
	"3F000": true, // invalid_schema_name
	"42P01": true, // undefined_table
	"42703": true, // undefined_column
}

func isFatalPgError(cause error) bool {
	var pgErr *pgconn.PgError
	return errors.As(cause, &pgErr) && fatalSQLStates[pgErr.Code]
}

// wrapTransient classifies a pgx error as fatal (config/auth/schema-class,
// will keep failing) or transient (connection/timeout-class, retry on next
// tick), per spec.md §7's FatalBackend/TransientBackend split.
func wrapTransient(op string, cause error) error {
	if isFatalPgError(cause) {
		return fmt.Errorf("durable %s: %w: %v", op, ErrFatal, cause)
	}
	return fmt.Errorf("durable %s: %w: %v", op, ErrTransient, cause)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
