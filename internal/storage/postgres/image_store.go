// Package postgres stores image records in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/labelscan/internal/verify"
)

const defaultTable = "images"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config controls the Postgres connection pool used for image records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ImageStore implements verify.RecordStore. Each call checks a connection out
// of the pool and returns it before the call completes.
type ImageStore struct {
	pool  pool
	table string
}

// NewImageStore connects a pool using cfg.
func NewImageStore(ctx context.Context, cfg Config) (*ImageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ImageStore{pool: p, table: table}, nil
}

// NewImageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewImageStoreWithPool(p pool, table string) (*ImageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ImageStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the records table when it does not exist.
func (s *ImageStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	product_id TEXT NOT NULL,
	image_url TEXT NOT NULL,
	user_id BIGINT NOT NULL,
	image_text TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_product_id_idx ON %s (product_id)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create %s index: %w", s.table, err)
	}
	return nil
}

// Close releases the pool.
func (s *ImageStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *ImageStore) selectRecords() sq.SelectBuilder {
	return psql.Select("id", "product_id", "image_url", "user_id", "image_text").From(s.table)
}

// FindByProductID returns verify.ErrNotFound when the product has no record.
func (s *ImageStore) FindByProductID(ctx context.Context, productID string) (verify.ImageRecord, error) {
	query, args, err := s.selectRecords().
		Where(sq.Eq{"product_id": productID}).
		OrderBy("id").
		Limit(1).
		ToSql()
	if err != nil {
		return verify.ImageRecord{}, fmt.Errorf("build find query: %w", err)
	}
	var rec verify.ImageRecord
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&rec.ID, &rec.ProductID, &rec.ImageURL, &rec.UserID, &rec.ImageText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return verify.ImageRecord{}, verify.ErrNotFound
		}
		return verify.ImageRecord{}, fmt.Errorf("find image record: %w", err)
	}
	return rec, nil
}

// InsertImageRecord writes record and returns the generated id.
func (s *ImageStore) InsertImageRecord(ctx context.Context, record verify.ImageRecord) (int64, error) {
	query, args, err := psql.Insert(s.table).
		Columns("product_id", "image_url", "user_id", "image_text").
		Values(record.ProductID, record.ImageURL, record.UserID, record.ImageText).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert query: %w", err)
	}
	var id int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert image record: %w", err)
	}
	return id, nil
}

// ListByOwner returns one page of ownerID's records ordered by id, plus the total.
func (s *ImageStore) ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]verify.ImageRecord, int, error) {
	countQuery, countArgs, err := psql.Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"user_id": ownerID}).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count image records: %w", err)
	}

	builder := s.selectRecords().Where(sq.Eq{"user_id": ownerID}).OrderBy("id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	if offset > 0 {
		builder = builder.Offset(uint64(offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list image records: %w", err)
	}
	defer rows.Close()

	records := make([]verify.ImageRecord, 0, limit)
	for rows.Next() {
		var rec verify.ImageRecord
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.ImageURL, &rec.UserID, &rec.ImageText); err != nil {
			return nil, 0, fmt.Errorf("scan image record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate image records: %w", err)
	}
	return records, total, nil
}
