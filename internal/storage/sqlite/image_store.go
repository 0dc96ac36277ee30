// Package sqlite stores image records in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/labelscan/internal/verify"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS images (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    product_id TEXT NOT NULL,
    image_url  TEXT NOT NULL,
    user_id    INTEGER NOT NULL,
    image_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_images_product_id ON images(product_id);
CREATE INDEX IF NOT EXISTS idx_images_user_id ON images(user_id);
`

// ImageStore implements verify.RecordStore on SQLite.
type ImageStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*ImageStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &ImageStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(db),
	}, nil
}

// Close closes the database.
func (s *ImageStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *ImageStore) selectRecords() sq.SelectBuilder {
	return s.sb.Select("id", "product_id", "image_url", "user_id", "image_text").From("images")
}

// FindByProductID returns verify.ErrNotFound when the product has no record.
func (s *ImageStore) FindByProductID(ctx context.Context, productID string) (verify.ImageRecord, error) {
	var rec verify.ImageRecord
	err := s.selectRecords().
		Where(sq.Eq{"product_id": productID}).
		OrderBy("id").
		Limit(1).
		QueryRowContext(ctx).
		Scan(&rec.ID, &rec.ProductID, &rec.ImageURL, &rec.UserID, &rec.ImageText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return verify.ImageRecord{}, verify.ErrNotFound
		}
		return verify.ImageRecord{}, fmt.Errorf("find image record: %w", err)
	}
	return rec, nil
}

// InsertImageRecord writes record and returns its rowid.
func (s *ImageStore) InsertImageRecord(ctx context.Context, record verify.ImageRecord) (int64, error) {
	res, err := s.sb.Insert("images").
		Columns("product_id", "image_url", "user_id", "image_text").
		Values(record.ProductID, record.ImageURL, record.UserID, record.ImageText).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert image record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// ListByOwner returns one page of ownerID's records ordered by id, plus the total.
func (s *ImageStore) ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]verify.ImageRecord, int, error) {
	var total int
	err := s.sb.Select("COUNT(*)").
		From("images").
		Where(sq.Eq{"user_id": ownerID}).
		QueryRowContext(ctx).
		Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count image records: %w", err)
	}

	builder := s.selectRecords().Where(sq.Eq{"user_id": ownerID}).OrderBy("id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	if offset > 0 {
		if limit <= 0 {
			builder = builder.Limit(^uint64(0) >> 1)
		}
		builder = builder.Offset(uint64(offset))
	}
	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list image records: %w", err)
	}
	defer rows.Close()

	records := []verify.ImageRecord{}
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
