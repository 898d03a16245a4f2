// Package sqlite provides a single-file task repository built on gorm and the
// pure-Go SQLite driver. It suits development machines and single-node
// deployments where running PostgreSQL is not worth it.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/finleyh/bass-hunter/internal/task"
)

// Transactions take the write lock on BEGIN. A deferred BEGIN that reads first
// cannot upgrade once another handle has written, and fails with SQLITE_BUSY
// instead of waiting out busy_timeout.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// Repository implements store.Repository on SQLite.
//
// SQLite has no row locks, so the connection pool is capped at one connection
// and every claim is a conditional update that is re-read before it is
// accepted.
type Repository struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db.sqlite_path is required")
	}
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return r, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

func (r *Repository) migrate() error {
	if err := r.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrating tables: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// skipLocked is a no-op on SQLite but keeps the claim queries portable.
var skipLocked = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}

func translate(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, task.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

// upsertTag returns the id of name, creating the row if needed.
func upsertTag(tx *gorm.DB, name string) (int64, error) {
	tag := tagModel{Name: name}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&tag).Error
	if err != nil {
		return 0, fmt.Errorf("upsert tag %q: %w", name, err)
	}
	if tag.ID != 0 {
		return tag.ID, nil
	}
	if err := tx.Where("name = ?", name).Take(&tag).Error; err != nil {
		return 0, fmt.Errorf("upsert tag %q: %w", name, err)
	}
	return tag.ID, nil
}

type tagPair struct {
	OwnerID int64
	Name    string
}

// tagsFor loads tag names for the given owner ids through a join table,
// ordered by name.
func tagsFor(tx *gorm.DB, joinTable, ownerColumn string, ids []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var pairs []tagPair
	err := tx.Table(joinTable).
		Select(joinTable+"."+ownerColumn+" AS owner_id, tags.name AS name").
		Joins("JOIN tags ON tags.id = "+joinTable+".tag_id").
		Where(joinTable+"."+ownerColumn+" IN ?", ids).
		Order("tags.name").
		Scan(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	for _, p := range pairs {
		out[p.OwnerID] = append(out[p.OwnerID], p.Name)
	}
	return out, nil
}
