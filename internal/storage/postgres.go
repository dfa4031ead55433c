package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/multierr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

type sessionRecord struct {
	ID        string     `gorm:"primaryKey;size:64"`
	Data      string     `gorm:"type:jsonb;not null"`
	Completed bool       `gorm:"not null;default:false"`
	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRecord) TableName() string { return "puzzle_sessions" }

// Postgres keeps sessions in a single jsonb-backed table managed by gorm over a pgx pool.
type Postgres struct {
	db   *gorm.DB
	sql  *sql.DB
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// OpenPostgres connects, migrates the table and returns the store.
func OpenPostgres(ctx context.Context, dsn string, ttl time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		err = multierr.Append(err, sqlDB.Close())
		pool.Close()
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&sessionRecord{}); err != nil {
		err = multierr.Append(err, sqlDB.Close())
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db, sql: sqlDB, pool: pool, ttl: ttl, now: time.Now}, nil
}

func (p *Postgres) Save(ctx context.Context, s *puzzle.Session) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	rec := sessionRecord{ID: s.ID, Data: string(data), Completed: s.Completed}
	if p.ttl > 0 {
		exp := p.now().Add(p.ttl)
		rec.ExpiresAt = &exp
	}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "completed", "expires_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("postgres save %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, id string) (*puzzle.Session, error) {
	var rec sessionRecord
	err := p.db.WithContext(ctx).
		Where("id = ? AND (expires_at IS NULL OR expires_at > ?)", id, p.now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres load %s: %w", id, err)
	}
	return decode(id, []byte(rec.Data))
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if err := p.db.WithContext(ctx).Delete(&sessionRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("postgres delete %s: %w", id, err)
	}
	return nil
}

// PurgeExpired removes rows whose TTL has passed and reports how many went.
func (p *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	res := p.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", p.now()).Delete(&sessionRecord{})
	return res.RowsAffected, res.Error
}

func (p *Postgres) Close() error {
	err := p.sql.Close()
	p.pool.Close()
	return err
}
