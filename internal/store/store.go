package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for sqlx
	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pumpsentry/core/internal/domain"
)

// Store is the single store handle of spec.md §6.4 ("Process-wide globals:
// a logger, a metrics sink, a store handle"): gorm for the upsert-by-key
// writes internal/persistence needs, sqlx for the ordered bulk scan
// internal/marketfeed's Replay source needs. Grounded on
// internal/db/repositories/*Repository.go's one-repository-per-table
// pattern and internal/db/queries/hft_queries.go's hand-written
// perf-sensitive reads outside the ORM.
type Store struct {
	db   *gorm.DB
	read *sqlx.DB
}

// Open connects both the gorm and sqlx handles to the same Postgres DSN.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	read, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlx: %w", err)
	}
	return &Store{db: db, read: read}, nil
}

// AutoMigrate creates/updates the six pinned tables of spec.md §6.3.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Session{}, &TickPrice{}, &IndicatorRow{}, &StrategySignal{}, &OrderRow{}, &PositionRow{})
}

// UpsertIndicators merges rows into indicators by (session_id, symbol,
// variant_id, timestamp), the dedup key of spec.md §4.4/§6.3.
func (s *Store) UpsertIndicators(ctx context.Context, rows []IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "symbol"}, {Name: "variant_id"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&rows).Error
}

// UpsertSignals inserts rows into strategy_signals, rejecting duplicates by
// (timestamp, signal_id) rather than merging them (spec.md §3: "the
// persistence layer rejects duplicates" for signals specifically).
func (s *Store) UpsertSignals(ctx context.Context, rows []StrategySignal) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "timestamp"}, {Name: "signal_id"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// UpsertOrders merges rows into orders by order_id.
func (s *Store) UpsertOrders(ctx context.Context, rows []OrderRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "quantity", "price", "updated_at", "pnl_realised"}),
	}).Create(&rows).Error
}

// UpsertPositions merges rows into positions by position_id.
func (s *Store) UpsertPositions(ctx context.Context, rows []PositionRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "avg_price", "updated_at", "status"}),
	}).Create(&rows).Error
}

// UpsertTickPrices inserts rows into tick_prices, discarding duplicates by
// (session_id, symbol, timestamp).
func (s *Store) UpsertTickPrices(ctx context.Context, rows []TickPrice) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "symbol"}, {Name: "timestamp"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// FetchOrdered implements marketfeed.ReplaySource: an ordered bulk scan of
// a prior session's ticks by (timestamp, symbol), via sqlx for the
// throughput a multi-million-row replay needs outside the ORM.
func (s *Store) FetchOrdered(ctx context.Context, sessionID string) ([]domain.Tick, error) {
	var rows []struct {
		Symbol    string    `db:"symbol"`
		Timestamp time.Time `db:"timestamp"`
		Price     float64   `db:"price"`
		Volume    float64   `db:"volume"`
	}
	err := s.read.SelectContext(ctx, &rows,
		`SELECT symbol, timestamp, price, volume FROM tick_prices WHERE session_id = $1 ORDER BY timestamp, symbol`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch ordered ticks: %w", err)
	}

	ticks := make([]domain.Tick, len(rows))
	for i, r := range rows {
		ticks[i] = domain.Tick{Timestamp: r.Timestamp, Symbol: r.Symbol, Price: r.Price, Volume: r.Volume}
	}
	return ticks, nil
}

// Close releases both handles.
func (s *Store) Close() error {
	if err := s.read.Close(); err != nil {
		return err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
