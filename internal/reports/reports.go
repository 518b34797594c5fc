// Package reports is a supplementary gorm-backed trade reports log
// (spec.md §6 persisted paths: "trade reports log"). It is separate
// from the atomic JSON state store: state is the operational source of
// truth the tick resumes from, while reports is an append-only
// historical record for post-hoc analysis and is never read back by
// the tick itself.
package reports

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/peakrunner/internal/position"
)

// TradeReport is one closed position's summary row.
type TradeReport struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	TradeKey   string          `gorm:"uniqueIndex"`
	Symbol     string          `gorm:"index"`
	Side       string          // LONG or SHORT
	Entry      decimal.Decimal `gorm:"type:decimal(20,8)"`
	QtyTotal   decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitReason string          // SL, TP1, TP2, TRAIL, MARKET_FLATTEN, MANUAL
	ProfitLoss decimal.Decimal `gorm:"type:decimal(20,8)"`
	OpenedAt   time.Time
	ClosedAt   time.Time
	CreatedAt  time.Time
}

func (TradeReport) TableName() string {
	return "trade_reports"
}

// Store is the reports database handle.
type Store struct {
	db *gorm.DB
}

// New opens dsn as either PostgreSQL (dsn starting postgres://) or a
// SQLite file path, and migrates the schema, following the teacher's
// database.New dispatch pattern.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("reports: open postgres: %w", err)
		}
		log.Info().Msg("reports: connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("reports: create dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("reports: open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("reports: connected (sqlite)")
	}

	if err := db.AutoMigrate(&TradeReport{}); err != nil {
		return nil, fmt.Errorf("reports: automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record writes one closed position's summary. Failures are logged,
// not propagated: the reports log is supplementary telemetry, never
// the source of truth the tick depends on (spec.md §7 housekeeping
// classification).
func (s *Store) Record(symbol string, p *position.Position, exitReason string, profitLoss decimal.Decimal, closedAt time.Time) {
	report := TradeReport{
		TradeKey:   p.TradeKey,
		Symbol:     symbol,
		Side:       string(p.Side),
		Entry:      p.Entry,
		QtyTotal:   p.QtyTotal,
		ExitReason: exitReason,
		ProfitLoss: profitLoss,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   closedAt,
	}
	if err := s.db.Create(&report).Error; err != nil {
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("reports: record failed")
	}
}

// RecentReports returns the most recent limit trade reports, newest
// first.
func (s *Store) RecentReports(limit int) ([]TradeReport, error) {
	var reports []TradeReport
	err := s.db.Order("closed_at DESC").Limit(limit).Find(&reports).Error
	if err != nil {
		return nil, fmt.Errorf("reports: query recent: %w", err)
	}
	return reports, nil
}
