package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"

	"peercounsel/pkg/session"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CompletedSession is one row of the counselor-side session history.
type CompletedSession struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID   string    `json:"sessionId" gorm:"uniqueIndex;size:200"`
	ClientID    string    `json:"clientId" gorm:"size:200;index"`
	CounselorID string    `json:"counselorId" gorm:"size:200;index"`
	Type        string    `json:"type" gorm:"size:20"`
	StartedAt   time.Time `json:"startedAt" gorm:"index"`
	EndedAt     time.Time `json:"endedAt"`
	DurationSec int64     `json:"durationSec"`
	Notes       string    `json:"notes" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (CompletedSession) TableName() string {
	return "completed_sessions"
}

// Open connects to the history database and migrates the schema.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&CompletedSession{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return db, nil
}

func newGormLogger(logger *zap.Logger) glog.Interface {
	if logger == nil {
		return glog.Discard
	}
	return glog.New(zap.NewStdLog(logger.Named("gorm")), glog.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  glog.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// GormRecorder stores completed sessions through gorm.
type GormRecorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormRecorder(db *gorm.DB, logger *zap.Logger) *GormRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormRecorder{db: db, logger: logger.Named("history")}
}

// RecordCompletedSession inserts r. Recording the same session twice keeps
// the first row.
func (g *GormRecorder) RecordCompletedSession(ctx context.Context, r session.Record) error {
	row := CompletedSession{
		SessionID:   r.SessionID,
		ClientID:    r.ClientID,
		CounselorID: r.CounselorID,
		Type:        string(r.Type),
		StartedAt:   r.Start.UTC(),
		EndedAt:     r.End.UTC(),
		Notes:       r.Notes,
	}
	if !r.End.IsZero() && !r.Start.IsZero() && r.End.After(r.Start) {
		row.DurationSec = int64(r.End.Sub(r.Start).Seconds())
	}
	res := g.db.WithContext(ctx).Where(CompletedSession{SessionID: r.SessionID}).FirstOrCreate(&row)
	if res.Error != nil {
		return fmt.Errorf("history: record %s: %w", r.SessionID, res.Error)
	}
	g.logger.Info("session recorded",
		zap.String("session_id", r.SessionID),
		zap.String("counselor_id", r.CounselorID),
		zap.Int64("duration_sec", row.DurationSec),
	)
	return nil
}

// ForCounselor lists a counselor's completed sessions, newest first.
func (g *GormRecorder) ForCounselor(ctx context.Context, counselorID string, limit int) ([]CompletedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []CompletedSession
	err := g.db.WithContext(ctx).
		Where("counselor_id = ?", counselorID).
		Order("ended_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: list %s: %w", counselorID, err)
	}
	return rows, nil
}
