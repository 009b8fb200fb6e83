// Package storage persists practice history: sessions, graded take
// reports and measured latency calibrations, in a single sqlite file.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultDBFile = "strumline.sqlite3"
const errDBClientNil = "db client is nil"

// DBClient wraps the gorm handle plus the raw sql.DB for pool control.
type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

// PracticeSession is one start-to-stop run against a pattern.
type PracticeSession struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PatternID string    `gorm:"index:idx_session_pattern" json:"pattern_id"`
	BPM       int       `json:"bpm"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Bars      float64   `json:"bars"`
	CreatedAt time.Time `json:"-"`
}

// TakeReport is one graded take.
type TakeReport struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"type:varchar(36);index:idx_report_session" json:"session_id"`
	PatternID   string    `gorm:"index:idx_report_pattern" json:"pattern_id"`
	BPM         int       `json:"bpm"`
	Hits        int       `json:"hits"`
	Early       int       `json:"early"`
	Late        int       `json:"late"`
	Misses      int       `json:"misses"`
	MeanLag     float64   `json:"mean_lag"`
	MeanAbsLag  float64   `json:"mean_abs_lag"`
	LagStdDev   float64   `json:"lag_std_dev"`
	Accuracy    float64   `json:"accuracy"`
	TotalOnsets int       `json:"total_onsets"`
	Unclaimed   int       `json:"unclaimed"`
	Duration    float64   `json:"duration"`
	CapturePath string    `json:"capture_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Calibration is one measured output-to-input latency offset, in seconds.
type Calibration struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Offset    float64   `json:"offset"`
	Matched   int       `json:"matched"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDBClient opens the database at STRUMLINE_DB_PATH, falling back to
// DefaultDBFile in the working directory.
func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("STRUMLINE_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&PracticeSession{}, &TakeReport{}, &Calibration{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// CreateSession records the start of a practice run and returns its id.
func (c *DBClient) CreateSession(patternID string, bpm int) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}
	s := PracticeSession{
		ID:        uuid.NewString(),
		PatternID: patternID,
		BPM:       bpm,
		StartedAt: time.Now(),
	}
	if err := c.DB.Create(&s).Error; err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return s.ID, nil
}

// EndSession closes a session with the bars it covered.
func (c *DBClient) EndSession(id string, bars float64) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	res := c.DB.Model(&PracticeSession{}).Where("id = ?", id).
		Updates(map[string]any{"ended_at": time.Now(), "bars": bars})
	if res.Error != nil {
		return fmt.Errorf("ending session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ending session: no session %s", id)
	}
	return nil
}

func (c *DBClient) GetSession(id string) (*PracticeSession, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var s PracticeSession
	if err := c.DB.First(&s, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &s, nil
}

// ListSessions returns the most recent sessions, newest first.
func (c *DBClient) ListSessions(limit int) ([]PracticeSession, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if limit <= 0 {
		limit = 50
	}
	var out []PracticeSession
	if err := c.DB.Order("started_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

// CountSessions returns the total number of recorded practice sessions.
func (c *DBClient) CountSessions() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var n int64
	if err := c.DB.Model(&PracticeSession{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// DeleteSession removes a session together with its reports.
func (c *DBClient) DeleteSession(id string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&TakeReport{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&PracticeSession{}).Error; err != nil {
			return err
		}
		return nil
	})
}

// SaveReport persists a graded take.
func (c *DBClient) SaveReport(r *TakeReport) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if err := c.DB.Create(r).Error; err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

// ReportsBySession lists one session's takes, oldest first.
func (c *DBClient) ReportsBySession(sessionID string) ([]TakeReport, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var out []TakeReport
	if err := c.DB.Where("session_id = ?", sessionID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing session reports: %w", err)
	}
	return out, nil
}

// ListReports returns recent reports, newest first, optionally filtered by
// pattern id.
func (c *DBClient) ListReports(patternID string, limit int) ([]TakeReport, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if limit <= 0 {
		limit = 50
	}
	q := c.DB.Order("id DESC").Limit(limit)
	if patternID != "" {
		q = q.Where("pattern_id = ?", patternID)
	}
	var out []TakeReport
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return out, nil
}

// CountReports returns the total number of graded takes.
func (c *DBClient) CountReports() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var n int64
	if err := c.DB.Model(&TakeReport{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting reports: %w", err)
	}
	return n, nil
}

// SaveCalibration stores a measured latency offset.
func (c *DBClient) SaveCalibration(offset float64, matched int) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	cal := Calibration{Offset: offset, Matched: matched}
	if err := c.DB.Create(&cal).Error; err != nil {
		return fmt.Errorf("saving calibration: %w", err)
	}
	return nil
}

// LatestCalibration returns the newest stored offset, or nil when none has
// been measured yet.
func (c *DBClient) LatestCalibration() (*Calibration, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var cal Calibration
	err := c.DB.Order("id DESC").First(&cal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying calibration: %w", err)
	}
	return &cal, nil
}
