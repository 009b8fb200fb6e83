package main

import (
	"fmt"

	"github.com/strumline/strumline/internal/eval"
	"github.com/strumline/strumline/internal/pattern"
	"github.com/strumline/strumline/internal/storage"
)

// Upload limit constants for validation
const (
	// MaxUploadBytes caps a capture upload; minutes of mono WAV fit easily
	MaxUploadBytes = 50 << 20

	// MaxCalibClicks bounds the reference schedule a client may claim
	MaxCalibClicks = 64

	// DefaultHistoryLimit is how many rows list endpoints return by default
	DefaultHistoryLimit = 20
)

// PatternDTO represents a strumming pattern in API responses. Steps are only
// populated on the single-pattern endpoint.
type PatternDTO struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	TimeSig     string         `json:"time_sig"`
	StepsPerBar int            `json:"steps_per_bar"`
	StrumLine   string         `json:"strum_line"`
	DefaultBPM  int            `json:"bpm_default"`
	MinBPM      int            `json:"bpm_min"`
	MaxBPM      int            `json:"bpm_max"`
	Notes       string         `json:"notes,omitempty"`
	Steps       []pattern.Step `json:"steps,omitempty"`
}

// newPatternDTO converts a pattern for the wire, optionally with the full
// step grid.
func newPatternDTO(p *pattern.Pattern, withSteps bool) PatternDTO {
	dto := PatternDTO{
		ID:          p.ID,
		Name:        p.Name,
		TimeSig:     p.TimeSig.String(),
		StepsPerBar: p.StepsPerBar,
		StrumLine:   p.StrumLine(),
		DefaultBPM:  p.DefaultBPM,
		MinBPM:      p.MinBPM,
		MaxBPM:      p.MaxBPM,
		Notes:       p.Notes,
	}
	if withSteps {
		dto.Steps = p.Steps
	}
	return dto
}

// ListPatternsResponse is the response for GET /api/patterns
type ListPatternsResponse struct {
	Patterns []PatternDTO `json:"patterns"`
	Count    int          `json:"count"`
}

// GradeRequest holds the form fields accompanying the capture upload on
// POST /api/grade
type GradeRequest struct {
	PatternID string
	BPM       int
}

// Validate checks if the request is valid
func (r *GradeRequest) Validate() error {
	if r.PatternID == "" {
		return fmt.Errorf("pattern is required")
	}
	if r.BPM < 0 {
		return fmt.Errorf("bpm cannot be negative")
	}
	return nil
}

// GradeResponse is the response for POST /api/grade
type GradeResponse struct {
	Message    string       `json:"message"`
	Calibrated bool         `json:"calibrated"`
	Report     *eval.Report `json:"report"`
}

// CalibrateRequest holds the form fields describing the click schedule the
// capture was recorded against on POST /api/calibrate
type CalibrateRequest struct {
	Clicks   int
	Interval float64
	Lead     float64
}

// Validate checks if the request is valid
func (r *CalibrateRequest) Validate() error {
	if r.Clicks < 1 || r.Clicks > MaxCalibClicks {
		return fmt.Errorf("clicks must be between 1 and %d", MaxCalibClicks)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if r.Lead < 0 {
		return fmt.Errorf("lead cannot be negative")
	}
	return nil
}

// CalibrateResponse is the response for POST /api/calibrate
type CalibrateResponse struct {
	Message  string  `json:"message"`
	OffsetMs float64 `json:"offset_ms"`
	Clicks   int     `json:"clicks"`
}

// ListReportsResponse is the response for GET /api/reports
type ListReportsResponse struct {
	Reports []storage.TakeReport `json:"reports"`
	Count   int                  `json:"count"`
}

// ListSessionsResponse is the response for GET /api/sessions
type ListSessionsResponse struct {
	Sessions []storage.PracticeSession `json:"sessions"`
	Count    int                       `json:"count"`
}

// MetricsResponse provides server health and database metrics
type MetricsResponse struct {
	Status        string  `json:"status"`
	DatabasePath  string  `json:"database_path"`
	SessionCount  int64   `json:"session_count"`
	ReportCount   int64   `json:"report_count"`
	SampleRate    int     `json:"sample_rate"`
	Calibrated    bool    `json:"calibrated"`
	CalibrationMs float64 `json:"calibration_ms"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
