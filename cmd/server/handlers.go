package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/strumline/strumline/internal/calib"
	"github.com/strumline/strumline/internal/service"
	"github.com/strumline/strumline/pkg/logger"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	svc    *service.PracticeService
	config *ServerConfig
	log    *logger.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DBPath         string
	PatternDir     string
	TempDir        string
	SampleRate     int
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(svc *service.PracticeService, config *ServerConfig) *Server {
	return &Server{
		svc:    svc,
		config: config,
		log:    logger.GetLogger(),
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Strumline API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":     "GET /health",
			"metrics":    "GET /api/health/metrics",
			"patterns":   "GET /api/patterns",
			"getPattern": "GET /api/patterns/{id}",
			"grade":      "POST /api/grade",
			"calibrate":  "POST /api/calibrate",
			"reports":    "GET /api/reports",
			"sessions":   "GET /api/sessions",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleMetrics handles GET /api/health/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sessions, reports, err := s.svc.Stats()
	if err != nil {
		s.log.Errorf("Failed to count history rows: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}
	offset, calibrated := s.svc.CalibrationOffset()

	s.respondJSON(w, http.StatusOK, MetricsResponse{
		Status:        "healthy",
		DatabasePath:  s.config.DBPath,
		SessionCount:  sessions,
		ReportCount:   reports,
		SampleRate:    s.config.SampleRate,
		Calibrated:    calibrated,
		CalibrationMs: offset * 1000,
	})
}

// handleListPatterns handles GET /api/patterns
func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	pats := s.svc.Patterns()
	dtos := make([]PatternDTO, len(pats))
	for i, p := range pats {
		dtos[i] = newPatternDTO(p, false)
	}

	s.respondJSON(w, http.StatusOK, ListPatternsResponse{
		Patterns: dtos,
		Count:    len(dtos),
	})
}

// handleGetPattern handles GET /api/patterns/{id}
func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.URL.Path[len("/api/patterns/"):]
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Pattern ID required")
		return
	}

	p, ok := s.svc.Pattern(id)
	if !ok {
		s.log.Warnf("Pattern not found: %s", id)
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Pattern %q not found", id))
		return
	}

	s.respondJSON(w, http.StatusOK, newPatternDTO(p, true))
}

// handleGrade handles POST /api/grade (multipart capture upload)
func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	req := GradeRequest{PatternID: r.FormValue("pattern")}
	if v := r.FormValue("bpm"); v != "" {
		bpm, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid bpm")
			return
		}
		req.BPM = bpm
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.log.Errorf("Failed to get audio file: %v", err)
		s.respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	// Save to temporary file
	tempFile := filepath.Join(s.config.TempDir, fmt.Sprintf("take_%d_%s", time.Now().UnixNano(), header.Filename))
	out, err := os.Create(tempFile)
	if err != nil {
		s.log.Errorf("Failed to create temp file: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to process upload")
		return
	}
	defer out.Close()
	defer os.Remove(tempFile)

	if _, err := io.Copy(out, file); err != nil {
		s.log.Errorf("Failed to save file: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}
	out.Close()

	s.log.Infof("Grading uploaded take %s against %s", header.Filename, req.PatternID)
	report, err := s.svc.GradeTake(ctx, req.PatternID, req.BPM, tempFile)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPattern) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Errorf("Failed to grade take: %v", err)
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to grade take: %v", err))
		return
	}

	_, calibrated := s.svc.CalibrationOffset()
	s.respondJSON(w, http.StatusOK, GradeResponse{
		Message:    "Take graded successfully",
		Calibrated: calibrated,
		Report:     report,
	})
}

// handleCalibrate handles POST /api/calibrate (multipart capture upload)
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	req := CalibrateRequest{Clicks: calib.DefaultQuorum * 2, Interval: 0.5, Lead: 1.0}
	var parseErr error
	if v := r.FormValue("clicks"); v != "" {
		req.Clicks, parseErr = strconv.Atoi(v)
	}
	if v := r.FormValue("interval"); v != "" && parseErr == nil {
		req.Interval, parseErr = strconv.ParseFloat(v, 64)
	}
	if v := r.FormValue("lead"); v != "" && parseErr == nil {
		req.Lead, parseErr = strconv.ParseFloat(v, 64)
	}
	if parseErr != nil {
		s.respondError(w, http.StatusBadRequest, "clicks, interval and lead must be numeric")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.log.Errorf("Failed to get audio file: %v", err)
		s.respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	// Save to temporary file
	tempFile := filepath.Join(s.config.TempDir, fmt.Sprintf("calib_%d_%s", time.Now().UnixNano(), header.Filename))
	out, err := os.Create(tempFile)
	if err != nil {
		s.log.Errorf("Failed to create temp file: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to process upload")
		return
	}
	defer out.Close()
	defer os.Remove(tempFile)

	if _, err := io.Copy(out, file); err != nil {
		s.log.Errorf("Failed to save file: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}
	out.Close()

	schedule := calib.ClickSchedule(req.Clicks, req.Interval, req.Lead)
	s.log.Infof("Calibrating from uploaded capture %s (%d clicks)", header.Filename, req.Clicks)
	offset, err := s.svc.Calibrate(ctx, tempFile, schedule)
	if err != nil {
		if errors.Is(err, calib.ErrInsufficientSamples) {
			s.respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.log.Errorf("Failed to calibrate: %v", err)
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to calibrate: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, CalibrateResponse{
		Message:  "Calibration updated",
		OffsetMs: offset * 1000,
		Clicks:   req.Clicks,
	})
}

// handleReports handles GET /api/reports
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	patternID := r.URL.Query().Get("pattern")
	limit, err := queryLimit(r, DefaultHistoryLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := s.svc.History(patternID, limit)
	if err != nil {
		s.log.Errorf("Failed to list reports: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve reports")
		return
	}

	s.respondJSON(w, http.StatusOK, ListReportsResponse{
		Reports: reports,
		Count:   len(reports),
	})
}

// handleSessions handles GET /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, err := queryLimit(r, DefaultHistoryLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.svc.Sessions(limit)
	if err != nil {
		s.log.Errorf("Failed to list sessions: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	s.respondJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// queryLimit parses the ?limit= query parameter with a default.
func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return limit, nil
}
