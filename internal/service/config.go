package service

import (
	"os"

	"github.com/strumline/strumline/internal/calib"
	"github.com/strumline/strumline/internal/engine"
	"github.com/strumline/strumline/internal/eval"
	"github.com/strumline/strumline/internal/onset"
	"github.com/strumline/strumline/pkg/logger"
)

// Config collects everything the practice service needs. Zero values mean
// "use the default"; construct through NewPracticeService with options.
type Config struct {
	// DBPath is the sqlite history file. Empty falls back to
	// STRUMLINE_DB_PATH and then the default file in the working directory.
	DBPath string
	// PatternDir holds user pattern YAML files merged over the built-ins.
	PatternDir string
	// SampleDir holds WAV overrides for the engine's voices.
	SampleDir string
	// TempDir receives converted captures.
	TempDir    string
	SampleRate int
	// NoDevice runs the engine without opening an audio device. Grading-only
	// processes (the HTTP server, tests) set this.
	NoDevice bool
	Logger   *logger.Logger
	Onset    onset.Config
	Eval     eval.Config
	// CalibQuorum and CalibWindow tune the latency calibrator; zero selects
	// the calib package defaults.
	CalibQuorum int
	CalibWindow float64
}

// Option configures the service.
type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) { c.DBPath = path }
}

func WithPatternDir(dir string) Option {
	return func(c *Config) { c.PatternDir = dir }
}

func WithSampleDir(dir string) Option {
	return func(c *Config) { c.SampleDir = dir }
}

func WithTempDir(dir string) Option {
	return func(c *Config) { c.TempDir = dir }
}

func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithoutDevice disables audio output; triggers are still mixed and dropped.
func WithoutDevice() Option {
	return func(c *Config) { c.NoDevice = true }
}

func WithLogger(log *logger.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

func WithOnsetConfig(cfg onset.Config) Option {
	return func(c *Config) { c.Onset = cfg }
}

func WithEvalConfig(cfg eval.Config) Option {
	return func(c *Config) { c.Eval = cfg }
}

func WithCalibration(quorum int, window float64) Option {
	return func(c *Config) {
		c.CalibQuorum = quorum
		c.CalibWindow = window
	}
}

func defaultConfig() *Config {
	return &Config{
		PatternDir:  os.Getenv("STRUMLINE_PATTERN_DIR"),
		SampleDir:   os.Getenv("STRUMLINE_SAMPLE_DIR"),
		TempDir:     os.TempDir(),
		SampleRate:  engine.DefaultSampleRate,
		Onset:       onset.DefaultConfig(),
		Eval:        eval.DefaultConfig(),
		CalibQuorum: calib.DefaultQuorum,
		CalibWindow: calib.DefaultWindow,
	}
}
