package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/strumline/strumline/internal/engine"
	"github.com/strumline/strumline/internal/service"
	"github.com/strumline/strumline/internal/storage"
)

var (
	port           int
	dbPath         string
	patternDir     string
	tempDir        string
	sampleRate     int
	allowedOrigins string
)

func init() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("STRUMLINE_DB_PATH", storage.DefaultDBFile), "Path to SQLite history database")
	flag.StringVar(&patternDir, "patterns", getEnvOrDefault("STRUMLINE_PATTERN_DIR", ""), "Directory of user pattern YAML files")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("STRUMLINE_TEMP_DIR", "/tmp"), "Temporary directory")
	flag.IntVar(&sampleRate, "rate", engine.DefaultSampleRate, "Audio sample rate for analysis")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()

	// Parse allowed origins
	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	// The server only grades and calibrates; it never plays, so it runs
	// without an audio device.
	svc, err := service.NewPracticeService(
		service.WithDBPath(dbPath),
		service.WithPatternDir(patternDir),
		service.WithTempDir(tempDir),
		service.WithSampleRate(sampleRate),
		service.WithoutDevice(),
	)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	defer svc.Close()

	config := &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		PatternDir:     patternDir,
		TempDir:        tempDir,
		SampleRate:     sampleRate,
		AllowedOrigins: origins,
	}

	server := NewServer(svc, config)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
