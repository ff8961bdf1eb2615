// Package config resolves the environment-variable contract once at
// startup into a single Config value that is threaded explicitly through
// the gateway and worker binaries, rather than re-read ad hoc via
// os.Getenv deeper in the call stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting shared by both binaries.
// The cobra flags in cmd/gateway and cmd/worker cover logging and the
// worker's metrics port only; they do not override any Config field.
type Config struct {
	Port int
	Host string

	StorageRoot string

	RAGAPIURL       string
	RAGAPIJWTSecret string

	ChunkSize    int
	ChunkOverlap int

	SyncInterval     time.Duration
	MaxFilesPerCycle int
	IndexDelay       time.Duration

	VectorDBHost     string
	VectorDBPort     int
	VectorDBName     string
	VectorDBUser     string
	VectorDBPassword string

	MaxConsecutiveFailures int
	MaxConcurrentUsers     int
}

// Load populates a Config from the process environment, applying
// documented defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                   envInt("PORT", 3003),
		Host:                   envString("HOST", "0.0.0.0"),
		StorageRoot:            envString("STORAGE_ROOT", "/storage"),
		RAGAPIURL:              envString("RAG_API_URL", "http://librechat-rag-api:8000"),
		ChunkSize:              envInt("CHUNK_SIZE", 1500),
		ChunkOverlap:           envInt("CHUNK_OVERLAP", 100),
		SyncInterval:           envSeconds("SYNC_INTERVAL", 60),
		MaxFilesPerCycle:       envInt("MAX_FILES_PER_CYCLE", 10),
		IndexDelay:             envMillisFromSeconds("INDEX_DELAY", 0.5),
		VectorDBHost:           envString("VECTORDB_HOST", "localhost"),
		VectorDBPort:           envInt("VECTORDB_PORT", 5432),
		VectorDBName:           envString("VECTORDB_DB", "librechat"),
		VectorDBUser:           envString("VECTORDB_USER", "librechat"),
		VectorDBPassword:       envString("VECTORDB_PASSWORD", ""),
		MaxConsecutiveFailures: 5,
		MaxConcurrentUsers:     4,
	}

	cfg.RAGAPIJWTSecret = os.Getenv("RAG_API_JWT_SECRET")
	if cfg.RAGAPIJWTSecret == "" {
		cfg.RAGAPIJWTSecret = os.Getenv("JWT_SECRET")
	}
	if cfg.RAGAPIJWTSecret == "" {
		return cfg, fmt.Errorf("RAG_API_JWT_SECRET or JWT_SECRET must be set")
	}

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return cfg, fmt.Errorf("creating storage root %s: %w", cfg.StorageRoot, err)
	}

	return cfg, nil
}

// DSN renders the libpq connection string pgxpool expects.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.VectorDBUser, c.VectorDBPassword, c.VectorDBHost, c.VectorDBPort, c.VectorDBName)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envMillisFromSeconds(key string, defSeconds float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defSeconds * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(defSeconds * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}
