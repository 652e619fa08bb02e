package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Addr        string
	BaseURL     string
	DataDir     string
	Store       string
	DBPath      string
	PostgresDSN string
	UploadsDir  string
	// Workdir holds one directory per chemical system with custom
	// structure files and report bundles.
	Workdir    string
	IndexesDir string
	// SearchCmd is the argv of the external phase search program.
	SearchCmd    []string
	PollInterval time.Duration
	JobTimeout   time.Duration
	Verbose      bool
}

func Load() (Config, error) {
	dataDir := getenv("PHASESEARCH_DATA_DIR", "data")
	cfg := Config{
		Addr:        getenv("PHASESEARCH_API_ADDR", ":8899"),
		BaseURL:     strings.TrimRight(os.Getenv("PHASESEARCH_BASE_URL"), "/"),
		DataDir:     dataDir,
		Store:       strings.ToLower(getenv("PHASESEARCH_STORE", StoreSQLite)),
		DBPath:      getenv("PHASESEARCH_DB_PATH", filepath.Join(dataDir, "jobs.db")),
		PostgresDSN: os.Getenv("PHASESEARCH_POSTGRES_DSN"),
		UploadsDir:  getenv("PHASESEARCH_UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
		Workdir:     getenv("PHASESEARCH_WORKDIR", filepath.Join(dataDir, "work")),
		IndexesDir:  getenv("PHASESEARCH_INDEXES_DIR", filepath.Join(dataDir, "indexes")),
		SearchCmd:   getenvCSV("PHASESEARCH_SEARCH_CMD", nil),
	}

	var err error
	if cfg.PollInterval, err = getenvDuration("PHASESEARCH_POLL_INTERVAL", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.JobTimeout, err = getenvDuration("PHASESEARCH_JOB_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.Verbose, err = getenvBool("PHASESEARCH_VERBOSE", false); err != nil {
		return Config{}, err
	}

	switch cfg.Store {
	case StoreSQLite:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("PHASESEARCH_POSTGRES_DSN is required for store %q", cfg.Store)
		}
	default:
		return Config{}, fmt.Errorf("PHASESEARCH_STORE: unsupported store %q", cfg.Store)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("PHASESEARCH_POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.JobTimeout < 0 {
		return Config{}, fmt.Errorf("PHASESEARCH_JOB_TIMEOUT must not be negative, got %s", cfg.JobTimeout)
	}
	if cfg.BaseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		cfg.BaseURL = fmt.Sprintf("http://%s", addr)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// bare numbers are seconds
		secs, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	return d, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
