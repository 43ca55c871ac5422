package app

import (
	"fmt"
	"strings"
	"time"

	"execpool/internal/config"
	"execpool/internal/observability/httpserver"
	"execpool/internal/pool"
	"execpool/internal/storage"
	logx "execpool/pkg/logx"
)

// Overrides are command-line values that take precedence over the file.
type Overrides struct {
	MinWorkers *int
	MaxWorkers *int
}

func (o Overrides) apply(cfg *config.Config) {
	if o.MinWorkers != nil {
		cfg.Pool.MinWorkers = *o.MinWorkers
	}
	if o.MaxWorkers != nil {
		cfg.Pool.MaxWorkers = *o.MaxWorkers
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// mapPoolConfig fills the pool sizing fields; collaborators are set by the caller.
func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	pc := cfg.Pool
	every, err := config.ParseDurationOrDefault("pool.normalize_every", pc.NormalizeEvery, pool.DefaultNormalizeEvery)
	if err != nil {
		return pool.Config{}, err
	}
	sleep, err := config.ParseDurationOrDefault("pool.max_sleep", pc.MaxSleep, pool.DefaultMaxSleep)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		MinWorkers:     pc.MinWorkers,
		MaxWorkers:     pc.MaxWorkers,
		NormalizeEvery: every,
		MaxSleep:       sleep,
		HistorySize:    pc.HistorySize,
	}, nil
}

// MapStorageConfig reports enabled=false when storage is omitted or "none".
func MapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path, MaxRecords: sc.MaxRecords}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxRecords: sc.MaxRecords}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Pprof:         h.Pprof,
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
