package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRecords  int           // retention bound; 0 means DefaultMaxRecords
}

const DefaultMaxRecords = 10000

// Run outcome values stored in RunRecord.Status.
const (
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// RunRecord is one completed (or abandoned) task occurrence.
// Keep it compact and schema-stable.
type RunRecord struct {
	At      time.Time `json:"at"`
	TaskID  string    `json:"task_id"`
	Name    string    `json:"name"`
	Run     int       `json:"run"`
	Status  string    `json:"status"`
	Worker  uint64    `json:"worker,omitempty"`
	DelayMS int64     `json:"delay_ms"`
	TookMS  int64     `json:"took_ms"`
	Error   string    `json:"error,omitempty"`
}

func maxRecords(cfg Config) int {
	if cfg.MaxRecords <= 0 {
		return DefaultMaxRecords
	}
	return cfg.MaxRecords
}
