package config

// Config is the daemon configuration file (JSON, or YAML with a .yaml/.yml
// extension). Unknown fields are rejected.
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Pool    PoolConfig     `json:"pool"`
	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http"`

	// Timezone used for cron job schedules (IANA name). Empty means local.
	Timezone string      `json:"timezone,omitempty"`
	Jobs     []JobConfig `json:"jobs"`
}

// PoolConfig sizes the worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - min_workers: 0
//   - max_workers: 64
//   - normalize_every: "2m"
//   - max_sleep: "60s"
//   - history_size: 200
//
// min_workers is applied on hot reload; the rest require a restart.
type PoolConfig struct {
	MinWorkers     int    `json:"min_workers"`
	MaxWorkers     int    `json:"max_workers,omitempty"`
	NormalizeEvery string `json:"normalize_every,omitempty"`
	MaxSleep       string `json:"max_sleep,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxRecords  int    `json:"max_records,omitempty"`
}

// HTTPConfig controls the optional metrics/health/pprof server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors high-severity records to stderr.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// JobConfig describes one task submitted to the pool at startup.
//
// Schedule accepts cron expressions, Go durations, "HH:MM" intervals,
// "once" and the prefixes cron:/interval:/every:/at:.
// Runs > 0 caps the number of occurrences.
type JobConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Priority string   `json:"priority,omitempty"` // low|normal|high
	Action   string   `json:"action"`             // log|sleep|exec
	Message  string   `json:"message,omitempty"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Sleep    string   `json:"sleep,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Runs     int      `json:"runs,omitempty"`
}
