package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"execpool/internal/trigger"
)

// Validate checks the structural rules of cfg: durations parse, pool bounds
// are consistent, storage and jobs are well formed. Job actions are checked
// by the component that builds them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	p := cfg.Pool
	if p.MinWorkers < 0 {
		errs = append(errs, fmt.Errorf("pool.min_workers must be >= 0"))
	}
	if p.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("pool.max_workers must be >= 0"))
	}
	if p.MaxWorkers > 0 && p.MinWorkers >= p.MaxWorkers {
		errs = append(errs, fmt.Errorf("pool.min_workers (%d) must be < pool.max_workers (%d)", p.MinWorkers, p.MaxWorkers))
	}
	for _, f := range [][2]string{
		{"pool.normalize_every", p.NormalizeEvery},
		{"pool.max_sleep", p.MaxSleep},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f[0], f[1]); err != nil {
			errs = append(errs, err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		errs = append(errs, err)
		loc = time.Local
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		prefix := fmt.Sprintf("jobs[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			prefix = fmt.Sprintf("jobs[%s]", name)
			if seen[name] {
				errs = append(errs, fmt.Errorf("%s: duplicate job name", prefix))
			}
			seen[name] = true
		}
		if _, err := trigger.Parse(j.Schedule, loc); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", prefix, err))
		}
		if j.Runs < 0 {
			errs = append(errs, fmt.Errorf("%s.runs must be >= 0", prefix))
		}
		if _, err := ParseDurationField(prefix+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(prefix+".sleep", j.Sleep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadLocation resolves a timezone name; empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}
