package config

import (
	"reflect"
	"sort"
	"strings"

	logx "execpool/pkg/logx"
)

// Change is a summary of a reload.
type Change struct {
	Sections []string     // sorted section names that differ
	Attrs    []logx.Field // safe log fields; never includes tokens
	Jobs     []string     // sorted names of added, removed or modified jobs
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// RestartRequired lists changed sections that cannot be applied live.
// Only logging, pool.min_workers and http are hot-reloadable.
func (c Change) RestartRequired(oldCfg, newCfg *Config) []string {
	var out []string
	for _, s := range c.Sections {
		switch s {
		case "logging", "http":
		case "pool":
			o, n := oldCfg.Pool, newCfg.Pool
			o.MinWorkers, n.MinWorkers = 0, 0
			if o != n {
				out = append(out, s)
			}
		default:
			out = append(out, s)
		}
	}
	return out
}

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if oldCfg.Logging != newCfg.Logging {
		c.Sections = append(c.Sections, "logging")
		c.Attrs = append(c.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Pool != newCfg.Pool {
		c.Sections = append(c.Sections, "pool")
		c.Attrs = append(c.Attrs,
			logx.Int("pool.min_workers", newCfg.Pool.MinWorkers),
			logx.Int("pool.max_workers", newCfg.Pool.MaxWorkers),
			logx.String("pool.normalize_every", strings.TrimSpace(newCfg.Pool.NormalizeEvery)),
			logx.String("pool.max_sleep", strings.TrimSpace(newCfg.Pool.MaxSleep)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if oh != nh || tokenChanged {
		c.Sections = append(c.Sections, "http")
		c.Attrs = append(c.Attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		c.Sections = append(c.Sections, "storage")
		c.Attrs = append(c.Attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newS.BusyTimeout)),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		c.Sections = append(c.Sections, "timezone")
		c.Attrs = append(c.Attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	c.Jobs = diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(c.Jobs) > 0 {
		c.Sections = append(c.Sections, "jobs")
		c.Attrs = append(c.Attrs,
			logx.Int("jobs.changed_count", len(c.Jobs)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(c.Sections)
	return c
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	om, nm := index(oldJobs), index(newJobs)

	var out []string
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
