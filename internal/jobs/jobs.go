// Package jobs turns configured jobs into pool work functions and submits
// them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"execpool/internal/config"
	"execpool/internal/pool"
	"execpool/internal/trigger"
	logx "execpool/pkg/logx"
)

// Action names accepted in JobConfig.Action.
const (
	ActionLog   = "log"
	ActionSleep = "sleep"
	ActionExec  = "exec"
)

const maxOutput = 4 << 10

// Job is a validated, ready-to-submit job.
type Job struct {
	Name     string
	Action   string
	Spec     trigger.Spec
	Priority pool.Priority
	Timeout  time.Duration
	Runs     int
	Func     pool.Func

	loc *time.Location
}

// Build validates jc and constructs its work function. Cron schedules use loc.
func Build(jc config.JobConfig, loc *time.Location, log logx.Logger) (Job, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.TrimSpace(jc.Name)
	if name == "" {
		return Job{}, errors.New("job name required")
	}
	wrap := func(err error) error { return fmt.Errorf("job %s: %w", name, err) }

	spec, err := trigger.ParseSpec(jc.Schedule)
	if err != nil {
		return Job{}, wrap(err)
	}
	// Build once to surface cron syntax errors now.
	if _, err := spec.Trigger(loc); err != nil {
		return Job{}, wrap(err)
	}
	prio, err := pool.ParsePriority(jc.Priority)
	if err != nil {
		return Job{}, wrap(err)
	}
	timeout, err := config.ParseDurationField("timeout", jc.Timeout)
	if err != nil {
		return Job{}, wrap(err)
	}
	if jc.Runs < 0 {
		return Job{}, wrap(errors.New("runs must be >= 0"))
	}

	action := strings.ToLower(strings.TrimSpace(jc.Action))
	jlog := log.With(logx.String("job", name))
	var fn pool.Func
	switch action {
	case ActionLog:
		fn = logAction(jlog, jc.Message)
	case ActionSleep:
		d, err := config.ParseDurationField("sleep", jc.Sleep)
		if err != nil {
			return Job{}, wrap(err)
		}
		fn = sleepAction(d)
	case ActionExec:
		cmd := strings.TrimSpace(jc.Command)
		if cmd == "" {
			return Job{}, wrap(errors.New("exec action requires command"))
		}
		fn = execAction(jlog, cmd, jc.Args)
	default:
		return Job{}, wrap(fmt.Errorf("unknown action %q (use log, sleep or exec)", jc.Action))
	}

	return Job{
		Name:     name,
		Action:   action,
		Spec:     spec,
		Priority: prio,
		Timeout:  timeout,
		Runs:     jc.Runs,
		Func:     fn,
		loc:      loc,
	}, nil
}

// BuildAll builds every job in cfg and joins all errors.
func BuildAll(cfg *config.Config, log logx.Logger) ([]Job, error) {
	if cfg == nil {
		return nil, nil
	}
	loc, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	var (
		out  []Job
		errs []error
	)
	for _, jc := range cfg.Jobs {
		j, err := Build(jc, loc, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, j)
	}
	return out, errors.Join(errs...)
}

// Options returns the pool options for a fresh submission. Each call builds
// a new trigger so a job can be resubmitted.
func (j Job) Options() ([]pool.Option, error) {
	trig, err := j.Spec.Trigger(j.loc)
	if err != nil {
		return nil, err
	}
	if j.Runs > 0 {
		trig = trigger.Limit(trig, j.Runs)
	}
	opts := []pool.Option{
		pool.WithName(j.Name),
		pool.WithTrigger(trig),
		pool.WithPriority(j.Priority),
	}
	if j.Timeout > 0 {
		opts = append(opts, pool.WithTimeout(j.Timeout))
	}
	return opts, nil
}

// Submitter is the part of the pool used to schedule jobs.
type Submitter interface {
	Submit(fn pool.Func, opts ...pool.Option) (*pool.Handle, error)
}

// SubmitAll submits jobs and returns their handles keyed by job name. It
// stops at the first rejected submission.
func SubmitAll(p Submitter, jobs []Job, log logx.Logger) (map[string]*pool.Handle, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	out := make(map[string]*pool.Handle, len(jobs))
	for _, j := range jobs {
		opts, err := j.Options()
		if err != nil {
			return out, fmt.Errorf("job %s: %w", j.Name, err)
		}
		h, err := p.Submit(j.Func, opts...)
		if err != nil {
			return out, fmt.Errorf("job %s: %w", j.Name, err)
		}
		out[j.Name] = h
		log.Info("job scheduled",
			logx.String("job", j.Name),
			logx.String("action", j.Action),
			logx.String("schedule", describe(j.Spec)),
			logx.String("priority", j.Priority.String()),
			logx.Int("runs", j.Runs),
		)
	}
	return out, nil
}

// Names returns the sorted job names.
func Names(jobs []Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Name)
	}
	sort.Strings(out)
	return out
}

func describe(sp trigger.Spec) string {
	switch sp.Kind {
	case trigger.KindCron:
		return "cron " + sp.Cron
	case trigger.KindInterval:
		return "every " + sp.Every.String()
	default:
		if sp.At.IsZero() {
			return "once"
		}
		return "at " + sp.At.Format(time.RFC3339)
	}
}

func logAction(log logx.Logger, msg string) pool.Func {
	if msg == "" {
		msg = "tick"
	}
	return func(context.Context) (any, error) {
		log.Info(msg)
		return msg, nil
	}
}

func sleepAction(d time.Duration) pool.Func {
	return func(ctx context.Context) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return d, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func execAction(log logx.Logger, command string, args []string) pool.Func {
	args = append([]string(nil), args...)
	return func(ctx context.Context) (any, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		out, err := cmd.CombinedOutput()
		text := truncate(strings.TrimSpace(string(out)), maxOutput)
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				return text, fmt.Errorf("%s exited with code %d: %s", command, ee.ExitCode(), text)
			}
			return text, err
		}
		log.Debug("command finished", logx.String("cmd", command), logx.Int("output_bytes", len(out)))
		return text, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
