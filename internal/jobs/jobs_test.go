package jobs

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"execpool/internal/config"
	"execpool/internal/pool"
	"execpool/internal/trigger"
	logx "execpool/pkg/logx"
)

func TestBuildValidates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		jc   config.JobConfig
		want string
	}{
		{"no name", config.JobConfig{Schedule: "once", Action: "log"}, "name required"},
		{"bad schedule", config.JobConfig{Name: "a", Schedule: "later", Action: "log"}, "invalid schedule"},
		{"bad cron", config.JobConfig{Name: "a", Schedule: "61 * * * *", Action: "log"}, "job a"},
		{"bad priority", config.JobConfig{Name: "a", Schedule: "once", Action: "log", Priority: "urgent"}, "job a"},
		{"bad action", config.JobConfig{Name: "a", Schedule: "once", Action: "email"}, "unknown action"},
		{"exec no command", config.JobConfig{Name: "a", Schedule: "once", Action: "exec"}, "requires command"},
		{"bad timeout", config.JobConfig{Name: "a", Schedule: "once", Action: "log", Timeout: "x"}, "timeout"},
		{"bad sleep", config.JobConfig{Name: "a", Schedule: "once", Action: "sleep", Sleep: "-1s"}, "sleep"},
	}
	for _, tc := range cases {
		_, err := Build(tc.jc, time.UTC, logx.Nop())
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want %q", tc.name, err, tc.want)
		}
	}

	j, err := Build(config.JobConfig{Name: " nap ", Schedule: "@hourly", Action: "SLEEP", Sleep: "1ms", Priority: "low", Timeout: "5s", Runs: 2}, time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if j.Name != "nap" || j.Action != ActionSleep || j.Priority != pool.PriorityLow || j.Timeout != 5*time.Second || j.Spec.Kind != trigger.KindCron {
		t.Fatalf("job = %+v", j)
	}
}

func TestBuildAllJoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Jobs: []config.JobConfig{
		{Name: "ok", Schedule: "once", Action: "log"},
		{Name: "bad1", Schedule: "once", Action: "nope"},
		{Name: "bad2", Schedule: "", Action: "log"},
	}}
	js, err := BuildAll(cfg, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "bad1") || !strings.Contains(err.Error(), "bad2") {
		t.Fatalf("err = %v", err)
	}
	if len(js) != 1 || Names(js)[0] != "ok" {
		t.Fatalf("jobs = %v", Names(js))
	}
}

func TestActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	v, err := logAction(logx.Nop(), "")(ctx)
	if err != nil || v != "tick" {
		t.Fatalf("log = %v, %v", v, err)
	}

	v, err = sleepAction(time.Millisecond)(ctx)
	if err != nil || v != time.Millisecond {
		t.Fatalf("sleep = %v, %v", v, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := sleepAction(time.Hour)(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled sleep err = %v", err)
	}

	if runtime.GOOS == "windows" {
		return
	}
	v, err = execAction(logx.Nop(), "sh", []string{"-c", "echo hello"})(ctx)
	if err != nil || v != "hello" {
		t.Fatalf("exec = %v, %v", v, err)
	}
	_, err = execAction(logx.Nop(), "sh", []string{"-c", "echo bad >&2; exit 3"})(ctx)
	if err == nil || !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("exec failure err = %v", err)
	}
}

func TestSubmitAllRunsJobsOnPool(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Jobs: []config.JobConfig{
		{Name: "hello", Schedule: "once", Action: "log", Message: "hi"},
		{Name: "twice", Schedule: "every:1ms", Action: "sleep", Sleep: "1ms", Runs: 2},
	}}
	js, err := BuildAll(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}

	p := pool.New(pool.Config{MaxWorkers: 2, NormalizeEvery: 10 * time.Millisecond})
	defer p.CloseAsync()

	hs, err := SubmitAll(p, js, logx.Nop())
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if v, err := hs["hello"].Await(ctx); err != nil || v != "hi" {
		t.Fatalf("hello = %v, %v", v, err)
	}
	if _, err := hs["twice"].Await(ctx); err != nil {
		t.Fatalf("twice: %v", err)
	}
	if hs["twice"].Runs() != 2 || hs["twice"].Name() != "twice" {
		t.Fatalf("twice runs = %d", hs["twice"].Runs())
	}

	if err := p.CloseWaitAll(ctx); err != nil {
		t.Fatalf("CloseWaitAll: %v", err)
	}
	if _, err := SubmitAll(p, js, logx.Nop()); !errors.Is(err, pool.ErrPoolClosed) {
		t.Fatalf("submit after close err = %v", err)
	}
}
