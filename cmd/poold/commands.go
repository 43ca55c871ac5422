package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"execpool/internal/app"
	"execpool/internal/config"
	"execpool/internal/pool"
	"execpool/internal/storage"
	logx "execpool/pkg/logx"
)

const defaultConfigPath = "./config.json"

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "path to the config file (JSON or YAML)",
	Value: defaultConfigPath,
}

func newCLI() *cli.App {
	a := cli.NewApp()
	a.Name = "poold"
	a.HelpName = "poold"
	a.Usage = "scheduled task worker pool"
	a.UsageText = "poold <command> [arguments...]"
	a.Version = fmt.Sprintf("%s (%s)", version, commit)
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the daemon",
			Action: runCmd,
			Flags: []cli.Flag{
				configFlag,
				cli.IntFlag{Name: "min", Usage: "override pool.min_workers"},
				cli.IntFlag{Name: "max", Usage: "override pool.max_workers"},
			},
		},
		{
			Name:    "history",
			Aliases: []string{"h"},
			Usage:   "print recent task runs from storage",
			Action:  historyCmd,
			Flags: []cli.Flag{
				configFlag,
				cli.IntFlag{Name: "limit, n", Usage: "number of runs to show", Value: 20},
			},
		},
		{
			Name:   "check-config",
			Usage:  "validate the config file and its jobs",
			Action: checkConfigCmd,
			Flags:  []cli.Flag{configFlag},
		},
	}
	a.Action = runCmd
	a.Flags = []cli.Flag{configFlag}
	return a
}

func runCmd(ctx *cli.Context) error {
	var ov app.Overrides
	if ctx.IsSet("min") {
		v := ctx.Int("min")
		ov.MinWorkers = &v
	}
	if ctx.IsSet("max") {
		v := ctx.Int("max")
		ov.MaxWorkers = &v
	}

	a, err := app.NewApp(ctx.String("config"), ov)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("load: %v", err), 1)
	}
	err = a.Run(context.Background())
	if err == nil {
		return nil
	}
	if errors.Is(err, app.ErrFatal) {
		return cli.NewExitError(fmt.Sprintf("fatal: %v", err), pool.ExitInternalFault)
	}
	return cli.NewExitError(err.Error(), 1)
}

func checkConfigCmd(ctx *cli.Context) error {
	m := config.NewConfigManager(ctx.String("config"))
	m.SetValidator(func(_ context.Context, cfg *config.Config) error { return app.Check(cfg) })
	cfg, err := m.Load()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid config: %v", err), 1)
	}
	fmt.Fprintf(ctx.App.Writer, "config OK: %d jobs\n", len(cfg.Jobs))
	return nil
}

func historyCmd(ctx *cli.Context) error {
	cfg, err := config.NewConfigManager(ctx.String("config")).Parse()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("load: %v", err), 1)
	}
	sc, enabled, err := app.MapStorageConfig(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if !enabled {
		return cli.NewExitError("storage is disabled in this config", 1)
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("open storage: %v", err), 1)
	}
	defer st.Close()

	qctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runs, err := st.Recent(qctx, ctx.Int("limit"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("read history: %v", err), 1)
	}
	printRuns(ctx.App.Writer, runs)
	return nil
}

func printRuns(w io.Writer, runs []storage.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tNAME\tRUN\tSTATUS\tWORKER\tDELAY\tTOOK\tERROR")
	for _, r := range runs {
		name := r.Name
		if name == "" {
			name = r.TaskID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%dms\t%dms\t%s\n",
			r.At.Local().Format(time.DateTime), name, r.Run, r.Status, r.Worker,
			r.DelayMS, r.TookMS, oneLine(r.Error, 60))
	}
	_ = tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
