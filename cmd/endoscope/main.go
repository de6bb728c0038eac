// endoscope loads a probe library into a running process, or into a process it launches.
//
// Usage:
//
//	endoscope [flags] --pid <pid>
//	endoscope [flags] <executable> [args...]
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grafana/endoscope/pkg/buildinfo"
	"github.com/grafana/endoscope/pkg/endoscope"
	"github.com/grafana/endoscope/internal/controller"
	"github.com/grafana/endoscope/internal/imetrics"
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/inject/registry"
	"github.com/grafana/endoscope/internal/probe"
)

const (
	exitOK = iota
	exitUsage
	exitFailure
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type flags struct {
	injector   string
	pid        int
	probe      string
	configPath string
	logLevel   string
}

// run the command line and returns the process exit status
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	lvl := slog.LevelVar{}
	lvl.Set(slog.LevelInfo)
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: &lvl})))

	code := exitOK
	f := flags{}
	cmd := &cobra.Command{
		Use:     "endoscope [flags] --pid <pid> | <executable> [args...]",
		Short:   "Loads a probe library into a process",
		Long:    longHelp(),
		Version: fmt.Sprintf("%s (revision %s)", buildinfo.Version, buildinfo.Revision),
		Args:    cobra.ArbitraryArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, argv []string) error {
			code = runInjection(cmd, &lvl, &f, argv)
			return nil
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fs := cmd.Flags()
	// the flags after the executable belong to it
	fs.SetInterspersed(false)
	fs.StringVarP(&f.injector, "injector", "i", "", "injection strategy. Defaults to the platform default for the mode")
	fs.IntVarP(&f.pid, "pid", "p", 0, "ID of the running process to attach to")
	fs.StringVar(&f.probe, "probe", "", "logical name of the probe library (default \""+probe.DefaultName+"\")")
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n%s", err, cmd.UsageString())
		return exitUsage
	}
	return code
}

func runInjection(cmd *cobra.Command, lvl *slog.LevelVar, f *flags, argv []string) int {
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrong configuration: %v\n", err)
		return exitFailure
	}
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrong configuration: %v\n", err)
		return exitFailure
	}

	reg, err := registry.Platform(&cfg.Injection)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "strategy selection: %v\n", err)
		return exitFailure
	}
	var metrics imetrics.Reporter = imetrics.NoopReporter{}
	if cfg.InternalMetrics.Textfile != "" {
		metrics = imetrics.NewPrometheusReporter(&cfg.InternalMetrics)
	}

	ctrl := controller.New(cfg.Probe.Name, probe.NewFinder(&cfg.Probe), reg, metrics)
	report := ctrl.Run(cmd.Context(), controller.Request{
		PID:      f.pid,
		Argv:     argv,
		Injector: cfg.Injector,
	})
	if err := metrics.Flush(); err != nil {
		slog.Warn("can't write internal metrics", "error", err)
	}

	switch {
	case report.State == controller.Usage:
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n%s", report.Message(), cmd.UsageString())
		return exitUsage
	case !report.Outcome.Succeeded:
		fmt.Fprintln(cmd.ErrOrStderr(), report.Message())
		return exitFailure
	}
	if report.Outcome.Exited != nil {
		slog.Debug("probe injected. Forwarding the output of the launched process until it exits",
			"pid", report.Outcome.PID)
		select {
		case <-report.Outcome.Exited:
		case <-cmd.Context().Done():
		}
	}
	return exitOK
}

// loadConfig from the file and the environment. The command line flags take precedence.
func loadConfig(f *flags) (*endoscope.Config, error) {
	var configReader io.Reader
	if f.configPath != "" {
		file, err := os.Open(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("can't open %s: %w", f.configPath, err)
		}
		defer file.Close()
		configReader = file
	}
	cfg, err := endoscope.LoadConfig(configReader)
	if err != nil {
		return nil, err
	}
	if f.injector != "" {
		cfg.Injector = f.injector
	}
	if f.probe != "" {
		cfg.Probe.Name = f.probe
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// longHelp lists the injectors compiled for this platform
func longHelp() string {
	sb := strings.Builder{}
	sb.WriteString("Loads a probe library into a running process (--pid), or into a process it launches.\n\nInjectors:\n")
	reg, err := registry.Platform(&inject.DefaultOptions)
	if err != nil {
		fmt.Fprintf(&sb, "  error: %v\n", err)
		return sb.String()
	}
	descs := reg.Describe()
	if len(descs) == 0 {
		sb.WriteString("  none available on this platform\n")
	}
	for _, d := range descs {
		fmt.Fprintf(&sb, "  %-14s %s\n", d.ID, d.Modes)
	}
	fmt.Fprintf(&sb, "\nDefault attach injector: %s\nDefault launch injector: %s\n",
		orNone(reg.DefaultID(inject.ModeAttach)), orNone(reg.DefaultID(inject.ModeLaunch)))
	return sb.String()
}

func orNone(id string) string {
	if id == "" {
		return "none"
	}
	return id
}
