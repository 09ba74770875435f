// Command cdpstep reads a JSON step list, drives it against a running
// Chrome/Chromium instance over the DevTools Protocol, and writes a JSON
// report to stdout (§6 of SPEC_FULL.md).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cdpstep/cdpstep/config"
	"github.com/cdpstep/cdpstep/logging"
	"github.com/cdpstep/cdpstep/runner"
	"github.com/cdpstep/cdpstep/session"
	"github.com/cdpstep/cdpstep/siteprofile"
	"github.com/cdpstep/cdpstep/steps"
	"github.com/cdpstep/cdpstep/tabstore"
	"github.com/cdpstep/cdpstep/transport"
)

// Injected at build time via -ldflags.
var version = "dev"

type options struct {
	file     string
	host     string
	port     int
	headless bool
	verbose  bool
	tmpDir   string
}

func main() {
	os.Exit(run())
}

func run() int {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "cdpstep [json]",
		Short:         "Drive Chrome over CDP with a declarative JSON step list",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.execute(cmd, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.file, "file", "f", "", "read the step list from this file instead of stdin/argv")
	flags.StringVar(&o.host, "host", config.DefaultHost, "Chrome remote-debugging host")
	flags.IntVar(&o.port, "port", config.DefaultPort, "Chrome remote-debugging port")
	flags.BoolVar(&o.headless, "headless", false, "hint that the target Chrome is running headless")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "emit development-mode logs to stderr")
	flags.StringVar(&o.tmpDir, "tmp-dir", "", "directory for screenshots and snapshot files (default: OS temp dir)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return cmd.Context().Value(exitCodeKey{}).(int)
}

type exitCodeKey struct{}

func (o *options) execute(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New(o.verbose)
	defer func() { _ = log.Sync() }()

	raw, err := o.readInput(args)
	if err != nil {
		return writeReport(cmd, errorReport("PARSE", err.Error()), 1)
	}

	var input steps.Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return writeReport(cmd, errorReport("PARSE", fmt.Sprintf("malformed input json: %v", err)), 1)
	}

	cfg := config.Config{Host: o.host, Port: o.port, Headless: o.headless}
	if len(input.Config) > 0 {
		var overlay config.Config
		if err := json.Unmarshal(input.Config, &overlay); err == nil {
			if overlay.Host != "" {
				cfg.Host = overlay.Host
			}
			if overlay.Port != 0 {
				cfg.Port = overlay.Port
			}
			if overlay.Headless {
				cfg.Headless = true
			}
		}
	}
	cfg = cfg.WithDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	t, err := transport.Dial(dialCtx, cfg, log, transport.DefaultOptions())
	cancel()
	if err != nil {
		return writeReport(cmd, errorReport("CONNECTION", err.Error()), 1)
	}
	defer t.Close()

	sessions := session.New(t)
	defer sessions.DetachAll(ctx)

	tmpDir := o.tmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	env := steps.NewEnv(t, sessions, tabstore.Open(""), siteprofile.Open(""), tmpDir, log)

	report := runner.Run(ctx, env, input)

	code := 0
	if report.Status != "ok" {
		code = 1
	}
	return writeReport(cmd, report, code)
}

// readInput resolves the step-list JSON from -f, a bare argv argument, or
// stdin, in that priority order (§6).
func (o *options) readInput(args []string) ([]byte, error) {
	if o.file != "" {
		return os.ReadFile(o.file)
	}
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		return io.ReadAll(os.Stdin)
	}
	return nil, fmt.Errorf("no input: pass -f <file>, a JSON argument, or pipe JSON on stdin")
}

func errorReport(kind, message string) *runner.Report {
	return &runner.Report{
		InvocationID: uuid.NewString(),
		Status:       "error",
		Steps:        []steps.Result{},
		Errors:       []runner.StepError{{Error: kind + ": " + message}},
	}
}

func writeReport(cmd *cobra.Command, report *runner.Report, code int) error {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "cdpstep: failed to marshal report:", err)
		code = 1
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	cmd.SetContext(context.WithValue(cmd.Context(), exitCodeKey{}, code))
	return nil
}
