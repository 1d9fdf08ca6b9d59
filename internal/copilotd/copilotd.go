// Package copilotd serves one copilot session over HTTP until interrupted.
package copilotd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"btcopilot/api"
	"btcopilot/config"
	"btcopilot/copilot"
	"btcopilot/internal/logger"
	"btcopilot/session"
)

// Options control session persistence around the server lifetime.
type Options struct {
	// Resume restores the project's snapshot before serving, if one exists.
	Resume bool
	// SnapshotOnExit saves the session when the server stops.
	SnapshotOnExit bool
}

// flagValues are the command-line settings of the daemon. The names match the root
// flags of the btcopilot CLI so "btcopilot -p name serve" passes straight through.
type flagValues struct {
	configPath string
	listen     string
	project    string
	logMode    string
	testMode   bool
	opts       Options
}

func parseFlags(args []string, errOut io.Writer) (*flagValues, error) {
	flags := flag.NewFlagSet("btcopilot serve", flag.ContinueOnError)
	flags.SetOutput(errOut)

	v := &flagValues{}
	flags.StringVar(&v.configPath, "config", "", "settings file (YAML), defaults to ./settings.yaml when present")
	flags.StringVar(&v.listen, "listen", "", "listen address, overrides settings (default 127.0.0.1:19528)")
	flags.StringVar(&v.project, "project", "", "project name, overrides settings")
	flags.StringVar(&v.project, "p", "", "shorthand for -project")
	flags.StringVar(&v.logMode, "log-mode", "", "dev, prod or quiet; overrides settings")
	flags.BoolVar(&v.testMode, "test-mode", false, "use the offline generator; no model calls are made")
	flags.BoolVar(&v.opts.Resume, "resume", false, "restore the saved session of the project on start")
	flags.BoolVar(&v.opts.SnapshotOnExit, "snapshot-on-exit", true, "save the session when shutting down")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %v", flags.Args())
		fmt.Fprintln(errOut, err)
		return nil, err
	}
	return v, nil
}

func (v *flagValues) apply(c *config.Config) {
	if v.listen != "" {
		c.Listen = v.listen
	}
	if v.project != "" {
		c.ProjectName = v.project
	}
	if v.logMode != "" {
		c.LogMode = v.logMode
	}
	if v.testMode {
		c.TestMode = true
	}
}

func Run(args []string) int {
	v, err := parseFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	cfg, err := config.GetConfigWith(v.configPath, v.apply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, cfg, log, v.opts); err != nil {
		log.Error("server stopped", "err", err)
		return 1
	}
	return 0
}

// Serve runs the HTTP API until ctx is cancelled or the listener fails.
func Serve(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) error {
	cp, err := copilot.Open(cfg, log)
	if err != nil {
		return err
	}
	if opts.Resume {
		switch err := cp.Restore(); {
		case err == nil:
			log.Info("session restored", "project", cp.ProjectName(), "id", cp.Session().ID)
		case errors.Is(err, session.ErrNoSnapshot):
			log.Info("no saved session, starting empty", "project", cp.ProjectName())
		default:
			return fmt.Errorf("restore session: %w", err)
		}
	}

	server := api.NewServer(cp, cfg.Listen, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		if err := server.Shutdown(); err != nil {
			log.Warn("http shutdown", "err", err)
		}
		<-errCh
	}

	// The server is stopped; no handler holds the copilot any more.
	if opts.SnapshotOnExit {
		path, err := cp.Snapshot()
		if err != nil {
			return err
		}
		log.Info("session saved", "path", path)
	}
	return nil
}
