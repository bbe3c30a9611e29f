// Command rauc-hawkbit-updater is the agent's process entry point: it
// parses CLI flags, loads the ini config, and drives the polling loop to
// completion (spec.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/rauc/rauc-hawkbit-updater/action"
	"github.com/rauc/rauc-hawkbit-updater/config"
	"github.com/rauc/rauc-hawkbit-updater/core"
	"github.com/rauc/rauc-hawkbit-updater/installer"
	"github.com/rauc/rauc-hawkbit-updater/logging"
	"github.com/rauc/rauc-hawkbit-updater/transport"
)

// Exit codes per spec.md §6.
const (
	exitSuccess = iota
	exitOptionParsing
	exitMissingConfigPath
	exitConfigNotFound
	exitConfigLoadError
)

func main() {
	app := cli.NewApp()
	app.Name = "rauc-hawkbit-updater"
	app.Usage = "RAUC hawkBit DDI update agent"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to the ini-style configuration file"},
		cli.BoolFlag{Name: "run-once", Usage: "perform a single poll pass, join any download, then exit"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitOptionParsing)
	}
}

func run(c *cli.Context) error {
	path := c.String("config")
	if path == "" {
		return cli.NewExitError("missing required --config path", exitMissingConfigPath)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cli.NewExitError(fmt.Sprintf("config file not found: %s", path), exitConfigNotFound)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to load config: %v", err), exitConfigLoadError)
	}

	log := logging.New(os.Stderr, cfg.LogLevel)
	store := action.New()
	tr := transport.New(cfg, log)
	bridge := &installer.LocalBridge{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cr := core.New(ctx, cfg, store, tr, bridge, log)

	if c.Bool("run-once") {
		ok, err := cr.Poll.RunOnce(ctx)
		if err != nil {
			return cli.NewExitError(err.Error(), exitSuccess+1)
		}
		if !ok {
			return cli.NewExitError("run-once pass did not succeed", exitSuccess+1)
		}
		return nil
	}

	if err := cr.Poll.Run(ctx); err != nil && ctx.Err() == nil {
		return cli.NewExitError(err.Error(), exitSuccess+1)
	}
	return nil
}
