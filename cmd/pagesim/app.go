package main

import (
	"io"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/kmain"
)

const (
	configFlagName   = "config"
	logLevelFlagName = "log-level"

	// exitHalted is the exit status used when the emulated kernel halts.
	exitHalted = 2
)

// app returns the CLI application. Command output is written to out while
// kernel log records and console output go to errOut.
func app(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:           "pagesim",
		Usage:          "boot an emulated 32-bit paging memory subsystem and exercise it",
		Writer:         out,
		ErrWriter:      errOut,
		ExitErrHandler: errHandler,
		Before:         beforeApp,
		Commands: []*cli.Command{
			bootCommand,
			scenarioCommand,
			configCommand,
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlagName,
				Aliases: []string{"c"},
				Usage:   "path to a TOML machine configuration; defaults are used for missing settings",
			},
			&cli.StringFlag{
				Name:  logLevelFlagName,
				Value: "warning",
				Usage: "kernel log level (trace, debug, info, warning, error)",
			},
		},
	}
}

func beforeApp(c *cli.Context) error {
	kfmt.SetOutputSink(c.App.ErrWriter)

	if err := kfmt.SetLevel(c.String(logLevelFlagName)); err != nil {
		return errors.Wrap(err, "logging setup")
	}
	return nil
}

func errHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	cli.HandleExitCoder(cli.Exit(errors.Wrap(err, commandName(c)), exitCode(err)))
}

func commandName(c *cli.Context) string {
	n := c.App.Name
	if c.Command != nil {
		if nn := c.Command.FullName(); nn != "" {
			n += " " + nn
		}
	}
	return n
}

// exitCode distinguishes kernel halts from ordinary failures.
func exitCode(err error) int {
	if kernel.IsFatal(errors.Cause(err)) {
		return exitHalted
	}
	return 1
}

// loadConfig returns the configuration selected by the global config flag.
func loadConfig(c *cli.Context) (*kmain.Config, error) {
	path := c.String(configFlagName)
	if path == "" {
		return kmain.DefaultConfig(), nil
	}
	return kmain.LoadConfig(path)
}

var bootCommand = &cli.Command{
	Name:  "boot",
	Usage: "boot the memory subsystem and run the demand-paging workload",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "iterations",
			Usage: "override the number of regions allocated per vm pool",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		if c.IsSet("iterations") {
			cfg.Workload.Iterations = c.Int("iterations")
		}

		report, err := kmain.Kmain(cfg)
		if err != nil {
			return err
		}

		report.Print(c.App.Writer)
		return nil
	},
}

var scenarioCommand = &cli.Command{
	Name:  "scenario",
	Usage: "run the 16-frame allocator scenario and print every step",
	Action: func(c *cli.Context) error {
		return kmain.RunScenario(c.App.Writer)
	},
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "print the effective configuration as TOML",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		data, err := cfg.Marshal()
		if err != nil {
			return err
		}

		_, err = c.App.Writer.Write(data)
		return errors.Wrap(err, "writing config")
	},
}
