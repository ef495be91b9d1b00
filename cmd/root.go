/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package cmd implements the k6browser command line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/errext/exitcodes"
	"github.com/liuxd6825/k6browser/log"
)

const waitLoggerCloseTimeout = time.Second * 5

// BannerColor is the color of the banner shown in the help output.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

const banner = `   __   ____  __
  / /__/ / /_/ /  _______ _    _____ ___ ____
 /  '_/ _  / _ \/ __/ _ \ |/|/ (_-</ -_) __/
/_/\_\\_,_/_.__/_/  \___/__,__/___/\__/_/`

// This is to keep all fields needed for the main/root command.
type rootCommand struct {
	gs        *globalState
	cmd       *cobra.Command
	loggersWg chan struct{}
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{gs: gs}
	// the base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "k6browser",
		Short:             "launch and control a Chromium based browser",
		Long:              "\n" + BannerColor.Sprint(banner),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	c.cmd.SetArgs(os.Args[1:])
	c.cmd.SetOut(gs.stdout)
	c.cmd.SetErr(gs.stderr)
	c.cmd.AddCommand(
		getCmdLaunch(gs),
		getCmdVersion(gs),
	)

	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	if err := c.setupLoggers(); err != nil {
		return err
	}
	if c.gs.flags.noColor {
		c.gs.stdout.Writer = colorable.NewNonColorable(os.Stdout)
		c.gs.stderr.Writer = colorable.NewNonColorable(os.Stderr)
		c.gs.stdout.isTTY, c.gs.stderr.isTTY = false, false
	}
	c.gs.logger.Debugf("k6browser version: v%s", fullVersion())

	return nil
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := newGlobalState(ctx)
	newRootCommand(gs).execute(cancel)
}

// execute runs the command line and exits with the exit code attached to
// the error it failed with, if any.
func (c *rootCommand) execute(cancel context.CancelFunc) {
	err := c.cmd.Execute()
	if err == nil {
		cancel()
		c.waitLoggers()
		return
	}

	exitCode := errext.ExitCodeOf(err, exitcodes.GenericError)
	msg, fields := errext.Format(err)
	c.gs.logger.WithFields(fields).Error(msg)

	c.gs.hooks.Run()
	cancel()
	c.waitLoggers()
	c.gs.osExit(int(exitCode))
}

func (c *rootCommand) waitLoggers() {
	if c.loggersWg == nil {
		return
	}
	select {
	case <-c.loggersWg:
	case <-time.After(waitLoggerCloseTimeout):
		c.gs.fallbackLogger.Errorf("The logger didn't stop in %s", waitLoggerCloseTimeout)
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.flags.verbose, "enable verbose logging")
	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.Lookup("log-output").DefValue = "stderr"
	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format, possible values are raw,json")
	flags.StringVar(&gs.flags.logLevel, "log-level", gs.flags.logLevel,
		"minimum level of the logged entries, --verbose raises it to debug")
	flags.Lookup("log-level").DefValue = "info"

	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

func (c *rootCommand) setupLoggers() error {
	lvl, err := log.EffectiveLevel(c.gs.flags.logLevel, c.gs.flags.verbose)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	c.gs.logger.SetLevel(lvl)

	switch line := c.gs.flags.logOutput; {
	case line == "stderr":
		c.gs.logger.SetOutput(c.gs.stderr)
	case line == "stdout":
		c.gs.logger.SetOutput(c.gs.stdout)
	case line == "none":
		c.gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		c.loggersWg = make(chan struct{})
		hook, err := log.FileHookFromConfigLine(
			c.gs.ctx, c.gs.fs, c.gs.getwd, c.gs.fallbackLogger, line, c.loggersWg,
		)
		if err != nil {
			return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
		}
		c.gs.logger.AddHook(hook)
		c.gs.logger.SetOutput(io.Discard)
	default:
		return errext.WithExitCodeIfNone(
			fmt.Errorf("unsupported log output '%s'", line), exitcodes.InvalidConfig)
	}

	switch c.gs.flags.logFormat {
	case "raw":
		c.gs.logger.SetFormatter(&RawFormatter{})
		c.gs.logger.Debug("Logger format: RAW")
	case "json":
		c.gs.logger.SetFormatter(&logrus.JSONFormatter{})
		c.gs.logger.Debug("Logger format: JSON")
	default:
		c.gs.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors: c.gs.stderr.isTTY, DisableColors: c.gs.flags.noColor,
		})
		c.gs.logger.Debug("Logger format: TEXT")
	}

	return nil
}
