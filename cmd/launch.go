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

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/k6browser/chromium"
	"github.com/liuxd6825/k6browser/common"
	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/errext/exitcodes"
	"github.com/liuxd6825/k6browser/log"
)

// cmdLaunch handles the `k6browser launch` sub-command.
type cmdLaunch struct {
	gs *globalState

	pipe              bool
	headless          bool
	dumpio            bool
	timeout           time.Duration
	slowMo            time.Duration
	executablePath    string
	args              []string
	ignoreDefaultArgs []string
	env               []string
	logCategoryFilter string

	// launched is notified once the browser is up, for tests.
	launched func(*common.BrowserRunner)
}

func (c *cmdLaunch) flagSet() *pflag.FlagSet {
	defaults := common.NewLaunchOptions()

	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.BoolVar(&c.pipe, "pipe", defaults.Pipe, "connect over --remote-debugging-pipe instead of a websocket")
	flags.BoolVar(&c.headless, "headless", defaults.Headless, "run the browser in headless mode")
	flags.BoolVar(&c.dumpio, "dumpio", defaults.Dumpio, "forward the browser's stdout and stderr")
	flags.DurationVar(&c.timeout, "timeout", defaults.Timeout,
		"how long to wait for the browser to start, 0 to wait forever")
	flags.DurationVar(&c.slowMo, "slow-mo", defaults.SlowMo, "delay every protocol message by this amount")
	flags.StringVar(&c.executablePath, "executable-path", "", "path to the browser executable")
	flags.StringArrayVar(&c.args, "arg", nil, "extra browser flag in `name[=value]` form, can be repeated")
	flags.StringArrayVar(&c.ignoreDefaultArgs, "ignore-default-arg", nil,
		"default browser flag to leave out, can be repeated")
	flags.StringArrayVar(&c.env, "env", nil,
		"environment variable in `KEY=VALUE` form passed to the browser, can be repeated")
	flags.StringVar(&c.logCategoryFilter, "log-category-filter", defaults.LogCategoryFilter,
		"only log entries whose category matches this regular expression")

	return flags
}

// launchOptions returns the options from the environment, overridden by
// the flags that were set explicitly.
func (c *cmdLaunch) launchOptions(flags *pflag.FlagSet) (*common.LaunchOptions, error) {
	opts := common.NewLaunchOptions()
	if err := opts.ParseEnv(c.gs.env); err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	if flags.Changed("pipe") {
		opts.Pipe = c.pipe
	}
	if flags.Changed("headless") {
		opts.Headless = c.headless
	}
	if flags.Changed("dumpio") {
		opts.Dumpio = c.dumpio
	}
	if flags.Changed("timeout") {
		opts.Timeout = c.timeout
	}
	if flags.Changed("slow-mo") {
		opts.SlowMo = c.slowMo
	}
	if flags.Changed("executable-path") {
		opts.ExecutablePath = c.executablePath
	}
	if flags.Changed("log-category-filter") {
		opts.LogCategoryFilter = c.logCategoryFilter
	}
	opts.Args = append(opts.Args, c.args...)
	opts.IgnoreDefaultArgs = append(opts.IgnoreDefaultArgs, c.ignoreDefaultArgs...)
	for _, kv := range c.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, errext.WithExitCodeIfNone(
				fmt.Errorf("invalid --env value %q, expected KEY=VALUE", kv), exitcodes.InvalidConfig)
		}
		opts.Env[k] = v
	}
	if c.gs.logger.IsLevelEnabled(logrus.DebugLevel) {
		opts.Debug = true
	}

	if err := opts.Validate(); err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return opts, nil
}

func (c *cmdLaunch) run(cmd *cobra.Command, _ []string) error {
	opts, err := c.launchOptions(cmd.Flags())
	if err != nil {
		return err
	}

	logger := log.New(c.gs.logger, false, nil)
	bt := chromium.NewBrowserType(c.gs.hooks, logger)
	bt.Exit = c.gs.osExit

	ctx, cancel := context.WithCancel(c.gs.ctx)
	defer cancel()

	runner, conn, err := bt.Launch(ctx, opts)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer runner.Close()

	protocolVersion, product, _, userAgent, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, conn))
	if err != nil {
		return fmt.Errorf("getting browser version: %w", err)
	}

	endpoint := conn.URL()
	if endpoint == "" {
		endpoint = "pipe"
	}
	printToStdout(c.gs, fmt.Sprintf("browser:   %s (protocol %s)\n", product, protocolVersion))
	printToStdout(c.gs, fmt.Sprintf("pid:       %d\n", runner.Process().Pid()))
	printToStdout(c.gs, fmt.Sprintf("endpoint:  %s\n", endpoint))
	printToStdout(c.gs, fmt.Sprintf("useragent: %s\n", userAgent))
	if c.launched != nil {
		c.launched(runner)
	}

	sigC := make(chan os.Signal, 2)
	c.gs.signalNotify(sigC, os.Interrupt, syscall.SIGTERM)
	defer c.gs.signalStop(sigC)

	select {
	case sig := <-sigC:
		c.gs.logger.Debugf("Received %s, closing the browser", sig)
	case <-conn.Done():
		c.gs.logger.Debug("Connection to the browser closed")
	case <-ctx.Done():
	}
	runner.Close()
	printToStdout(c.gs, "browser closed\n")

	return nil
}

func printToStdout(gs *globalState, s string) {
	if _, err := fmt.Fprint(gs.stdout, s); err != nil {
		gs.logger.Errorf("could not print '%s' to stdout: %s", s, err.Error())
	}
}

func getCmdLaunch(gs *globalState) *cobra.Command {
	c := &cmdLaunch{gs: gs}

	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a browser",
		Long: `Launch a browser and keep it running until interrupted.

Options are read from the K6_BROWSER_* environment variables first and
the flags below override them.`,
		Example: `
  # Launch a headless browser over a websocket connection.
  k6browser launch

  # Launch a headful browser over the remote debugging pipe.
  k6browser launch --pipe --headless=false --arg window-size=1280,720`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	launchCmd.Flags().SortFlags = false
	launchCmd.Flags().AddFlagSet(c.flagSet())

	return launchCmd
}
