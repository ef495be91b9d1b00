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

// Package chromium launches Chromium based browsers.
package chromium

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/liuxd6825/k6browser/common"
	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/log"
	"github.com/liuxd6825/k6browser/storage"
)

// BrowserType launches Chrome browser instances.
type BrowserType struct {
	// PreferredRevision is the Chrome revision mentioned when the browser
	// does not come up in time. Empty means no revision is mentioned.
	PreferredRevision string

	// Exit ends the current process when a launched browser's runner
	// handles an interrupt. Nil means os.Exit.
	Exit func(code int)

	hooks  *common.ShutdownHooks
	logger *log.Logger

	fs       afero.Fs // where user data directories are made; nil is the OS
	tmpDir   string   // parent of temporary user data directories
	execPath string   // path to the Chromium executable
	lookPath func(file string) (string, error)
}

// NewBrowserType returns a Chrome browser type. Launched browsers are
// registered with hooks, if not nil, so that they can be killed when the
// current process exits.
func NewBrowserType(hooks *common.ShutdownHooks, logger *log.Logger) *BrowserType {
	return &BrowserType{
		hooks:    hooks,
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// Name returns the name of this browser type.
func (b *BrowserType) Name() string {
	return "chromium"
}

// Launch starts a new Chrome browser process and connects to it. The
// returned runner owns the process and must be closed by the caller. If
// anything fails after the process was started, the runner is closed
// before Launch returns.
func (b *BrowserType) Launch(
	ctx context.Context, opts *common.LaunchOptions,
) (*common.BrowserRunner, *common.Connection, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}
	if err := b.logger.SetCategoryFilter(opts.LogCategoryFilter); err != nil {
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}
	if opts.Debug {
		_ = b.logger.SetLevel("debug")
	}

	path := opts.ExecutablePath
	if path == "" {
		path = b.ExecutablePath()
	}
	if path == "" {
		err := &common.LaunchError{
			Reason: "no Chrome or Chromium executable found, set the executable path",
			Err:    exec.ErrNotFound,
		}
		return nil, nil, errext.WithHint(err, "set K6_BROWSER_EXECUTABLE_PATH or --executable-path")
	}

	flags := b.flags(opts)
	dataDir := &storage.Dir{Fs: b.fs}
	if err := dataDir.Make(b.tmpDir, flags["user-data-dir"]); err != nil {
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}
	flags["user-data-dir"] = dataDir.Dir

	args, err := parseArgs(flags)
	if err != nil {
		_ = dataDir.Cleanup()
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}

	// Only a directory made here is owned, and removed, by the runner.
	var tempDir *storage.Dir
	if dataDir.IsTemp() {
		tempDir = dataDir
	}
	runner := common.NewBrowserRunner(path, args, tempDir, b.hooks, b.logger)
	runner.SetExitFunc(b.Exit)
	if err := runner.Start(opts); err != nil {
		return nil, nil, err //nolint:wrapcheck
	}

	conn, err := runner.SetupConnection(ctx, opts.Pipe, opts.Timeout, opts.SlowMo, b.PreferredRevision)
	if err != nil {
		runner.Close()
		return nil, nil, err //nolint:wrapcheck
	}
	b.logger.Debugf("BrowserType:Launch", "pid:%d url:%q", runner.Process().Pid(), conn.URL())

	return runner, conn, nil
}

// ExecutablePath returns the path where the browser executable is expected
// to be found, or an empty string if there is none.
func (b *BrowserType) ExecutablePath() (execPath string) {
	if b.execPath != "" {
		return b.execPath
	}
	defer func() {
		b.execPath = execPath
	}()

	lookPath := b.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac (from https://commondatastorage.googleapis.com/chromium-browser-snapshots/index.html?prefix=Mac/857950/)
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := lookPath(path); err == nil {
			return path
		}
	}

	return ""
}

// flags returns the command line flags for opts, after Puppeteer's and
// Playwright's default behavior.
func (b *BrowserType) flags(lopts *common.LaunchOptions) map[string]any {
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		//nolint:lll
		"disable-features":                "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,

		"no-startup-window":        true,
		"no-default-browser-check": true,
		"headless":                 lopts.Headless,
		"window-size":              fmt.Sprintf("%d,%d", 800, 600),
	}
	if runtime.GOOS == "darwin" {
		f["enable-use-zoom-for-dsf"] = false
	}
	if lopts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
		f["blink-settings"] = "primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4"
	}
	if lopts.Pipe {
		f[strings.TrimPrefix(common.FlagRemoteDebuggingPipe, "--")] = true
	}
	ignoreDefaultArgsFlags(f, lopts.IgnoreDefaultArgs)
	setFlagsFromArgs(f, lopts.Args)

	return f
}

// ignoreDefaultArgsFlags ignores any flags in the provided slice.
func ignoreDefaultArgsFlags(flags map[string]any, toIgnore []string) {
	for _, name := range toIgnore {
		delete(flags, strings.TrimPrefix(strings.TrimSpace(name), "--"))
	}
}

// setFlagsFromArgs fills flags by parsing the args slice.
// This is used for passing the "arg=value" arguments along with other launch options
// when launching a new Chrome browser.
func setFlagsFromArgs(flags map[string]any, args []string) {
	var argname, argval string
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		argname, argval = strings.TrimPrefix(strings.TrimSpace(pair[0]), "--"), ""
		if argname == "" {
			continue
		}
		if len(pair) > 1 {
			argval = trimQuotes(strings.TrimSpace(pair[1]))
		}
		flags[argname] = argval
	}
}

// parseArgs turns flags into a sorted list of command line arguments.
// Empty string values become bare flags.
func parseArgs(flags map[string]any) ([]string, error) {
	args := make([]string, 0, len(flags)+1)
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			if value == "" {
				args = append(args, "--"+name)
				continue
			}
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, "--"+name)
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	_, pipe := flags[strings.TrimPrefix(common.FlagRemoteDebuggingPipe, "--")]
	if _, ok := flags["remote-debugging-port"]; !ok && !pipe {
		args = append(args, "--remote-debugging-port=0")
	}
	sort.Strings(args)

	return args, nil
}

// trimQuotes removes one pair of surrounding single or double quotes.
func trimQuotes(s string) string {
	if len(s) >= 2 {
		if c := s[len(s)-1]; s[0] == c && (c == '"' || c == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
