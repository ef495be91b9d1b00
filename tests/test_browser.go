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

// Package tests contains integration tests that drive a real browser.
package tests

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6browser/chromium"
	"github.com/liuxd6825/k6browser/common"
	"github.com/liuxd6825/k6browser/log"
)

// testBrowser is a browser launched for integration testing.
type testBrowser struct {
	runner *common.BrowserRunner
	conn   *common.Connection
	logs   *logRecorder
	hooks  *common.ShutdownHooks
}

// newTestBrowser launches a browser with opts applied on top of the
// K6_BROWSER_* environment. It skips the test if no browser is installed,
// and closes the browser when the test ends.
func newTestBrowser(t testing.TB, opts ...func(*common.LaunchOptions)) *testBrowser {
	t.Helper()

	logger := logrus.New()
	logs := recordLogs(logger)
	hooks := common.NewShutdownHooks()
	bt := chromium.NewBrowserType(hooks, log.New(logger, false, nil))

	lopts := common.NewLaunchOptions()
	require.NoError(t, lopts.ParseEnv(envMap()))
	if lopts.ExecutablePath == "" && bt.ExecutablePath() == "" {
		t.Skip("no Chrome or Chromium executable found")
	}
	// A test binary must not be killed by its own browser's signal handler.
	lopts.HandleSIGINT = false
	lopts.Args = append(lopts.Args, "no-sandbox")
	for _, opt := range opts {
		opt(lopts)
	}

	runner, conn, err := bt.Launch(context.Background(), lopts)
	require.NoError(t, err)
	t.Cleanup(runner.Close)

	return &testBrowser{runner: runner, conn: conn, logs: logs, hooks: hooks}
}

// userDataDir returns the --user-data-dir the browser was started with.
func (b *testBrowser) userDataDir() string {
	for _, arg := range b.runner.Process().SpawnArgs() {
		if v, ok := strings.CutPrefix(arg, "--user-data-dir="); ok {
			return v
		}
	}
	return ""
}

func envMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}
