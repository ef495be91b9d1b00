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

package tests

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6browser/common"
)

func TestBrowserLaunch(t *testing.T) {
	t.Parallel()

	for _, pipe := range []bool{false, true} {
		pipe := pipe
		name := "websocket"
		if pipe {
			name = "pipe"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := newTestBrowser(t, func(opts *common.LaunchOptions) { opts.Pipe = pipe })
			if pipe {
				assert.Empty(t, b.conn.URL())
			} else {
				assert.Regexp(t, `^ws://`, b.conn.URL())
			}

			ctx := context.Background()
			protocolVersion, product, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, b.conn))
			require.NoError(t, err)
			assert.NotEmpty(t, protocolVersion)
			assert.NotEmpty(t, product)

			targets, err := target.GetTargets().Do(cdp.WithExecutor(ctx, b.conn))
			require.NoError(t, err)
			assert.NotNil(t, targets)

			dataDir := b.userDataDir()
			require.NotEmpty(t, dataDir)
			_, err = os.Stat(dataDir)
			require.NoError(t, err)

			b.runner.Close()
			assert.True(t, b.runner.Closed())
			_, err = os.Stat(dataDir)
			assert.True(t, os.IsNotExist(err), "user data directory should be removed")
			assert.Zero(t, b.hooks.Len())
			assert.True(t, b.logs.has("BrowserProcess", "started pid"))
		})
	}
}

func TestBrowserLaunchSlowMo(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t, func(opts *common.LaunchOptions) { opts.SlowMo = 200 * time.Millisecond })

	start := time.Now()
	_, _, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(context.Background(), b.conn))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestBrowserLaunchCategoryFilter(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t, func(opts *common.LaunchOptions) {
		opts.Debug = true
		opts.LogCategoryFilter = "^BrowserProcess$"
	})
	b.runner.Close()

	cats := b.logs.categories()
	assert.True(t, cats["BrowserProcess"])
	assert.False(t, cats["BrowserRunner:Close"])
}

func TestBrowserUserDataDirKept(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := newTestBrowser(t, func(opts *common.LaunchOptions) {
		opts.Args = append(opts.Args, "user-data-dir="+dir)
	})
	assert.Equal(t, dir, b.userDataDir())

	b.runner.Close()
	_, err := os.Stat(dir)
	assert.NoError(t, err, "a user supplied data directory must be left alone")
}
