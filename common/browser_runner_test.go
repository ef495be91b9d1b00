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

package common

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/errext/exitcodes"
	"github.com/liuxd6825/k6browser/log"
)

func TestBrowserRunnerStartFailure(t *testing.T) {
	t.Parallel()

	dir, cfs := newTempDir(t)
	hooks := NewShutdownHooks()
	r := NewBrowserRunner("/nonexistent/browser/binary", nil, dir, hooks, log.NewNullLogger())

	err := r.Start(NewLaunchOptions())

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, err.Error(), "Failed to launch browser!")
	assert.Equal(t, exitcodes.BrowserLaunchFailed, errext.ExitCodeOf(err, exitcodes.GenericError))
	assert.True(t, r.Closed())
	assert.False(t, dir.Exists(), "user data directory should be removed")
	assert.Equal(t, 1, cfs.count())
	assert.Zero(t, hooks.Len())

	assert.ErrorIs(t, r.Start(NewLaunchOptions()), ErrRunnerStarted)
	r.Close()
	r.Kill()
	assert.Equal(t, 1, cfs.count())
}

func TestBrowserRunnerStartTwice(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserHang, nil, nil)
	require.NoError(t, r.Start(opts))
	assert.Equal(t, RunnerRunning, r.State())
	assert.ErrorIs(t, r.Start(opts), ErrRunnerStarted)
}

func TestBrowserRunnerCloseBeforeStart(t *testing.T) {
	t.Parallel()

	r := NewBrowserRunner("unused", nil, nil, nil, log.NewNullLogger())
	r.Close()
	r.Kill()
	assert.Equal(t, RunnerNotStarted, r.State())
	assert.Nil(t, r.Process())
}

func TestBrowserRunnerPipe(t *testing.T) {
	t.Parallel()

	hooks := NewShutdownHooks()
	r, opts := newFakeBrowserRunner(t, fakeBrowserPipe, nil, hooks)
	require.NoError(t, r.Start(opts))
	assert.Equal(t, 1, hooks.Len())
	assert.Contains(t, r.Process().SpawnArgs(), FlagRemoteDebuggingPipe)

	ctx := context.Background()
	conn, err := r.SetupConnection(ctx, true, time.Second, 0, "")
	require.NoError(t, err)
	assert.Empty(t, conn.URL())
	assert.Same(t, conn, r.Connection())

	_, product, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, conn))
	require.NoError(t, err)
	assert.Equal(t, "FakeChrome/1.0", product)

	r.Close()
	assert.True(t, r.Closed())
	waitClosed(t, r.Process().Done(), "browser exit")
	assert.NoError(t, r.Process().ExitErr(), "browser should exit on its own after Browser.close")
	waitClosed(t, conn.Done(), "connection close")
	assert.Zero(t, hooks.Len())

	_, err = r.SetupConnection(ctx, true, time.Second, 0, "")
	assert.Error(t, err)
}

func TestBrowserRunnerPipeNotRequested(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserHang, nil, nil)
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), true, time.Second, 0, "")
	assert.ErrorContains(t, err, FlagRemoteDebuggingPipe)
}

func TestBrowserRunnerWebSocketNotRequested(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserPipe, nil, nil)
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), false, time.Second, 0, "")
	assert.ErrorContains(t, err, "started with "+FlagRemoteDebuggingPipe)
}

func TestBrowserRunnerReadsStderrFromStart(t *testing.T) {
	t.Parallel()

	var stderr syncBuffer
	r, opts := newFakeBrowserRunner(t, fakeBrowserWS, nil, nil)
	r.stderrSink = &stderr
	opts.Dumpio = true
	require.NoError(t, r.Start(opts))

	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), devToolsListeningMarker)
	}, 5*time.Second, 10*time.Millisecond)

	// The endpoint announced before SetupConnection is still found.
	conn, err := r.SetupConnection(context.Background(), false, 5*time.Second, 0, "")
	require.NoError(t, err)
	assert.Regexp(t, `^ws://127\.0\.0\.1:\d+/`, conn.URL())
}

func TestBrowserRunnerWebSocket(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserWS, nil, nil)
	require.NoError(t, r.Start(opts))

	ctx := context.Background()
	conn, err := r.SetupConnection(ctx, false, 5*time.Second, 0, "")
	require.NoError(t, err)
	assert.Regexp(t, `^ws://127\.0\.0\.1:\d+/devtools/browser/fake$`, conn.URL())

	_, product, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, conn))
	require.NoError(t, err)
	assert.Equal(t, "FakeChrome/1.0", product)

	r.Close()
	waitClosed(t, r.Process().Done(), "browser exit")
	assert.NoError(t, r.Process().ExitErr())
	assert.True(t, r.Closed())
}

func TestBrowserRunnerTempDirCleanup(t *testing.T) {
	t.Parallel()

	dir, cfs := newTempDir(t)
	r, opts := newFakeBrowserRunner(t, fakeBrowserWS, dir, nil)
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), false, 5*time.Second, 0, "")
	require.NoError(t, err)

	// The runner owns the directory, so the browser is killed instead of
	// being asked to close.
	r.Close()
	r.Close()
	r.Kill()

	assert.True(t, r.Closed())
	assert.False(t, dir.Exists())
	assert.Equal(t, 1, cfs.count())
	waitClosed(t, r.Process().Done(), "browser exit")
	assert.Error(t, r.Process().ExitErr(), "browser should have been killed")
}

func TestBrowserRunnerCloseKillsStubbornBrowser(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserStubborn, nil, nil)
	r.CloseTimeout = 200 * time.Millisecond
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), false, 5*time.Second, 0, "")
	require.NoError(t, err)

	start := time.Now()
	r.Close()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, r.Closed())
	waitClosed(t, r.Process().Done(), "browser exit")
	assert.Error(t, r.Process().ExitErr())
}

func TestBrowserRunnerCloseWithoutConnection(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserHang, nil, nil)
	require.NoError(t, r.Start(opts))

	r.Close()
	assert.True(t, r.Closed())
	waitClosed(t, r.Process().Done(), "browser exit")
}

func TestBrowserRunnerKill(t *testing.T) {
	t.Parallel()

	dir, cfs := newTempDir(t)
	r, opts := newFakeBrowserRunner(t, fakeBrowserHang, dir, nil)
	require.NoError(t, r.Start(opts))

	r.Kill()
	r.Kill()
	waitClosed(t, r.Process().Done(), "browser exit")
	assert.False(t, dir.Exists())
	assert.Equal(t, 1, cfs.count())

	// Kill does not tear the runner down.
	assert.Equal(t, RunnerRunning, r.State())
	r.Close()
	assert.True(t, r.Closed())
	assert.Equal(t, 1, cfs.count())
}

func TestBrowserRunnerShutdownHooks(t *testing.T) {
	t.Parallel()

	dir, _ := newTempDir(t)
	hooks := NewShutdownHooks()
	r, opts := newFakeBrowserRunner(t, fakeBrowserHang, dir, hooks)
	require.NoError(t, r.Start(opts))
	require.Equal(t, 1, hooks.Len())

	hooks.Run()
	waitClosed(t, r.Process().Done(), "browser exit")
	assert.False(t, dir.Exists())
}

func TestBrowserRunnerTimeout(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserHang, nil, nil)
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), false, 100*time.Millisecond, 0, "1234")

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "Timed out after 100 ms")
	assert.Contains(t, err.Error(), "r1234")
}

func TestBrowserRunnerEarlyExit(t *testing.T) {
	t.Parallel()

	r, opts := newFakeBrowserRunner(t, fakeBrowserSilent, nil, nil)
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), false, 5*time.Second, 0, "")

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, err.Error(), "a\nb")
	var withHint errext.HasHint
	require.ErrorAs(t, err, &withHint)
	assert.Contains(t, withHint.Hint(), "TROUBLESHOOTING")
}

// signalRecorder stands in for signal.Notify and signal.Stop.
type signalRecorder struct {
	mu      sync.Mutex
	ch      chan<- os.Signal
	sigs    []os.Signal
	stopped bool
}

func (s *signalRecorder) notify(c chan<- os.Signal, sigs ...os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch, s.sigs = c, sigs
}

func (s *signalRecorder) stop(chan<- os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *signalRecorder) send(sig os.Signal) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- sig
}

func (s *signalRecorder) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func TestBrowserRunnerSignals(t *testing.T) {
	t.Parallel()

	t.Run("subscriptions", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			name                 string
			sigint, sigterm, hup bool
			want                 []os.Signal
		}{
			{name: "all", sigint: true, sigterm: true, hup: true, want: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}},
			{name: "sigint", sigint: true, want: []os.Signal{os.Interrupt}},
			{name: "none"},
		}
		for _, tc := range testCases {
			tc := tc
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				rec := &signalRecorder{}
				r, opts := newFakeBrowserRunner(t, fakeBrowserHang, nil, nil)
				r.notifySignals = rec.notify
				opts.HandleSIGINT, opts.HandleSIGTERM, opts.HandleSIGHUP = tc.sigint, tc.sigterm, tc.hup
				require.NoError(t, r.Start(opts))

				rec.mu.Lock()
				assert.Equal(t, tc.want, rec.sigs)
				rec.mu.Unlock()
			})
		}
	})

	for _, sig := range []os.Signal{syscall.SIGTERM, syscall.SIGHUP} {
		sig := sig
		t.Run(sig.String(), func(t *testing.T) {
			t.Parallel()

			dir, cfs := newTempDir(t)
			rec := &signalRecorder{}
			r, opts := newFakeBrowserRunner(t, fakeBrowserWS, dir, nil)
			r.notifySignals, r.stopSignals = rec.notify, rec.stop
			require.NoError(t, r.Start(opts))
			_, err := r.SetupConnection(context.Background(), false, 5*time.Second, 0, "")
			require.NoError(t, err)

			rec.send(sig)
			rec.send(sig)
			require.Eventually(t, r.Closed, 5*time.Second, 10*time.Millisecond)
			require.Eventually(t, rec.isStopped, 5*time.Second, 10*time.Millisecond)

			r.Close()
			assert.Equal(t, 1, cfs.count())
		})
	}

	t.Run("interrupt", func(t *testing.T) {
		t.Parallel()

		dir, _ := newTempDir(t)
		rec := &signalRecorder{}
		r, opts := newFakeBrowserRunner(t, fakeBrowserHang, dir, nil)
		r.notifySignals = rec.notify
		exited := make(chan int, 1)
		r.exit = func(code int) { exited <- code }
		require.NoError(t, r.Start(opts))

		rec.send(os.Interrupt)
		select {
		case code := <-exited:
			assert.Equal(t, 130, code)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for exit")
		}
		waitClosed(t, r.Process().Done(), "browser exit")
		assert.False(t, dir.Exists())
	})

	t.Run("interrupt_exit_func", func(t *testing.T) {
		t.Parallel()

		var calls []string
		hooks := NewShutdownHooks()
		hooks.Register(func() { calls = append(calls, "hook") })
		r := NewBrowserRunner("/nonexistent", nil, nil, hooks, log.NewNullLogger())
		r.SetExitFunc(func(code int) { calls = append(calls, fmt.Sprintf("exit(%d)", code)) })
		r.SetExitFunc(nil)

		r.handleSignal(os.Interrupt)
		assert.Equal(t, []string{"hook", "exit(130)"}, calls)
	})
}

func TestBrowserRunnerDumpio(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer
	r, opts := newFakeBrowserRunner(t, fakeBrowserWS, nil, nil)
	r.stdoutSink, r.stderrSink = &stdout, &stderr
	opts.Dumpio = true
	require.NoError(t, r.Start(opts))

	_, err := r.SetupConnection(context.Background(), false, 5*time.Second, 0, "")
	require.NoError(t, err)

	assert.Contains(t, stderr.String(), "starting fake browser")
	assert.Contains(t, stderr.String(), devToolsListeningMarker)
	require.Eventually(t, func() bool {
		return stdout.String() == "ready\n"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunnerStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "not started", RunnerNotStarted.String())
	assert.Equal(t, "running", RunnerRunning.String())
	assert.Equal(t, "closing", RunnerClosing.String())
	assert.Equal(t, "closed", RunnerClosed.String())
	assert.Equal(t, "RunnerState(9)", RunnerState(9).String())
}
