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
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/log"
)

func TestEndpointWatcher(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()

		var mirror syncBuffer
		stderr := "some noise\r\n" + devToolsListeningMarker + "ws://127.0.0.1:9222/devtools/browser/abc\nafter\n"
		url, err := waitEndpoint(context.Background(), strings.NewReader(stderr), &mirror, time.Second, "")

		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", url)
		require.Eventually(t, func() bool {
			return mirror.String() == stderr
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("not at line start", func(t *testing.T) {
		t.Parallel()

		stderr := "x " + devToolsListeningMarker + "ws://nope\n"
		_, err := waitEndpoint(context.Background(), strings.NewReader(stderr), nil, time.Second, "")

		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
	})

	t.Run("end of stream", func(t *testing.T) {
		t.Parallel()

		_, err := waitEndpoint(context.Background(), strings.NewReader("a\nb\n"), nil, time.Second, "")

		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Equal(t, "Failed to launch browser! \na\nb", err.Error())

		var hint errext.HasHint
		require.ErrorAs(t, err, &hint)
		assert.Equal(t, "TROUBLESHOOTING: "+troubleshootingURL, hint.Hint())
	})

	t.Run("stream closed", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		go func() {
			_, _ = io.WriteString(pw, "partial output\n")
			_ = pw.CloseWithError(io.ErrClosedPipe)
		}()
		_, err := waitEndpoint(context.Background(), pr, nil, time.Second, "")

		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Contains(t, err.Error(), "partial output")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		defer pw.Close() //nolint:errcheck

		_, err := waitEndpoint(context.Background(), pr, nil, 100*time.Millisecond, "")

		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "Timed out after 100 ms while trying to connect to the browser!", err.Error())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("timeout with revision", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		defer pw.Close() //nolint:errcheck

		_, err := waitEndpoint(context.Background(), pr, nil, 50*time.Millisecond, "1083080")

		require.Error(t, err)
		assert.Equal(t,
			"Timed out after 50 ms while trying to connect to the browser! "+
				"Only Chrome at revision r1083080 is guaranteed to work.",
			err.Error())
	})

	t.Run("no timeout", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = io.WriteString(pw, devToolsListeningMarker+"ws://late\n")
		}()
		defer pw.Close() //nolint:errcheck

		url, err := waitEndpoint(context.Background(), pr, nil, 0, "")
		require.NoError(t, err)
		assert.Equal(t, "ws://late", url)
	})

	t.Run("context canceled", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		defer pw.Close() //nolint:errcheck

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := waitEndpoint(ctx, pr, nil, time.Second, "")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("drains after timeout", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		defer pw.Close() //nolint:errcheck

		w := watchWSEndpoint(bufio.NewReader(pr), nil, log.NewNullLogger())
		_, err := w.wait(context.Background(), 20*time.Millisecond, "")
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)

		written := make(chan struct{})
		go func() {
			defer close(written)
			for i := 0; i < 100; i++ {
				_, _ = io.WriteString(pw, "chatty browser line\n")
			}
			_, _ = io.WriteString(pw, devToolsListeningMarker+"ws://late\n")
			_, _ = io.WriteString(pw, "still chatty\n")
		}()
		waitClosed(t, written, "stderr writes")

		url, err := w.wait(context.Background(), time.Second, "")
		require.NoError(t, err)
		assert.Equal(t, "ws://late", url)
	})
}

func waitEndpoint(
	ctx context.Context, r io.Reader, mirror io.Writer, timeout time.Duration, preferredRevision string,
) (string, error) {
	return watchWSEndpoint(bufio.NewReader(r), mirror, log.NewNullLogger()).wait(ctx, timeout, preferredRevision)
}
