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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/log"
)

var devToolsURLRe = regexp.MustCompile(`^` + devToolsListeningMarker + `(ws://.*)$`)

// endpointWatcher owns a browser's diagnostic stream in websocket mode. It
// looks for the announced DevTools websocket URL and keeps draining the
// stream until it ends.
type endpointWatcher struct {
	done chan struct{} // closed once url or err is set

	url   string
	lines []string // read before the URL showed up
	err   error
}

// watchWSEndpoint starts reading r in the background. Every line read is
// written to mirror when it is not nil, and logged at debug level otherwise.
func watchWSEndpoint(r *bufio.Reader, mirror io.Writer, logger *log.Logger) *endpointWatcher {
	w := &endpointWatcher{done: make(chan struct{})}
	go w.run(r, mirror, logger)
	return w
}

func (w *endpointWatcher) run(r *bufio.Reader, mirror io.Writer, logger *log.Logger) {
	found := false
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if line != "" {
			if mirror != nil {
				_, _ = io.WriteString(mirror, line)
			} else {
				logger.Debugf("browser:stderr", "%s", trimmed)
			}
		}
		if !found {
			if m := devToolsURLRe.FindStringSubmatch(trimmed); m != nil {
				w.url, w.lines, found = m[1], nil, true
				close(w.done)
			} else if trimmed != "" || err == nil {
				w.lines = append(w.lines, trimmed)
			}
		}
		if err != nil {
			if !found {
				w.err = err
				close(w.done)
			}
			return
		}
	}
}

// wait returns the DevTools websocket URL once the browser announced it.
//
// It fails with a TimeoutError if no URL shows up within timeout, 0 meaning
// no limit, and with a LaunchError listing the lines read so far if the
// stream ends first.
func (w *endpointWatcher) wait(ctx context.Context, timeout time.Duration, preferredRevision string) (string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-w.done:
		if w.url != "" {
			return w.url, nil
		}
		return "", endOfStreamError(w.lines, w.err)
	case <-timer:
		return "", &TimeoutError{Timeout: timeout, Revision: preferredRevision}
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for the browser websocket endpoint: %w", ctx.Err())
	}
}

func endOfStreamError(lines []string, err error) error {
	var cause error
	switch {
	case errors.Is(err, io.EOF):
		cause = errors.New("\n" + strings.Join(lines, "\n"))
	case errors.Is(err, fs.ErrClosed):
		cause = fmt.Errorf("browser process shutdown unexpectedly before establishing a connection: %w\n%s",
			err, strings.Join(lines, "\n"))
	default:
		cause = fmt.Errorf("reading browser output: %w\n%s", err, strings.Join(lines, "\n"))
	}
	return errext.WithHint(newLaunchError(cause), "TROUBLESHOOTING: "+troubleshootingURL)
}
