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
	"errors"
	"fmt"
	"time"

	"github.com/liuxd6825/k6browser/errext"
	"github.com/liuxd6825/k6browser/errext/exitcodes"
)

// ErrConnectionClosed is returned by Connection operations once the
// underlying transport is closed.
var ErrConnectionClosed = errors.New("connection closed")

// ErrRunnerStarted is returned when Start is called on a runner that was
// already started.
var ErrRunnerStarted = errors.New("browser runner already started")

// LaunchError is returned when the browser process could not be spawned or
// exited before exposing its control endpoint.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	return "Failed to launch browser! " + e.Reason
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitCode implements errext.HasExitCode.
func (e *LaunchError) ExitCode() exitcodes.ExitCode {
	return exitcodes.BrowserLaunchFailed
}

func newLaunchError(err error) error {
	return &LaunchError{Reason: err.Error(), Err: err}
}

// TimeoutError is returned when the browser did not expose its control
// endpoint within the configured timeout.
type TimeoutError struct {
	Timeout  time.Duration
	Revision string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("Timed out after %d ms while trying to connect to the browser!", e.Timeout.Milliseconds())
	if e.Revision != "" {
		msg += fmt.Sprintf(" Only Chrome at revision r%s is guaranteed to work.", e.Revision)
	}
	return msg
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded //nolint:errorlint
}

// ExitCode implements errext.HasExitCode.
func (e *TimeoutError) ExitCode() exitcodes.ExitCode {
	return exitcodes.BrowserTimeout
}

var (
	_ errext.HasExitCode = &LaunchError{}
	_ errext.HasExitCode = &TimeoutError{}
)
