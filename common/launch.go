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
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// LaunchOptions stores browser launch options.
type LaunchOptions struct {
	Args              []string
	Debug             bool
	Dumpio            bool
	Env               map[string]string
	ExecutablePath    string
	HandleSIGINT      bool
	HandleSIGTERM     bool
	HandleSIGHUP      bool
	Headless          bool
	IgnoreDefaultArgs []string
	LogCategoryFilter string
	Pipe              bool
	SlowMo            time.Duration
	Timeout           time.Duration
}

// NewLaunchOptions returns launch options with their default values.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Env:               make(map[string]string),
		HandleSIGINT:      true,
		HandleSIGTERM:     true,
		HandleSIGHUP:      true,
		Headless:          true,
		LogCategoryFilter: ".*",
		Timeout:           DefaultTimeout,
	}
}

// launchEnvConfig is the environment variable view of LaunchOptions.
// Durations are expressed in milliseconds.
type launchEnvConfig struct {
	Args              []string    `envconfig:"K6_BROWSER_ARGS"`
	Debug             null.Bool   `envconfig:"K6_BROWSER_DEBUG"`
	Dumpio            null.Bool   `envconfig:"K6_BROWSER_DUMPIO"`
	ExecutablePath    null.String `envconfig:"K6_BROWSER_EXECUTABLE_PATH"`
	HandleSIGINT      null.Bool   `envconfig:"K6_BROWSER_HANDLE_SIGINT"`
	HandleSIGTERM     null.Bool   `envconfig:"K6_BROWSER_HANDLE_SIGTERM"`
	HandleSIGHUP      null.Bool   `envconfig:"K6_BROWSER_HANDLE_SIGHUP"`
	Headless          null.Bool   `envconfig:"K6_BROWSER_HEADLESS"`
	IgnoreDefaultArgs []string    `envconfig:"K6_BROWSER_IGNORE_DEFAULT_ARGS"`
	LogCategoryFilter null.String `envconfig:"K6_BROWSER_LOG_CATEGORY_FILTER"`
	Pipe              null.Bool   `envconfig:"K6_BROWSER_PIPE"`
	SlowMo            null.Int    `envconfig:"K6_BROWSER_SLOWMO"`
	Timeout           null.Int    `envconfig:"K6_BROWSER_TIMEOUT"`
}

// ParseEnv overrides the options with the K6_BROWSER_* values found in env.
// Unset variables leave the current values alone.
//
//nolint:cyclop
func (l *LaunchOptions) ParseEnv(env map[string]string) error {
	var ec launchEnvConfig
	if err := envconfig.Process("", &ec, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return fmt.Errorf("parsing browser environment variables: %w", err)
	}

	if len(ec.Args) > 0 {
		l.Args = append(l.Args, ec.Args...)
	}
	if ec.Debug.Valid {
		l.Debug = ec.Debug.Bool
	}
	if ec.Dumpio.Valid {
		l.Dumpio = ec.Dumpio.Bool
	}
	if ec.ExecutablePath.Valid {
		l.ExecutablePath = ec.ExecutablePath.String
	}
	if ec.HandleSIGINT.Valid {
		l.HandleSIGINT = ec.HandleSIGINT.Bool
	}
	if ec.HandleSIGTERM.Valid {
		l.HandleSIGTERM = ec.HandleSIGTERM.Bool
	}
	if ec.HandleSIGHUP.Valid {
		l.HandleSIGHUP = ec.HandleSIGHUP.Bool
	}
	if ec.Headless.Valid {
		l.Headless = ec.Headless.Bool
	}
	if len(ec.IgnoreDefaultArgs) > 0 {
		l.IgnoreDefaultArgs = append(l.IgnoreDefaultArgs, ec.IgnoreDefaultArgs...)
	}
	if ec.LogCategoryFilter.Valid {
		l.LogCategoryFilter = ec.LogCategoryFilter.String
	}
	if ec.Pipe.Valid {
		l.Pipe = ec.Pipe.Bool
	}
	if ec.SlowMo.Valid {
		l.SlowMo = time.Duration(ec.SlowMo.Int64) * time.Millisecond
	}
	if ec.Timeout.Valid {
		l.Timeout = time.Duration(ec.Timeout.Int64) * time.Millisecond
	}

	return l.Validate()
}

// Validate reports options that can never lead to a successful launch.
func (l *LaunchOptions) Validate() error {
	if l.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", l.Timeout)
	}
	if l.SlowMo < 0 {
		return fmt.Errorf("slowMo must not be negative, got %s", l.SlowMo)
	}
	return nil
}
