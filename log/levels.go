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

package log

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// levelNames are the accepted level names, most severe first.
var levelNames = []string{"panic", "fatal", "error", "warn", "info", "debug", "trace"} //nolint:gochecknoglobals

// ParseLevel returns the level with the given name. Names are case
// insensitive, and "verbose" is an alias of "debug".
func ParseLevel(name string) (logrus.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "verbose" {
		return logrus.DebugLevel, nil
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("unknown log level %q, expected one of %s", name, strings.Join(levelNames, ", "))
	}
	return lvl, nil
}

// EffectiveLevel is the level for a configured level name, raised to debug
// when verbose is set.
func EffectiveLevel(name string, verbose bool) (logrus.Level, error) {
	lvl, err := ParseLevel(name)
	if err != nil {
		return 0, err
	}
	if verbose && lvl < logrus.DebugLevel {
		lvl = logrus.DebugLevel
	}
	return lvl, nil
}

// parseLevels returns every level at least as severe as the named one.
func parseLevels(name string) ([]logrus.Level, error) {
	lvl, err := ParseLevel(name)
	if err != nil {
		return nil, err
	}
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= lvl {
			levels = append(levels, l)
		}
	}
	return levels, nil
}
