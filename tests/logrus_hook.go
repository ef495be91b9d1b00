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
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// logRecord is one entry logged by the launcher.
type logRecord struct {
	level    logrus.Level
	category string
	message  string
}

// logRecorder is a logrus hook keeping the entries of the levels it was
// created for, with the category the launcher attached to them.
type logRecorder struct {
	levels []logrus.Level

	mu      sync.RWMutex
	records []logRecord
}

func (lr *logRecorder) Levels() []logrus.Level {
	return lr.levels
}

func (lr *logRecorder) Fire(e *logrus.Entry) error {
	category, _ := e.Data["category"].(string)

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.records = append(lr.records, logRecord{level: e.Level, category: category, message: e.Message})
	return nil
}

// has reports whether an entry of category contains msg. An empty category
// matches every entry.
func (lr *logRecorder) has(category, msg string) bool {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	for _, r := range lr.records {
		if (category == "" || r.category == category) && strings.Contains(r.message, msg) {
			return true
		}
	}
	return false
}

// categories returns the distinct categories of the recorded entries.
func (lr *logRecorder) categories() map[string]bool {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	cats := make(map[string]bool)
	for _, r := range lr.records {
		if r.category != "" {
			cats[r.category] = true
		}
	}
	return cats
}

var _ logrus.Hook = &logRecorder{}

// recordLogs makes logger log at debug level into a new recorder only.
func recordLogs(logger *logrus.Logger) *logRecorder {
	lr := &logRecorder{levels: []logrus.Level{logrus.DebugLevel, logrus.WarnLevel}}
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(lr)
	logger.SetOutput(io.Discard)
	return lr
}
