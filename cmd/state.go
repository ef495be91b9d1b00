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

package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/k6browser/common"
)

// globalFlags contains the values of the flags shared by every command.
type globalFlags struct {
	verbose   bool
	noColor   bool
	logOutput string
	logFormat string
	logLevel  string
}

// globalState holds everything the commands touch outside of their own
// flags, so that tests can replace it.
type globalState struct {
	ctx context.Context

	fs     afero.Fs
	getwd  func() (string, error)
	env    map[string]string
	flags  globalFlags
	stdout *consoleWriter
	stderr *consoleWriter

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger

	hooks        *common.ShutdownHooks
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	osExit       func(int)
}

func newGlobalState(ctx context.Context) *globalState {
	outMutex := &sync.Mutex{}
	env := buildEnvMap(os.Environ())
	_, noColor := env["NO_COLOR"]
	stdout := newConsoleWriter(os.Stdout, outMutex, noColor)
	stderr := newConsoleWriter(os.Stderr, outMutex, noColor)

	logger := &logrus.Logger{
		Out: stderr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderr.isTTY,
			DisableColors: noColor,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	flags := globalFlags{logOutput: "stderr", logLevel: "info", noColor: noColor}
	if v, ok := env["K6_BROWSER_LOG_OUTPUT"]; ok {
		flags.logOutput = v
	}
	if v, ok := env["K6_BROWSER_LOG_FORMAT"]; ok {
		flags.logFormat = v
	}
	if v, ok := env["K6_BROWSER_LOG_LEVEL"]; ok {
		flags.logLevel = v
	}

	return &globalState{
		ctx:    ctx,
		fs:     afero.NewOsFs(),
		getwd:  os.Getwd,
		env:    env,
		flags:  flags,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
		fallbackLogger: &logrus.Logger{ // we may modify the other one
			Out:       stderr,
			Formatter: new(logrus.TextFormatter), // no fancy formatting here
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		hooks:        common.DefaultShutdownHooks,
		signalNotify: signal.Notify,
		signalStop:   signal.Stop,
		osExit:       os.Exit,
	}
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}
