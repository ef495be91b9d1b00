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
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/browser"

	"github.com/liuxd6825/k6browser/errext/exitcodes"
	"github.com/liuxd6825/k6browser/log"
	"github.com/liuxd6825/k6browser/storage"
)

// RunnerState is the lifecycle state of a BrowserRunner.
type RunnerState int32

// Runner states. A runner only ever moves forward through them.
const (
	RunnerNotStarted RunnerState = iota
	RunnerRunning
	RunnerClosing
	RunnerClosed
)

func (s RunnerState) String() string {
	switch s {
	case RunnerNotStarted:
		return "not started"
	case RunnerRunning:
		return "running"
	case RunnerClosing:
		return "closing"
	case RunnerClosed:
		return "closed"
	}
	return fmt.Sprintf("RunnerState(%d)", int32(s))
}

// BrowserRunner owns one browser process: it starts it, connects to it and
// tears it down exactly once, whichever of Close, a signal or a shutdown
// hook gets there first.
type BrowserRunner struct {
	executablePath string
	processArgs    []string
	// tempDir, when not nil, is a user data directory owned by this runner.
	tempDir       *storage.Dir
	shutdownHooks *ShutdownHooks
	logger        *log.Logger

	state atomic.Int32

	proc     *BrowserProcess
	// endpoint reads stderr from Start on when not in pipe mode.
	endpoint *endpointWatcher

	connMu sync.Mutex
	conn   *Connection

	signalCh        chan os.Signal
	signalStop      chan struct{}
	releaseShutdown func()

	// CloseTimeout bounds how long Close waits for the browser to exit
	// after asking it to, before killing it.
	CloseTimeout time.Duration

	notifySignals func(c chan<- os.Signal, sig ...os.Signal)
	stopSignals   func(c chan<- os.Signal)
	exit          func(code int)
	exitFunc      func(code int)
	stdoutSink    io.Writer
	stderrSink    io.Writer
}

// NewBrowserRunner returns a runner for the executable at path. tempDir is
// the user data directory to remove on teardown, if the runner owns one.
// hooks, if not nil, is where the runner registers itself to be killed when
// the current process shuts down.
func NewBrowserRunner(
	path string, args []string, tempDir *storage.Dir, hooks *ShutdownHooks, logger *log.Logger,
) *BrowserRunner {
	r := &BrowserRunner{
		executablePath: path,
		processArgs:    args,
		tempDir:        tempDir,
		shutdownHooks:  hooks,
		logger:         logger,
		CloseTimeout:   DefaultCloseTimeout,
		notifySignals:  signal.Notify,
		stopSignals:    signal.Stop,
		stdoutSink:     os.Stdout,
		stderrSink:     os.Stderr,
		exitFunc:       os.Exit,
	}
	r.exit = func(code int) {
		if r.shutdownHooks != nil {
			r.shutdownHooks.Run()
		}
		r.exitFunc(code)
	}

	return r
}

// SetExitFunc replaces os.Exit as the function that ends the current
// process after an interrupt. The shutdown hooks still run first.
// It must be called before Start.
func (r *BrowserRunner) SetExitFunc(fn func(code int)) {
	if fn != nil {
		r.exitFunc = fn
	}
}

// State returns the current lifecycle state.
func (r *BrowserRunner) State() RunnerState {
	return RunnerState(r.state.Load())
}

// Closed reports whether the runner has been torn down.
func (r *BrowserRunner) Closed() bool {
	return r.State() == RunnerClosed
}

// Process returns the browser process, or nil before Start.
func (r *BrowserRunner) Process() *BrowserProcess {
	if r.State() == RunnerNotStarted {
		return nil
	}
	return r.proc
}

// Connection returns the connection set up by SetupConnection, if any.
func (r *BrowserRunner) Connection() *Connection {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

// Start spawns the browser process, installs the signal handlers enabled in
// opts and registers the runner with its shutdown hooks. A runner can only
// be started once, and Start must return before any other method is called.
// If spawning fails, the temporary directory is removed and
// the runner is closed.
func (r *BrowserRunner) Start(opts *LaunchOptions) error {
	if !r.state.CompareAndSwap(int32(RunnerNotStarted), int32(RunnerRunning)) {
		return ErrRunnerStarted
	}
	proc, err := NewBrowserProcess(r.executablePath, r.processArgs, opts.Env, r.logger)
	if err != nil {
		r.state.Store(int32(RunnerClosed))
		if cerr := r.tempDir.Cleanup(); cerr != nil {
			r.logger.Debugf("BrowserRunner:Start", "cleaning up user data directory: %v", cerr)
		}
		return err
	}
	r.proc = proc

	var stdoutSink, stderrSink io.Writer
	if opts.Dumpio {
		stdoutSink, stderrSink = r.stdoutSink, r.stderrSink
	}
	go drainLines(proc.Stdout(), stdoutSink, r.logger, "browser:stdout")
	if proc.HasDuplexChannel() {
		go drainLines(proc.Stderr(), stderrSink, r.logger, "browser:stderr")
	} else {
		r.endpoint = watchWSEndpoint(proc.Stderr(), stderrSink, r.logger)
	}

	if r.shutdownHooks != nil {
		r.releaseShutdown = r.shutdownHooks.Register(r.Kill)
	}
	r.installSignalHandlers(opts)

	return nil
}

func (r *BrowserRunner) installSignalHandlers(opts *LaunchOptions) {
	var sigs []os.Signal
	if opts.HandleSIGINT {
		sigs = append(sigs, os.Interrupt)
	}
	if opts.HandleSIGTERM {
		sigs = append(sigs, syscall.SIGTERM)
	}
	if opts.HandleSIGHUP && runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGHUP)
	}
	if len(sigs) == 0 {
		return
	}

	r.signalCh = make(chan os.Signal, 1)
	r.signalStop = make(chan struct{})
	r.notifySignals(r.signalCh, sigs...)

	go func(ch <-chan os.Signal, stop <-chan struct{}) {
		for {
			select {
			case sig := <-ch:
				r.handleSignal(sig)
			case <-stop:
				return
			}
		}
	}(r.signalCh, r.signalStop)
}

func (r *BrowserRunner) handleSignal(sig os.Signal) {
	r.logger.Debugf("BrowserRunner:signal", "received %v", sig)
	if sig == os.Interrupt {
		r.Kill()
		r.exit(int(exitcodes.Interrupted))
		return
	}
	r.Close()
}

func (r *BrowserRunner) uninstallSignalHandlers() {
	if r.signalCh == nil {
		return
	}
	r.stopSignals(r.signalCh)
	close(r.signalStop)
}

// Close shuts the browser down and runs the teardown. If the runner owns a
// temporary directory the browser is killed. Otherwise it is asked to close
// over the connection, and killed if that fails or if there is no
// connection. Close is a no-op unless the runner is running.
func (r *BrowserRunner) Close() {
	if !r.state.CompareAndSwap(int32(RunnerRunning), int32(RunnerClosing)) {
		return
	}
	r.logger.Debugf("BrowserRunner:Close", "pid:%d", r.proc.Pid())

	conn := r.Connection()
	switch {
	case r.tempDir != nil:
		r.Kill()
	case conn != nil:
		if err := conn.SendMessage(browser.CommandClose); err != nil {
			r.logger.Debugf("BrowserRunner:Close", "graceful close failed, killing: %v", err)
			r.Kill()
		}
	default:
		r.Kill()
	}

	r.teardown()
}

// teardown releases everything the runner holds. Only Close calls it, once.
func (r *BrowserRunner) teardown() {
	t := time.NewTimer(r.CloseTimeout)
	defer t.Stop()
	select {
	case <-r.proc.Done():
	case <-t.C:
		r.logger.Warnf("BrowserRunner:teardown",
			"browser pid:%d did not exit within %s, killing it", r.proc.Pid(), r.CloseTimeout)
		if err := r.proc.Kill(); err != nil {
			r.logger.Debugf("BrowserRunner:teardown", "%v", err)
		}
	}
	r.proc.Dispose()
	r.state.Store(int32(RunnerClosed))

	if err := r.tempDir.Cleanup(); err != nil {
		r.logger.Debugf("BrowserRunner:teardown", "cleaning up user data directory: %v", err)
	}
	r.uninstallSignalHandlers()
	if r.releaseShutdown != nil {
		r.releaseShutdown()
	}
	if conn := r.Connection(); conn != nil {
		_ = conn.Close()
	}
}

// Kill removes the temporary directory and forcefully terminates the
// browser unless the runner is already closed. It does not run the teardown.
func (r *BrowserRunner) Kill() {
	if err := r.tempDir.Cleanup(); err != nil {
		r.logger.Debugf("BrowserRunner:Kill", "cleaning up user data directory: %v", err)
	}
	if st := r.State(); st == RunnerRunning || st == RunnerClosing {
		if err := r.proc.Kill(); err != nil {
			r.logger.Debugf("BrowserRunner:Kill", "%v", err)
		}
	}
}

// SetupConnection connects to the started browser, over its duplex channel
// if usePipe is set or else over the websocket endpoint it announces on
// stderr within timeout, and returns the Connection wrapping the transport.
func (r *BrowserRunner) SetupConnection(
	ctx context.Context, usePipe bool, timeout, slowMo time.Duration, preferredRevision string,
) (*Connection, error) {
	if st := r.State(); st != RunnerRunning {
		return nil, fmt.Errorf("setting up connection: browser runner is %s", st)
	}

	var (
		wsURL     string
		transport Transport
	)
	if usePipe {
		ch, ok := r.proc.TakeDuplexChannel()
		if !ok {
			return nil, errors.New("setting up connection: browser was not started with " + FlagRemoteDebuggingPipe)
		}
		transport = NewPipeTransport(ch, r.logger)
	} else {
		if r.endpoint == nil {
			return nil, errors.New("setting up connection: browser was started with " + FlagRemoteDebuggingPipe)
		}
		var err error
		wsURL, err = r.endpoint.wait(ctx, timeout, preferredRevision)
		if err != nil {
			return nil, err
		}

		if transport, err = NewWebSocketTransport(ctx, wsURL, r.logger); err != nil {
			return nil, fmt.Errorf("setting up connection: %w", err)
		}
	}

	conn := NewConnection(wsURL, transport, slowMo, r.logger)
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	return conn, nil
}

// drainLines keeps reading a browser output stream so that the browser
// never blocks on a full pipe. Lines go to sink if set, else to the debug
// log.
func drainLines(rd io.Reader, sink io.Writer, logger *log.Logger, category string) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if sink != nil {
			_, _ = fmt.Fprintln(sink, sc.Text())
			continue
		}
		logger.Debugf(category, "%s", sc.Text())
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, rd)
	}
}
