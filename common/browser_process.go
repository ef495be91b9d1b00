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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/liuxd6825/k6browser/log"
)

// DuplexChannel is the parent's side of the private byte channel used with
// --remote-debugging-pipe. The browser reads what is written to Writer on its
// fd 3 and writes to its fd 4 what is read from Reader.
type DuplexChannel struct {
	Writer *os.File
	Reader *os.File
}

// BrowserProcess is a spawned browser OS process together with the parent's
// ends of its standard streams and, in pipe mode, of its duplex channel.
type BrowserProcess struct {
	cmd       *exec.Cmd
	spawnArgs []string

	stdout *os.File
	stderr *os.File
	// stderrReader buffers stderr so that endpoint discovery and the
	// subsequent drain share the same read position.
	stderrReader *bufio.Reader

	duplexMu sync.Mutex
	duplex   *DuplexChannel

	// done is closed once the process has been reaped.
	done    chan struct{}
	waitErr error

	closeStreamsOnce sync.Once

	logger *log.Logger
}

// NewBrowserProcess spawns path with args. The child's stdin is the null
// device, stdout and stderr are captured. If args contain
// --remote-debugging-pipe a duplex channel is set up on fds 3 and 4.
func NewBrowserProcess(
	path string, args []string, env map[string]string, logger *log.Logger,
) (_ *BrowserProcess, rerr error) {
	cmd := exec.Command(path, args...) //nolint:gosec
	killAfterParent(cmd)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}

	// childEnds are inherited by the browser and closed in the parent once
	// it is spawned. parentEnds are closed only if spawning fails.
	var childEnds, parentEnds []*os.File
	defer func() {
		closeFiles(childEnds)
		if rerr != nil {
			closeFiles(parentEnds)
		}
	}()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, newLaunchError(fmt.Errorf("creating stdout pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, stdoutR), append(childEnds, stdoutW)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, newLaunchError(fmt.Errorf("creating stderr pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, stderrR), append(childEnds, stderrW)

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var duplex *DuplexChannel
	if containsArg(args, FlagRemoteDebuggingPipe) {
		// browserRead is the browser's fd 3, browserWrite its fd 4.
		browserRead, parentWrite, err := os.Pipe()
		if err != nil {
			return nil, newLaunchError(fmt.Errorf("creating remote debugging pipe: %w", err))
		}
		parentEnds, childEnds = append(parentEnds, parentWrite), append(childEnds, browserRead)

		parentRead, browserWrite, err := os.Pipe()
		if err != nil {
			return nil, newLaunchError(fmt.Errorf("creating remote debugging pipe: %w", err))
		}
		parentEnds, childEnds = append(parentEnds, parentRead), append(childEnds, browserWrite)

		if err := attachDuplex(cmd, browserRead, browserWrite); err != nil {
			return nil, newLaunchError(err)
		}
		duplex = &DuplexChannel{Writer: parentWrite, Reader: parentRead}
	}

	if err := cmd.Start(); err != nil {
		return nil, newLaunchError(err)
	}

	p := &BrowserProcess{
		cmd:          cmd,
		spawnArgs:    append([]string{path}, args...),
		stdout:       stdoutR,
		stderr:       stderrR,
		stderrReader: bufio.NewReader(stderrR),
		duplex:       duplex,
		done:         make(chan struct{}),
		logger:       logger,
	}
	logger.Debugf("BrowserProcess", "started pid:%d args:%q", p.Pid(), args)

	go func() {
		defer close(p.done)
		p.waitErr = cmd.Wait()
		logger.Debugf("BrowserProcess", "pid:%d exited: %v", p.Pid(), p.waitErr)
	}()

	return p, nil
}

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int {
	return p.cmd.Process.Pid
}

// SpawnArgs returns the argument vector used to spawn the process,
// starting with the executable path.
func (p *BrowserProcess) SpawnArgs() []string {
	return append([]string(nil), p.spawnArgs...)
}

// Stdout returns the browser's standard output stream.
func (p *BrowserProcess) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the browser's diagnostic stream.
func (p *BrowserProcess) Stderr() *bufio.Reader {
	return p.stderrReader
}

// HasDuplexChannel reports whether the process was spawned in pipe mode.
func (p *BrowserProcess) HasDuplexChannel() bool {
	p.duplexMu.Lock()
	defer p.duplexMu.Unlock()
	return p.duplex != nil
}

// TakeDuplexChannel hands the duplex channel over to the caller. It returns
// false if the process has none or it was already taken.
func (p *BrowserProcess) TakeDuplexChannel() (DuplexChannel, bool) {
	p.duplexMu.Lock()
	defer p.duplexMu.Unlock()
	if p.duplex == nil {
		return DuplexChannel{}, false
	}
	d := *p.duplex
	p.duplex = nil
	return d, true
}

// Done returns a channel which is closed once the process has been reaped.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of waiting for the process. It is only
// meaningful once Done is closed.
func (p *BrowserProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Kill forcefully terminates the process. A process that is already gone
// is not an error.
func (p *BrowserProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err == nil || isProcessGone(err) {
		return nil
	}
	return fmt.Errorf("killing browser process %d: %w", p.Pid(), err)
}

// Dispose closes the parent's ends of the standard streams, and of the
// duplex channel if it was never taken, then blocks until the process is
// reaped. It is safe to call more than once and after the process exited
// on its own.
func (p *BrowserProcess) Dispose() {
	p.closeStreamsOnce.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
		if d, ok := p.TakeDuplexChannel(); ok {
			_ = d.Writer.Close()
			_ = d.Reader.Close()
		}
	})
	<-p.done
}

func containsArg(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(env))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// errPipeUnsupported is returned on platforms that cannot hand extra file
// descriptors to a child process.
var errPipeUnsupported = errors.New("remote debugging pipe is not supported on this platform")
