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
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/liuxd6825/k6browser/log"
)

// ErrEmbeddedNUL is returned when sending a message over a pipe transport
// that contains the NUL frame delimiter.
var ErrEmbeddedNUL = errors.New("message contains a NUL byte")

// PipeTransport speaks to the browser over the duplex channel set up by
// --remote-debugging-pipe. Messages are delimited by a single NUL byte.
type PipeTransport struct {
	transportEvents

	out io.WriteCloser
	in  io.ReadCloser

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	logger *log.Logger
}

// NewPipeTransport takes ownership of ch and starts reading from it.
func NewPipeTransport(ch DuplexChannel, logger *log.Logger) *PipeTransport {
	t := &PipeTransport{
		out:    ch.Writer,
		in:     ch.Reader,
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.readLoop()

	return t
}

// readLoop is the only reader of the inbound descriptor.
func (t *PipeTransport) readLoop() {
	defer close(t.done)
	defer t.emitClose()

	br := bufio.NewReader(t.in)
	framed := false
	for {
		frame, err := br.ReadBytes(0)
		if err == nil {
			framed = true
			t.emitMessage(string(frame[:len(frame)-1]))
			continue
		}

		// Flush whatever was buffered before the channel died. If no frame
		// ever arrived, the bytes read so far are the only message.
		if len(frame) > 0 || (!framed && errors.Is(err, io.EOF)) {
			t.emitMessage(string(frame))
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
			t.logger.Debugf("PipeTransport:readLoop", "reading from browser: %v", err)
		}
		return
	}
}

// Send writes message followed by a NUL delimiter.
func (t *PipeTransport) Send(message string) error {
	if strings.IndexByte(message, 0) >= 0 {
		return ErrEmbeddedNUL
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return nil
	}
	buf := make([]byte, len(message)+1)
	copy(buf, message)
	if _, err := t.out.Write(buf); err != nil {
		if t.closed.Load() {
			return nil
		}
		return fmt.Errorf("writing to browser pipe: %w", err)
	}

	return nil
}

// Close closes both ends of the channel. Errors are ignored.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		_ = t.out.Close()
		_ = t.in.Close()
	})
	return nil
}

// Done returns a channel which is closed once the reader has stopped.
func (t *PipeTransport) Done() <-chan struct{} {
	return t.done
}
