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
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/liuxd6825/k6browser/log"
)

// pipePeer is the browser side of a duplex channel.
type pipePeer struct {
	in  *os.File // what the browser reads
	out *os.File // what the browser writes
}

func newPipePair(t *testing.T) (DuplexChannel, pipePeer) {
	t.Helper()

	browserRead, parentWrite, err := os.Pipe()
	require.NoError(t, err)
	parentRead, browserWrite, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = browserRead.Close()
		_ = browserWrite.Close()
	})

	return DuplexChannel{Writer: parentWrite, Reader: parentRead},
		pipePeer{in: browserRead, out: browserWrite}
}

// messageRecorder collects transport messages and close notifications.
type messageRecorder struct {
	mu     sync.Mutex
	msgs   []string
	closes int
	closed chan struct{}
}

func newMessageRecorder(tr Transport) *messageRecorder {
	rec := &messageRecorder{closed: make(chan struct{})}
	tr.OnMessage(func(msg string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.msgs = append(rec.msgs, msg)
	})
	tr.OnClose(func() {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.closes++
		if rec.closes == 1 {
			close(rec.closed)
		}
	})
	return rec
}

func (rec *messageRecorder) messages() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.msgs...)
}

func (rec *messageRecorder) closeCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.closes
}

func TestPipeTransportReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	testCases := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "frames in order", input: "a\x00bc\x00d\x00", want: []string{"a", "bc", "d"}},
		{name: "frame split across writes", input: "hel" + "lo\x00", want: []string{"hello"}},
		{name: "empty frame", input: "\x00x\x00", want: []string{"", "x"}},
		{name: "trailing partial frame", input: "a\x00tail", want: []string{"a", "tail"}},
		{name: "unterminated only message", input: "solo", want: []string{"solo"}},
		{name: "nothing", input: "", want: []string{""}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch, browser := newPipePair(t)
			tr := NewPipeTransport(ch, log.NewNullLogger())
			rec := newMessageRecorder(tr)

			_, err := io.WriteString(browser.out, tc.input)
			require.NoError(t, err)
			require.NoError(t, browser.out.Close())

			waitClosed(t, rec.closed, "transport close")
			assert.Equal(t, tc.want, rec.messages())
			require.NoError(t, tr.Close())
			waitClosed(t, tr.Done(), "reader exit")
			assert.Equal(t, 1, rec.closeCount())
		})
	}
}

func TestPipeTransportQueuesUntilHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch, browser := newPipePair(t)
	tr := NewPipeTransport(ch, log.NewNullLogger())

	_, err := io.WriteString(browser.out, "early\x00")
	require.NoError(t, err)
	require.NoError(t, browser.out.Close())
	waitClosed(t, tr.Done(), "reader exit")

	rec := newMessageRecorder(tr)
	assert.Equal(t, []string{"early"}, rec.messages())
	assert.Equal(t, 1, rec.closeCount())
	require.NoError(t, tr.Close())
}

func TestPipeTransportSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch, browser := newPipePair(t)
	tr := NewPipeTransport(ch, log.NewNullLogger())

	require.NoError(t, tr.Send(`{"id":1}`))
	require.NoError(t, tr.Send(""))
	assert.ErrorIs(t, tr.Send("a\x00b"), ErrEmbeddedNUL)

	require.NoError(t, tr.Close())
	got, err := io.ReadAll(browser.in)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\x00\x00", string(got))

	waitClosed(t, tr.Done(), "reader exit")
}

func TestPipeTransportClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch, _ := newPipePair(t)
	tr := NewPipeTransport(ch, log.NewNullLogger())
	rec := newMessageRecorder(tr)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	waitClosed(t, rec.closed, "transport close")
	waitClosed(t, tr.Done(), "reader exit")

	assert.NoError(t, tr.Send("after close"), "send after close is a no-op")
	assert.Equal(t, 1, rec.closeCount())
	assert.Empty(t, rec.messages())
}

func TestPipeTransportBrowserGone(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch, browser := newPipePair(t)
	tr := NewPipeTransport(ch, log.NewNullLogger())
	rec := newMessageRecorder(tr)

	require.NoError(t, browser.in.Close())
	require.NoError(t, browser.out.Close())
	waitClosed(t, rec.closed, "transport close")

	assert.Error(t, tr.Send("nobody listening"))
	require.NoError(t, tr.Close())
}
