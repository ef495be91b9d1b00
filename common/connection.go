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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/k6browser/log"
)

// Ensure Connection implements the cdp.Executor interface.
var _ cdp.Executor = &Connection{}

type callResult struct {
	msg *cdproto.Message
	err error
}

// Connection is the root CDP session over a Transport. It only knows about
// the message envelope: outbound calls get an id, inbound messages with an
// id answer a call and inbound messages with a method are events.
type Connection struct {
	url       string
	transport Transport
	slowMo    time.Duration
	logger    *log.Logger

	msgID int64

	mu      sync.Mutex
	pending map[int64]chan callResult
	onEvent func(*cdproto.Message)
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps transport. url is the websocket endpoint the transport
// is connected to, or empty in pipe mode. Every outbound message is delayed
// by slowMo.
func NewConnection(url string, transport Transport, slowMo time.Duration, logger *log.Logger) *Connection {
	c := &Connection{
		url:       url,
		transport: transport,
		slowMo:    slowMo,
		logger:    logger,
		pending:   make(map[int64]chan callResult),
		done:      make(chan struct{}),
	}
	transport.OnMessage(c.handleMessage)
	transport.OnClose(c.markClosed)

	return c
}

// URL returns the browser websocket URL, or empty in pipe mode.
func (c *Connection) URL() string {
	return c.url
}

// Done returns a channel which is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// OnEvent registers the handler for protocol events. It runs on the
// transport's reader goroutine and must not wait on calls made over this
// connection.
func (c *Connection) OnEvent(handler func(*cdproto.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = handler
}

func (c *Connection) handleMessage(raw string) {
	c.logger.Debugf("cdp:recv", "<- %s", raw)

	id, method := gjson.Get(raw, "id"), gjson.Get(raw, "method")
	switch {
	case method.Exists():
		var msg cdproto.Message
		if err := easyjson.Unmarshal([]byte(raw), &msg); err != nil {
			c.logger.Errorf("cdp", "decoding event %s: %v", method.String(), err)
			return
		}
		c.mu.Lock()
		handler := c.onEvent
		c.mu.Unlock()
		if handler != nil {
			handler(&msg)
		}

	case id.Exists():
		c.mu.Lock()
		ch, ok := c.pending[id.Int()]
		delete(c.pending, id.Int())
		c.mu.Unlock()
		if !ok {
			c.logger.Debugf("cdp", "no pending call for message id %d", id.Int())
			return
		}
		var msg cdproto.Message
		if err := easyjson.Unmarshal([]byte(raw), &msg); err != nil {
			ch <- callResult{err: fmt.Errorf("decoding response %d: %w", id.Int(), err)}
			return
		}
		ch <- callResult{msg: &msg}

	default:
		c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %q", raw)
	}
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive.
func (c *Connection) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	id := atomic.AddInt64(&c.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	if err := c.send(ctx, msg); err != nil {
		return err
	}

	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			return r.err
		case r.msg.Error != nil:
			return r.msg.Error
		case res != nil:
			return easyjson.Unmarshal(r.msg.Result, res) //nolint:wrapcheck
		}
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}
}

// SendMessage sends method without parameters and does not wait for the
// response.
func (c *Connection) SendMessage(method string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	return c.send(context.Background(), &cdproto.Message{
		ID:     atomic.AddInt64(&c.msgID, 1),
		Method: cdproto.MethodType(method),
	})
}

func (c *Connection) send(ctx context.Context, msg *cdproto.Message) error {
	if c.slowMo > 0 {
		t := time.NewTimer(c.slowMo)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		case <-c.done:
			return ErrConnectionClosed
		}
	}

	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	c.logger.Debugf("cdp:send", "-> %s", buf)
	if err := c.transport.Send(string(buf)); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Method, err)
	}

	return nil
}

func (c *Connection) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.logger.Debugf("Connection:close", "url:%q", c.url)
	})
}

// Close closes the connection and its transport.
func (c *Connection) Close() error {
	_ = c.transport.Close()
	c.markClosed()
	return nil
}
