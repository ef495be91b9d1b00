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
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liuxd6825/k6browser/log"
)

const (
	wsWriteBufferSize = 1 << 20
	wsCloseTimeout    = 10 * time.Second
)

// WebSocketTransport speaks to the browser over its DevTools websocket
// endpoint. Every message is one text frame.
type WebSocketTransport struct {
	transportEvents

	wsURL string
	conn  *websocket.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	logger *log.Logger
}

// NewWebSocketTransport dials wsURL and starts reading from it.
func NewWebSocketTransport(ctx context.Context, wsURL string, logger *log.Logger) (*WebSocketTransport, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, resp, err := wsd.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	t := &WebSocketTransport{
		wsURL:  wsURL,
		conn:   conn,
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.readLoop()

	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.done)
	defer t.emitClose()

	for {
		typ, buf, err := t.conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debugf("WebSocketTransport:readLoop", "unexpected close: %v", err)
			}
			_ = t.conn.Close()
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		t.emitMessage(string(buf))
	}
}

// Send writes message as a single text frame.
func (t *WebSocketTransport) Send(message string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return nil
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		if t.closed.Load() {
			return nil
		}
		return fmt.Errorf("writing to %s: %w", t.wsURL, err)
	}

	return nil
}

// Close sends a close frame and closes the socket. Errors are ignored.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout),
		)
		_ = t.conn.Close()
	})
	return nil
}

// URL returns the websocket endpoint the transport is connected to.
func (t *WebSocketTransport) URL() string {
	return t.wsURL
}

// Done returns a channel which is closed once the reader has stopped.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}
