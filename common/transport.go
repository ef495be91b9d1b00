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

import "sync"

// Transport moves opaque text messages between this process and a browser.
// There are two implementations: PipeTransport and WebSocketTransport.
//
// Handlers are invoked from the transport's reader goroutine, one message at
// a time and in wire order. Messages received before a handler is registered
// are queued and delivered on registration. Handlers must not register
// handlers themselves.
type Transport interface {
	// Send sends one message. It is a no-op once the transport is closed.
	Send(message string) error
	// OnMessage registers the handler for received messages.
	OnMessage(handler func(message string))
	// OnClose registers the handler called once the transport is closed,
	// either locally or by the browser.
	OnClose(handler func())
	// Close closes the transport. It never fails.
	Close() error
}

var (
	_ Transport = &PipeTransport{}
	_ Transport = &WebSocketTransport{}
)

// transportEvents delivers transport notifications, queueing the ones that
// arrive before their handler.
type transportEvents struct {
	mu           sync.Mutex
	onMessage    func(string)
	onClose      func()
	pending      []string
	closePending bool
	closeFired   bool
}

func (e *transportEvents) OnMessage(handler func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onMessage = handler
	pending := e.pending
	e.pending = nil
	for _, msg := range pending {
		handler(msg)
	}
}

func (e *transportEvents) OnClose(handler func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onClose = handler
	if e.closePending && !e.closeFired {
		e.closeFired = true
		handler()
	}
}

func (e *transportEvents) emitMessage(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onMessage == nil {
		e.pending = append(e.pending, msg)
		return
	}
	e.onMessage(msg)
}

func (e *transportEvents) emitClose() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closeFired {
		return
	}
	if e.onClose == nil {
		e.closePending = true
		return
	}
	e.closeFired = true
	e.onClose()
}
