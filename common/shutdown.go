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

// ShutdownHooks is a set of functions to run when the current process is
// about to exit, so that no browser outlives it. Runners register with the
// set when they start and release their registration once they closed.
type ShutdownHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func()
	order []int
}

// NewShutdownHooks returns an empty set of shutdown hooks.
func NewShutdownHooks() *ShutdownHooks {
	return &ShutdownHooks{hooks: make(map[int]func())}
}

// DefaultShutdownHooks is the process-wide set run by the CLI before it
// exits.
var DefaultShutdownHooks = NewShutdownHooks() //nolint:gochecknoglobals

// Register adds fn to the set. The returned function removes it again and
// is safe to call more than once.
func (h *ShutdownHooks) Register(fn func()) (release func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	h.hooks[id] = fn
	h.order = append(h.order, id)

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.hooks, id)
	}
}

// Len returns the number of registered hooks.
func (h *ShutdownHooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run calls every registered hook once, the most recently registered first,
// and empties the set.
func (h *ShutdownHooks) Run() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.hooks))
	for i := len(h.order) - 1; i >= 0; i-- {
		if fn, ok := h.hooks[h.order[i]]; ok {
			fns = append(fns, fn)
		}
	}
	h.hooks = make(map[int]func())
	h.order = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
