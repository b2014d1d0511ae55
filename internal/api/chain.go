// Copyright (C) 2026 TAK.NZ
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package api provides the ordered predicate-handler dispatch shared by the
// mock server's two API listeners, plus the canned default behaviors each
// listener installs. A test driver extends or replaces a chain to script the
// responses its scenario needs.
package api

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// Handler inspects a request and either fully writes a response and reports
// true (claimed), or leaves the response untouched and reports false so the
// next handler in the chain gets a look.
type Handler interface {
	Handle(w http.ResponseWriter, r *http.Request) bool
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) bool

func (f HandlerFunc) Handle(w http.ResponseWriter, r *http.Request) bool {
	return f(w, r)
}

// Chain is an ordered handler list evaluated strictly front to back; the
// first handler that claims a request ends the walk. The list is never
// mutated in place: every change swaps in a fresh slice, so an in-flight
// dispatch always sees a consistent snapshot even while a test replaces the
// chain. Mutators are serialized, so concurrent Prepend/Append calls all
// land rather than overwriting each other.
type Chain struct {
	mu       sync.Mutex // serializes mutators; dispatch reads lock-free
	handlers atomic.Pointer[[]Handler]
}

func NewChain(handlers ...Handler) *Chain {
	c := &Chain{}
	c.Replace(handlers...)
	return c
}

// Replace installs handlers as the entire chain, discarding the previous
// contents.
func (c *Chain) Replace(handlers ...Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hs := make([]Handler, len(handlers))
	copy(hs, handlers)
	c.handlers.Store(&hs)
}

// Prepend inserts handlers ahead of the current chain, giving them first
// claim on every request.
func (c *Chain) Prepend(handlers ...Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.handlers.Load()
	hs := make([]Handler, 0, len(handlers)+len(cur))
	hs = append(hs, handlers...)
	hs = append(hs, cur...)
	c.handlers.Store(&hs)
}

// Append adds handlers behind the current chain.
func (c *Chain) Append(handlers ...Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.handlers.Load()
	hs := make([]Handler, 0, len(cur)+len(handlers))
	hs = append(hs, cur...)
	hs = append(hs, handlers...)
	c.handlers.Store(&hs)
}

// Len reports the current number of handlers.
func (c *Chain) Len() int {
	return len(*c.handlers.Load())
}

// Dispatch walks the current snapshot in order and reports whether any
// handler claimed the request.
func (c *Chain) Dispatch(w http.ResponseWriter, r *http.Request) bool {
	for _, h := range *c.handlers.Load() {
		if h.Handle(w, r) {
			return true
		}
	}
	return false
}
