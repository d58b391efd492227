// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package logbuf keeps the most recent log records in a ring so the HTTP
// API can serve them and stream new ones to websocket clients.
package logbuf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attrs   string    `json:"attrs,omitempty"`
}

// Ring holds the last N entries and fans new ones out to subscribers.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	subs    map[chan Entry]struct{}
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{
		entries: make([]Entry, size),
		subs:    make(map[chan Entry]struct{}),
	}
}

// Append stores an entry and notifies subscribers. A subscriber that has
// fallen behind misses the entry rather than blocking the logger.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Subscribe registers a channel receiving entries appended from now on.
// Call the returned function to unsubscribe.
func (r *Ring) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 16)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

// Handler is a slog.Handler that copies records into a Ring and forwards
// them to the next handler.
type Handler struct {
	ring  *Ring
	next  slog.Handler
	attrs []slog.Attr
}

func NewHandler(ring *Ring, next slog.Handler) *Handler {
	return &Handler{ring: ring, next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := ""
	appendAttr := func(a slog.Attr) {
		if attrs != "" {
			attrs += " "
		}
		attrs += fmt.Sprintf("%s=%v", a.Key, a.Value)
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	h.ring.Append(Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   attrs,
	})
	return h.next.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{ring: h.ring, next: h.next.WithAttrs(attrs), attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{ring: h.ring, next: h.next.WithGroup(name), attrs: h.attrs}
}
