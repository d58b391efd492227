// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package stats

import "sync/atomic"

// Counters tracks bus transaction totals. They are diagnostic only: the
// engine bumps them on every completed or failed transaction and the store
// flushes them periodically.
type Counters struct {
	requests atomic.Uint64
	errors   atomic.Uint64
}

func (c *Counters) Request() {
	c.requests.Add(1)
}

func (c *Counters) Error() {
	c.errors.Add(1)
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() (requests, errors uint64) {
	return c.requests.Load(), c.errors.Load()
}

// Restore seeds the totals from persisted state. Called once at boot,
// before any traffic.
func (c *Counters) Restore(requests, errors uint64) {
	c.requests.Store(requests)
	c.errors.Store(errors)
}
