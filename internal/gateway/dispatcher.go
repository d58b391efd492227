// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriteRequest is an asynchronous register write.
type WriteRequest struct {
	SlaveID byte
	Address uint16
	Values  []uint16
}

// Accepted acknowledges that a write request was taken on. It says nothing
// about the outcome; completion is observable only through the log.
type Accepted struct {
	RequestID string `json:"request_id"`
}

// Dispatcher offloads write transactions to background goroutines so the
// accepting path stays responsive: slow downstream devices can hold a write
// for up to the full write timeout. The bus lock behind the gateway still
// serializes the physical transactions, so concurrent writes queue up
// naturally.
type Dispatcher struct {
	gw *Gateway
	wg sync.WaitGroup
}

func NewDispatcher(gw *Gateway) *Dispatcher {
	return &Dispatcher{gw: gw}
}

// Submit accepts a write and returns immediately. Fire-and-forget by
// design: no completion signal reaches the caller.
func (d *Dispatcher) Submit(req WriteRequest) Accepted {
	id := uuid.NewString()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(id, req)
	}()

	return Accepted{RequestID: id}
}

func (d *Dispatcher) run(id string, req WriteRequest) {
	start := time.Now()
	err := d.gw.WriteRegisters(context.Background(), req.SlaveID, req.Address, req.Values)
	if err != nil {
		slog.Error("Async write failed",
			"request_id", id, "slave", req.SlaveID, "address", req.Address,
			"count", len(req.Values), "elapsed", time.Since(start), "err", err)
		return
	}
	slog.Info("Async write completed",
		"request_id", id, "slave", req.SlaveID, "address", req.Address,
		"count", len(req.Values), "elapsed", time.Since(start))
}

// Drain blocks until all accepted writes have finished. Used on shutdown
// and by tests.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}
