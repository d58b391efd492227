// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"time"

	"modbus-bridge/internal/config"
	"modbus-bridge/modbus"
)

// RequestHandler handles one Modbus request/response cycle.
// The upstream server decodes its framing down to slave id + PDU, calls the
// handler, and re-wraps the returned PDU; the handler (the gateway) carries
// the PDU to the bus. An error return is translated by the upstream into an
// exception response, it never tears down the client connection.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream is a source of requests: a Modbus TCP master (or several)
// connected to us. It acts as a server.
type Upstream interface {
	// Start starts the server and blocks. It should be called in a goroutine.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Bus is the downstream side: the serial bus with its single-transaction
// discipline. Execute blocks until the response arrives, the timeout
// expires, or the bus lock cannot be acquired within its bound.
type Bus interface {
	Execute(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit, timeout time.Duration) (modbus.ProtocolDataUnit, error)

	// Reconfigure swaps UART settings. It waits for any in-flight
	// transaction to finish; settings never change mid-frame.
	Reconfigure(cfg config.SerialConfig) error

	Connect(ctx context.Context) error
	Close() error
}
