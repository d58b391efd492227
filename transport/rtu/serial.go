// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"modbus-bridge/internal/config"
)

const (
	serialIdleTimeout = 60 * time.Second
)

// Direction drives the RS485 transceiver direction signal: Assert before
// transmitting, Deassert to return the bus to receive mode. Implementations
// must be idempotent; the engine deasserts defensively on every exit path.
// Adapters whose driver handles the signal (USB-RS485, or grid-x rs485
// config) use NopDirection.
type Direction interface {
	Assert() error
	Deassert() error
}

// NopDirection is for links that need no explicit direction control.
type NopDirection struct{}

func (NopDirection) Assert() error   { return nil }
func (NopDirection) Deassert() error { return nil }

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	serial.Config

	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

// applySerialConfig maps bridge settings onto the grid-x serial config.
func applySerialConfig(dst *serial.Config, src config.SerialConfig, readTimeout time.Duration) {
	dst.Address = src.Device
	dst.BaudRate = src.BaudRate
	dst.DataBits = src.DataBits
	dst.StopBits = src.StopBits
	dst.Parity = src.Parity
	dst.Timeout = readTimeout

	dst.RS485.Enabled = src.RS485
	dst.RS485.DelayRtsBeforeSend = src.DelayRtsBeforeSend
	dst.RS485.DelayRtsAfterSend = src.DelayRtsAfterSend
	dst.RS485.RtsHighDuringSend = src.RtsHighDuringSend
	dst.RS485.RtsHighAfterSend = src.RtsHighAfterSend
	dst.RS485.RxDuringTx = src.RxDuringTx
}

func (sp *serialPort) Connect(ctx context.Context) (err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.connect(ctx)
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (sp *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if sp.port == nil {
		port, err := serial.Open(&sp.Config)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", sp.Config.Address, err)
		}
		sp.port = port
	}
	return nil
}

func (sp *serialPort) Close() (err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (sp *serialPort) close() (err error) {
	if sp.port != nil {
		err = sp.port.Close()
		sp.port = nil
	}
	return
}

// flush discards stale receive-buffer contents left over from a previous
// transaction or bus noise. Best effort: ports without a flush primitive
// rely on the response reader's resynchronization instead.
func (sp *serialPort) flush() {
	if f, ok := sp.port.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			slog.Debug("serial flush failed", "err", err)
		}
	}
}

func (sp *serialPort) startCloseTimer() {
	if sp.IdleTimeout <= 0 {
		return
	}
	if sp.closeTimer == nil {
		sp.closeTimer = time.AfterFunc(sp.IdleTimeout, sp.closeIdle)
	} else {
		sp.closeTimer.Reset(sp.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (sp *serialPort) closeIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(sp.lastActivity); idle >= sp.IdleTimeout {
		slog.Debug("modbus: closing connection due to idle timeout", "idle", idle)
		sp.close()
	}
}
