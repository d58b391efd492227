// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/stats"
	"modbus-bridge/modbus"
	rtupacket "modbus-bridge/modbus/rtu"
)

// Engine owns the serial link and executes one request/response cycle at a
// time. A single bus-exclusive lock guarantees at most one in-flight
// physical transaction; callers that cannot acquire it within the
// configured bound fail with modbus.ErrBusBusy. No retries happen here:
// every outcome is reported distinctly to the caller.
type Engine struct {
	serialPort

	timing   config.TimingConfig
	dir      Direction
	counters *stats.Counters

	// busLock holder owns the physical bus. Capacity 1.
	busLock chan struct{}

	// quietUntil enforces the post-transaction quiet period and the
	// inter-frame silence. Guarded by busLock.
	quietUntil time.Time
}

// NewEngine allocates an engine for the given UART settings. The port is
// opened lazily on the first transaction.
func NewEngine(serialCfg config.SerialConfig, timing config.TimingConfig, counters *stats.Counters) *Engine {
	e := &Engine{
		timing:   timing,
		dir:      NopDirection{},
		counters: counters,
		busLock:  make(chan struct{}, 1),
	}
	// The port read timeout doubles as the inter-byte silence bound used
	// by the response reader's fallback delimiting.
	applySerialConfig(&e.serialPort.Config, serialCfg, timing.InterFrameSilence)
	e.IdleTimeout = serialIdleTimeout
	return e
}

// SetDirection installs an explicit direction-signal driver (e.g. a GPIO
// behind a DE/RE pin). Must be called before the first transaction.
func (e *Engine) SetDirection(d Direction) {
	if d == nil {
		d = NopDirection{}
	}
	e.dir = d
}

// UsePort installs an already-open port, bypassing serial.Open. Used for
// adapters that are not plain serial devices, and by tests.
func (e *Engine) UsePort(p io.ReadWriteCloser) {
	e.mu.Lock()
	e.port = p
	e.mu.Unlock()
}

// Execute runs one transaction: frame the PDU, transmit, await the
// delimited response, validate. The timeout bounds the response wait only;
// lock acquisition is bounded separately by timing.lock_timeout.
func (e *Engine) Execute(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	adu := &ApplicationDataUnit{SlaveID: slaveID, Pdu: pdu}
	request, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	if err := e.acquire(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	defer e.release()

	e.counters.Request()

	respAdu, err := e.transact(ctx, request, timeout)
	if err != nil {
		e.counters.Error()
		return modbus.ProtocolDataUnit{}, err
	}

	if respAdu.Pdu.FunctionCode == pdu.FunctionCode|0x80 {
		// Device-reported exception. Its CRC already validated in Decode.
		e.counters.Error()
		code := byte(0)
		if len(respAdu.Pdu.Data) > 0 {
			code = respAdu.Pdu.Data[0]
		}
		return modbus.ProtocolDataUnit{}, &modbus.ExceptionError{
			FunctionCode:  respAdu.Pdu.FunctionCode,
			ExceptionCode: code,
		}
	}

	if err := adu.Verify(respAdu); err != nil {
		e.counters.Error()
		return modbus.ProtocolDataUnit{}, err
	}

	// A CRC-valid response of the wrong shape (say, more registers than
	// the request asked for) must not pass through to the client.
	if want := rtupacket.CalculateResponseLength(request); want != -1 && len(respAdu.Pdu.Data)+4 != want {
		e.counters.Error()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: response length '%v', expected '%v'",
			modbus.ErrMalformedFrame, len(respAdu.Pdu.Data)+4, want)
	}

	return respAdu.Pdu, nil
}

// Reconfigure swaps UART settings. It takes the bus lock so settings never
// change under an in-flight transaction; the port reopens lazily with the
// new settings on the next one.
func (e *Engine) Reconfigure(cfg config.SerialConfig) error {
	if err := e.acquire(context.Background()); err != nil {
		return err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.close(); err != nil {
		slog.Warn("failed to close serial port on reconfigure", "err", err)
	}
	applySerialConfig(&e.serialPort.Config, cfg, e.timing.InterFrameSilence)
	slog.Info("serial port reconfigured",
		"device", cfg.Device, "baud", cfg.BaudRate,
		"data_bits", cfg.DataBits, "parity", cfg.Parity, "stop_bits", cfg.StopBits)
	return nil
}

func (e *Engine) acquire(ctx context.Context) error {
	timer := time.NewTimer(e.timing.LockTimeout)
	defer timer.Stop()
	select {
	case e.busLock <- struct{}{}:
		return nil
	case <-timer.C:
		return modbus.ErrBusBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.busLock
}

// transact performs the physical request/response cycle. Caller holds the
// bus lock. On every exit path the direction signal has been returned to
// receive mode.
func (e *Engine) transact(ctx context.Context, request []byte, timeout time.Duration) (*ApplicationDataUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	e.lastActivity = time.Now()
	e.startCloseTimer()

	// Inter-frame silence plus any remaining post-transaction quiet
	// period from the previous cycle.
	if wait := time.Until(e.quietUntil); wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	e.flush()

	if err := e.dir.Assert(); err != nil {
		return nil, fmt.Errorf("direction assert failed: %w", err)
	}
	time.Sleep(e.timing.DirectionGuard)

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(request))
	_, werr := e.port.Write(request)

	// Let the UART drain before dropping the direction signal, then hold
	// the post-transmit guard.
	time.Sleep(e.transmissionTime(len(request)) + e.timing.DirectionGuard)
	if err := e.dir.Deassert(); err != nil {
		return nil, fmt.Errorf("direction deassert failed: %w", err)
	}
	if werr != nil {
		return nil, fmt.Errorf("serial write failed: %w", werr)
	}

	deadline := time.Now().Add(timeout)
	frame, err := rtupacket.ReadResponse(e.port, request[0], request[1], deadline)
	if err != nil {
		return nil, err
	}

	for {
		respAdu, derr := Decode(frame)
		if derr == nil {
			e.quietUntil = time.Now().Add(e.timing.QuietPeriod)
			slog.Debug("recv from modbus slave", "response", hex.EncodeToString(frame))
			return respAdu, nil
		}
		if !errors.Is(derr, modbus.ErrCRCMismatch) {
			return nil, derr
		}
		// More bytes might still arrive: keep accumulating while the
		// deadline and ADU capacity allow, else report the mismatch.
		if len(frame) >= rtupacket.MaxSize || time.Now().After(deadline) {
			return nil, derr
		}
		buf := make([]byte, 1)
		n, rerr := e.port.Read(buf)
		if n > 0 {
			frame = append(frame, buf[0])
			continue
		}
		if rerr != nil {
			// Quiet line, nothing more is coming.
			return nil, derr
		}
	}
}

// transmissionTime estimates how long count bytes occupy the wire, so the
// direction signal is not dropped mid-frame.
func (e *Engine) transmissionTime(count int) time.Duration {
	bits := 1 + e.Config.DataBits + e.Config.StopBits
	if e.Config.Parity != "N" && e.Config.Parity != "" {
		bits++
	}
	baud := e.Config.BaudRate
	if baud <= 0 {
		baud = 9600
	}
	return time.Duration(count*bits) * time.Second / time.Duration(baud)
}
