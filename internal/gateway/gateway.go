// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/stats"
	"modbus-bridge/internal/store"
	"modbus-bridge/modbus"
	"modbus-bridge/transport"
)

// Gateway bridges upstream Modbus TCP masters to the single RTU bus. It
// owns all shared mutable state of the bridge: the bus, the counters, the
// compatibility policy and the persisted settings. Nothing here is a
// process-wide global; everything is reached through this object.
type Gateway struct {
	Upstreams []transport.Upstream

	bus      transport.Bus
	counters *stats.Counters
	timing   config.TimingConfig
	compat   config.CompatConfig
	storage  store.Storage
	flushInt time.Duration

	mu      sync.RWMutex
	serial  config.SerialConfig
	started time.Time
}

// New creates a Gateway. The storage may carry counters and UART settings
// from a previous run; persisted UART settings win over the static config,
// matching how the device behaves across reboots.
func New(cfg *config.Config, bus transport.Bus, upstreams []transport.Upstream, counters *stats.Counters, storage store.Storage) (*Gateway, error) {
	g := &Gateway{
		Upstreams: upstreams,
		bus:       bus,
		counters:  counters,
		timing:    cfg.Timing,
		compat:    cfg.Compat,
		storage:   storage,
		flushInt:  cfg.Store.FlushInterval,
		serial:    cfg.Serial,
	}

	state, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}
	if state != nil {
		counters.Restore(state.RequestCount, state.ErrorCount)
		if state.Serial.BaudRate != 0 {
			g.serial.BaudRate = state.Serial.BaudRate
			g.serial.DataBits = state.Serial.DataBits
			g.serial.Parity = state.Serial.Parity
			g.serial.StopBits = state.Serial.StopBits
			if err := bus.Reconfigure(g.serial); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// Start connects the bus, starts all upstream servers and the periodic
// state flush, then blocks until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	g.started = time.Now()
	g.mu.Unlock()

	if err := g.bus.Connect(ctx); err != nil {
		// The bus might recover later (e.g. USB adapter replugged);
		// transactions reconnect lazily.
		slog.Error("Failed to connect bus", "err", err)
	}

	var wg sync.WaitGroup
	for i, us := range g.Upstreams {
		wg.Add(1)
		go func(ups transport.Upstream, idx int) {
			defer wg.Done()
			slog.Info("Starting upstream", "index", idx)
			if err := ups.Start(ctx, g.HandleRequest); err != nil {
				slog.Error("Upstream stopped with error", "index", idx, "err", err)
			}
		}(us, i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.flushLoop(ctx)
	}()

	<-ctx.Done()

	for _, us := range g.Upstreams {
		us.Close()
	}
	g.bus.Close()

	wg.Wait()

	if err := g.flushState(); err != nil {
		slog.Error("Failed to flush state on shutdown", "err", err)
	}
	return g.storage.Close()
}

// HandleRequest is the central dispatch function: one upstream PDU in, one
// response PDU out. An error return makes the upstream synthesize an
// exception frame; a returned exception PDU is passed through as-is.
func (g *Gateway) HandleRequest(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if !modbus.IsSupportedFunction(pdu.FunctionCode) {
		return exceptionPDU(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}

	request := pdu
	normalized := false
	if pdu.FunctionCode == modbus.FuncCodeWriteSingleRegister && g.compat.SingleWriteAsMultiple {
		if len(pdu.Data) != 4 {
			return exceptionPDU(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
		}
		request = singleAsMultiple(pdu.Data)
		normalized = true
	}

	resp, err := g.bus.Execute(ctx, slaveID, request, g.timeoutFor(request.FunctionCode))
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	if normalized {
		// The caller asked for 0x06 and expects a 0x06 echo, regardless
		// of what went on the wire.
		return modbus.ProtocolDataUnit{
			FunctionCode: modbus.FuncCodeWriteSingleRegister,
			Data:         pdu.Data,
		}, nil
	}
	return resp, nil
}

// ReadHoldingRegisters is the synchronous read entry point for the API
// layer.
func (g *Gateway) ReadHoldingRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("quantity '%v' must be between 1 and 125", quantity)
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	resp, err := g.bus.Execute(ctx, slaveID, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         data,
	}, g.timing.ReadTimeout)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) < 1 || len(resp.Data) != 1+int(resp.Data[0]) || resp.Data[0] != byte(quantity*2) {
		return nil, fmt.Errorf("%w: unexpected read response layout", modbus.ErrMalformedFrame)
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp.Data[1+i*2:])
	}
	return values, nil
}

// WriteRegisters performs a register write on the bus, applying the
// single-write normalization policy. Used by the async dispatcher.
func (g *Gateway) WriteRegisters(ctx context.Context, slaveID byte, address uint16, values []uint16) error {
	if len(values) < 1 || len(values) > 123 {
		return fmt.Errorf("value count '%v' must be between 1 and 123", len(values))
	}

	pdu := g.buildWritePDU(address, values)
	_, err := g.bus.Execute(ctx, slaveID, pdu, g.timing.WriteTimeout)
	return err
}

// buildWritePDU frames a register write. Single values go out as 0x10
// (quantity 1, byte count 2) unless the compat policy says otherwise.
func (g *Gateway) buildWritePDU(address uint16, values []uint16) modbus.ProtocolDataUnit {
	if len(values) == 1 && !g.compat.SingleWriteAsMultiple {
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], address)
		binary.BigEndian.PutUint16(data[2:4], values[0])
		return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleRegister, Data: data}
	}

	data := make([]byte, 5+len(values)*2)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+i*2:], v)
	}
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: data}
}

// Reconfigure validates and applies new UART settings, then persists them.
// The bus applies them strictly between transactions. The device path is
// not remotely settable; an empty one keeps the current device.
func (g *Gateway) Reconfigure(cfg config.SerialConfig) error {
	g.mu.RLock()
	if cfg.Device == "" {
		cfg.Device = g.serial.Device
	}
	g.mu.RUnlock()

	if err := config.ValidateSerial(cfg); err != nil {
		return err
	}
	if err := g.bus.Reconfigure(cfg); err != nil {
		return err
	}

	g.mu.Lock()
	g.serial = cfg
	g.mu.Unlock()

	return g.flushState()
}

// Status is the diagnostic snapshot served by the API.
type Status struct {
	RequestCount uint64              `json:"request_count"`
	ErrorCount   uint64              `json:"error_count"`
	UptimeSec    int64               `json:"uptime_sec"`
	Serial       config.SerialConfig `json:"serial"`
}

func (g *Gateway) Status() Status {
	requests, errors := g.counters.Snapshot()
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{
		RequestCount: requests,
		ErrorCount:   errors,
		UptimeSec:    int64(time.Since(g.started).Seconds()),
		Serial:       g.serial,
	}
}

func (g *Gateway) timeoutFor(functionCode byte) time.Duration {
	if modbus.IsWriteFunction(functionCode) {
		return g.timing.WriteTimeout
	}
	return g.timing.ReadTimeout
}

func (g *Gateway) flushLoop(ctx context.Context) {
	if g.flushInt <= 0 {
		return
	}
	ticker := time.NewTicker(g.flushInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.flushState(); err != nil {
				slog.Error("Failed to flush state", "err", err)
			}
		}
	}
}

func (g *Gateway) flushState() error {
	requests, errors := g.counters.Snapshot()
	g.mu.RLock()
	serial := g.serial
	g.mu.RUnlock()
	return g.storage.Save(&store.State{
		RequestCount: requests,
		ErrorCount:   errors,
		Serial:       serial,
	})
}

// singleAsMultiple re-frames a 0x06 payload (address, value) as a 0x10
// payload (address, quantity 1, byte count 2, value).
func singleAsMultiple(data []byte) modbus.ProtocolDataUnit {
	out := make([]byte, 7)
	copy(out[0:2], data[0:2]) // address
	binary.BigEndian.PutUint16(out[2:4], 1)
	out[4] = 2
	copy(out[5:7], data[2:4]) // value
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: out}
}

func exceptionPDU(functionCode, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{code},
	}
}
