// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"modbus-bridge/internal/simslave"
	"modbus-bridge/internal/stats"
	"modbus-bridge/internal/store"
	"modbus-bridge/transport"
	"modbus-bridge/transport/rtu"
	"modbus-bridge/transport/tcp"
)

// startBridge wires a full bridge (TCP server, gateway, RTU engine) against
// a simulated slave and returns the TCP address to dial.
func startBridge(t *testing.T, slave *simslave.Port) string {
	t.Helper()

	cfg := testConfig()
	cfg.Timing.InterFrameSilence = time.Millisecond
	cfg.Timing.QuietPeriod = time.Millisecond

	counters := &stats.Counters{}
	engine := rtu.NewEngine(cfg.Serial, cfg.Timing, counters)
	engine.UsePort(slave)

	tcpServer := tcp.NewServer("127.0.0.1:0", time.Second)
	gw, err := New(cfg, engine, []transport.Upstream{tcpServer}, counters, store.NewMemoryStorage())
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Start(ctx)

	for i := 0; i < 50; i++ {
		if addr := tcpServer.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bridge did not start listening")
	return ""
}

func dialClient(t *testing.T, address string, slaveID byte) (gomodbus.Client, func()) {
	t.Helper()
	handler := gomodbus.NewTCPClientHandler(address)
	handler.Timeout = 5 * time.Second
	handler.SlaveId = slaveID
	if err := handler.Connect(); err != nil {
		t.Fatalf("failed to connect client: %v", err)
	}
	return gomodbus.NewClient(handler), func() { handler.Close() }
}

func TestBridgeEndToEndRead(t *testing.T) {
	slave := simslave.New(1)
	for i := 0; i < 10; i++ {
		slave.SetHolding(uint16(100+i), uint16((i+1)*100))
	}
	address := startBridge(t, slave)

	client, closeClient := dialClient(t, address, 1)
	defer closeClient()

	results, err := client.ReadHoldingRegisters(100, 10)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if len(results) != 20 {
		t.Fatalf("result length: got %d", len(results))
	}
	for i := 0; i < 10; i++ {
		got := binary.BigEndian.Uint16(results[i*2:])
		if want := uint16((i + 1) * 100); got != want {
			t.Errorf("register %d: got %d, want %d", 100+i, got, want)
		}
	}
}

func TestBridgeEndToEndWrite(t *testing.T) {
	slave := simslave.New(1)
	address := startBridge(t, slave)

	client, closeClient := dialClient(t, address, 1)
	defer closeClient()

	// A single-register write: normalized to 0x10 on the wire, but the TCP
	// client still gets its 0x06 echo back.
	if _, err := client.WriteSingleRegister(200, 4321); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	if got := slave.Holding(200); got != 4321 {
		t.Errorf("register 200: got %d, want 4321", got)
	}

	writes := slave.Writes()
	if len(writes) != 1 {
		t.Fatalf("frame count: got %d", len(writes))
	}
	if writes[0][1] != 0x10 {
		t.Errorf("wire function code: got 0x%02X, want 0x10", writes[0][1])
	}
}

func TestBridgeEndToEndTimeout(t *testing.T) {
	slave := simslave.New(1)
	slave.Silent = true
	address := startBridge(t, slave)

	client, closeClient := dialClient(t, address, 1)
	defer closeClient()

	// The unresponsive slave surfaces as gateway exception 0x0B.
	_, err := client.ReadHoldingRegisters(0, 1)
	if err == nil {
		t.Fatal("expected gateway exception")
	}
	if !strings.Contains(err.Error(), "11") && !strings.Contains(err.Error(), "0x0B") {
		t.Errorf("expected gateway target failed exception, got: %v", err)
	}
}

func TestBridgeEndToEndDispatcher(t *testing.T) {
	slave := simslave.New(1)

	cfg := testConfig()
	counters := &stats.Counters{}
	engine := rtu.NewEngine(cfg.Serial, cfg.Timing, counters)
	engine.UsePort(slave)
	gw, err := New(cfg, engine, nil, counters, store.NewMemoryStorage())
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	d := NewDispatcher(gw)
	d.Submit(WriteRequest{SlaveID: 1, Address: 300, Values: []uint16{7, 8}})
	d.Drain()

	if got := slave.Holding(300); got != 7 {
		t.Errorf("register 300: got %d, want 7", got)
	}
	if got := slave.Holding(301); got != 8 {
		t.Errorf("register 301: got %d, want 8", got)
	}
}
