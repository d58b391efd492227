// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"modbus-bridge/modbus"
	"modbus-bridge/transport"
)

// buildFrame assembles an MBAP frame around the unit id and PDU bytes.
func buildFrame(tid uint16, unitID byte, pdu []byte) []byte {
	frame := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:], tid)
	binary.BigEndian.PutUint16(frame[2:], 0)
	binary.BigEndian.PutUint16(frame[4:], uint16(1+len(pdu)))
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

// startServer runs a server with the handler and dials a client connection.
func startServer(t *testing.T, handler transport.RequestHandler) (net.Conn, func()) {
	t.Helper()
	s := NewServer("127.0.0.1:0", time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := s.Start(ctx, handler); err != nil {
			t.Errorf("server stopped with error: %v", err)
		}
	}()

	var addr net.Addr
	for i := 0; i < 50; i++ {
		if addr = s.Addr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		cancel()
		t.Fatal("server did not start listening")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		cancel()
		t.Fatalf("failed to dial server: %v", err)
	}
	return conn, func() {
		conn.Close()
		cancel()
	}
}

// echoHandler answers reads with two fixed registers.
func echoHandler(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return modbus.ProtocolDataUnit{
		FunctionCode: pdu.FunctionCode,
		Data:         []byte{0x02, 0xAA, 0xBB},
	}, nil
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 7)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("failed to read response header: %v", err)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	body := make([]byte, int(length)-1)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return append(header, body...)
}

func TestServerHandlesRequest(t *testing.T) {
	conn, stop := startServer(t, echoHandler)
	defer stop()

	req := buildFrame(123, 1, []byte{0x03, 0x00, 0x01, 0x00, 0x01})
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	resp := readFrame(t, conn)
	if binary.BigEndian.Uint16(resp[0:]) != 123 {
		t.Errorf("transaction id: got %v", resp[:2])
	}
	if resp[6] != 1 || resp[7] != 0x03 {
		t.Errorf("unit/function: got %02X %02X", resp[6], resp[7])
	}
	if !bytes.Equal(resp[8:], []byte{0x02, 0xAA, 0xBB}) {
		t.Errorf("payload: got % X", resp[8:])
	}
}

func TestServerReassemblesPartialFrames(t *testing.T) {
	conn, stop := startServer(t, echoHandler)
	defer stop()

	req := buildFrame(7, 1, []byte{0x03, 0x00, 0x01, 0x00, 0x01})

	// Drip the frame in three chunks with pauses in between.
	for _, chunk := range [][]byte{req[:3], req[3:9], req[9:]} {
		if _, err := conn.Write(chunk); err != nil {
			t.Fatalf("failed to write chunk: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp := readFrame(t, conn)
	if binary.BigEndian.Uint16(resp[0:]) != 7 {
		t.Errorf("transaction id: got %v", resp[:2])
	}
	if resp[7] != 0x03 {
		t.Errorf("function code: got %02X", resp[7])
	}
}

func TestServerSplitsCoalescedFrames(t *testing.T) {
	conn, stop := startServer(t, echoHandler)
	defer stop()

	// Two complete frames in a single write must both be answered, in order.
	req1 := buildFrame(1, 1, []byte{0x03, 0x00, 0x01, 0x00, 0x01})
	req2 := buildFrame(2, 1, []byte{0x03, 0x00, 0x02, 0x00, 0x01})
	if _, err := conn.Write(append(append([]byte{}, req1...), req2...)); err != nil {
		t.Fatalf("failed to write frames: %v", err)
	}

	for want := uint16(1); want <= 2; want++ {
		resp := readFrame(t, conn)
		if got := binary.BigEndian.Uint16(resp[0:]); got != want {
			t.Errorf("transaction id: got %d, want %d", got, want)
		}
	}
}

func TestServerDiscardsMalformedHeader(t *testing.T) {
	conn, stop := startServer(t, echoHandler)
	defer stop()

	// Nonzero protocol id: the buffered bytes are dropped but the
	// connection survives.
	bad := buildFrame(9, 1, []byte{0x03, 0x00, 0x01, 0x00, 0x01})
	binary.BigEndian.PutUint16(bad[2:], 5)
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("failed to write bad frame: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	good := buildFrame(10, 1, []byte{0x03, 0x00, 0x01, 0x00, 0x01})
	if _, err := conn.Write(good); err != nil {
		t.Fatalf("failed to write good frame: %v", err)
	}

	resp := readFrame(t, conn)
	if got := binary.BigEndian.Uint16(resp[0:]); got != 10 {
		t.Errorf("transaction id: got %d, want 10", got)
	}
}

func TestServerSynthesizesExceptions(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode byte
	}{
		{"Timeout", modbus.ErrTimeout, 0x0B},
		{"CRCMismatch", modbus.ErrCRCMismatch, 0x0B},
		{"BusBusy", modbus.ErrBusBusy, 0x0B},
		{"DeviceException", &modbus.ExceptionError{
			FunctionCode:  0x83,
			ExceptionCode: modbus.ExceptionCodeIllegalDataAddress,
		}, 0x02},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				return modbus.ProtocolDataUnit{}, tc.err
			}
			conn, stop := startServer(t, handler)
			defer stop()

			req := buildFrame(0x0007, 2, []byte{0x03, 0x00, 0x01, 0x00, 0x01})
			if _, err := conn.Write(req); err != nil {
				t.Fatalf("failed to write request: %v", err)
			}

			resp := readFrame(t, conn)
			want := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x03, 0x02, 0x83, tc.wantCode}
			if !bytes.Equal(resp, want) {
				t.Errorf("exception frame: got % X, want % X", resp, want)
			}
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx, echoHandler)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("server returned error on shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not shut down")
	}
}
