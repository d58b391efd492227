// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"modbus-bridge/modbus"
)

func TestCalculateResponseLength(t *testing.T) {
	tests := []struct {
		name string
		adu  []byte
		want int
	}{
		// 3 + byte_count + 2 for byte-count reads
		{"ReadHoldingRegisters_10", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 3 + 20 + 2},
		{"ReadInputRegisters_1", []byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x01}, 3 + 2 + 2},
		{"ReadCoils_9", []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x09}, 3 + 2 + 2},
		// Fixed 8-byte write echoes
		{"WriteSingleRegister", []byte{0x01, 0x06, 0x00, 0x64, 0x04, 0xD2}, 8},
		{"WriteMultipleRegisters", []byte{0x01, 0x10, 0x00, 0x64, 0x00, 0x01, 0x02, 0x04, 0xD2}, 8},
		// Unknown codes are silence-delimited
		{"UnknownFunction", []byte{0x01, 0x2B, 0x0E, 0x01, 0x00, 0x00}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateResponseLength(tt.adu); got != tt.want {
				t.Errorf("CalculateResponseLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadResponse_ReadHolding(t *testing.T) {
	// 01 03 02 AA BB + CRC, preceded by stale noise bytes.
	frame := []byte{0xFF, 0x00, 0x01, 0x03, 0x02, 0xAA, 0xBB, 0x12, 0x34}

	got, err := ReadResponse(bytes.NewReader(frame), 0x01, 0x03, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	want := frame[2:]
	if !bytes.Equal(got, want) {
		t.Errorf("frame mismatch.\nWant: %X\nGot:  %X", want, got)
	}
}

func TestReadResponse_Exception(t *testing.T) {
	// Exception frame is accepted at its fixed 5 bytes even though a read
	// would normally be longer.
	frame := []byte{0x01, 0x83, 0x0B, 0xF0, 0x0D}

	got, err := ReadResponse(bytes.NewReader(frame), 0x01, 0x03, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if len(got) != ExceptionSize {
		t.Errorf("expected %d bytes, got %d", ExceptionSize, len(got))
	}
	if got[1] != 0x83 {
		t.Errorf("expected exception function code 0x83, got %02X", got[1])
	}
}

func TestReadResponse_SilenceFallback(t *testing.T) {
	// Unknown function code: frame ends when the line goes quiet.
	frame := []byte{0x01, 0x2B, 0xDE, 0xAD, 0xBE, 0xEF}

	got, err := ReadResponse(bytes.NewReader(frame), 0x01, 0x2B, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("frame mismatch.\nWant: %X\nGot:  %X", frame, got)
	}
}

func TestReadResponse_Timeout(t *testing.T) {
	_, err := ReadResponse(bytes.NewReader(nil), 0x01, 0x03, time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

// failingReader counts reads and always returns the same error.
type failingReader struct {
	calls int
	err   error
}

func (r *failingReader) Read(p []byte) (int, error) {
	r.calls++
	return 0, r.err
}

func TestReadResponse_PortFailurePropagates(t *testing.T) {
	// A broken port (closed descriptor, unplugged adapter) must surface
	// immediately as a wrapped transport error, not as a timeout.
	r := &failingReader{err: os.ErrClosed}

	_, err := ReadResponse(r, 0x01, 0x03, time.Now().Add(time.Second))
	if !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected wrapped port error, got %v", err)
	}
	if errors.Is(err, modbus.ErrTimeout) {
		t.Error("port failure misreported as timeout")
	}
	if r.calls != 1 {
		t.Errorf("expected a single read attempt, got %d", r.calls)
	}
}

func TestReadResponse_QuietLinePaced(t *testing.T) {
	// A reader whose quiet-line errors return instantly (EOF here) must
	// not be polled in a hot loop until the deadline.
	r := &failingReader{err: io.EOF}

	_, err := ReadResponse(r, 0x01, 0x03, time.Now().Add(50*time.Millisecond))
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if r.calls > 1000 {
		t.Errorf("quiet line polled %d times in 50ms, retries are not paced", r.calls)
	}
}

func TestReadResponse_WrongSlaveResync(t *testing.T) {
	// A frame from slave 2 is skipped; the one from slave 1 is returned.
	input := []byte{0x02, 0x03, 0x01, 0x06, 0x00, 0x64, 0x04, 0xD2, 0x00, 0x00}

	got, err := ReadResponse(bytes.NewReader(input), 0x01, 0x06, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if got[0] != 0x01 || got[1] != 0x06 {
		t.Errorf("resync failed, got frame %X", got)
	}
	if len(got) != 8 {
		t.Errorf("expected 8 bytes, got %d", len(got))
	}
}
