// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"errors"
	"testing"

	"modbus-bridge/modbus"
)

func TestADUEncode(t *testing.T) {
	adu := &ApplicationDataUnit{
		SlaveID: 1,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: modbus.FuncCodeReadHoldingRegisters,
			Data:         []byte{0x00, 0x64, 0x00, 0x02},
		},
	}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// 01 03 00 64 00 02, CRC low byte first.
	want := []byte{0x01, 0x03, 0x00, 0x64, 0x00, 0x02, 0x85, 0xD4}
	if !bytes.Equal(raw, want) {
		t.Errorf("encoded frame: got % X, want % X", raw, want)
	}
}

func TestADUDecodeRoundTrip(t *testing.T) {
	orig := &ApplicationDataUnit{
		SlaveID: 17,
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
			Data:         []byte{0x00, 0x0A, 0x00, 0x01, 0x02, 0xBE, 0xEF},
		},
	}
	raw, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.SlaveID != 17 || got.Pdu.FunctionCode != modbus.FuncCodeWriteMultipleRegisters {
		t.Errorf("decoded header: %+v", got)
	}
	if !bytes.Equal(got.Pdu.Data, orig.Pdu.Data) {
		t.Errorf("decoded data: got % X", got.Pdu.Data)
	}
}

func TestADUDecodeCRCMismatch(t *testing.T) {
	adu := &ApplicationDataUnit{
		SlaveID: 1,
		Pdu:     modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x12, 0x34}},
	}
	raw, _ := adu.Encode()
	raw[len(raw)-1] ^= 0xFF

	_, err := Decode(raw)
	if !errors.Is(err, modbus.ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestADUDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x03})
	if !errors.Is(err, modbus.ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestADUVerifySlaveMismatch(t *testing.T) {
	req := &ApplicationDataUnit{SlaveID: 1}
	resp := &ApplicationDataUnit{SlaveID: 2}
	if err := req.Verify(resp); err == nil {
		t.Error("expected slave id mismatch error")
	}
	if err := req.Verify(&ApplicationDataUnit{SlaveID: 1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
