// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"encoding/binary"
	"fmt"
)

// Fixed little-endian record shared by the file and mmap backends.
//
// Layout:
// - Magic: 4 bytes (Offset 0)
// - Version: 2 bytes (Offset 4)
// - RequestCount: 8 bytes (Offset 8)
// - ErrorCount: 8 bytes (Offset 16)
// - BaudRate: 4 bytes (Offset 24)
// - DataBits, Parity, StopBits: 1 byte each (Offset 28..30)
// Remainder reserved. Total Size: 64 bytes.
const (
	stateMagic   = 0x4D425257 // "MBRW"
	stateVersion = 1

	offsetMagic    = 0
	offsetVersion  = 4
	offsetRequests = 8
	offsetErrors   = 16
	offsetBaud     = 24
	offsetDataBits = 28
	offsetParity   = 29
	offsetStopBits = 30

	totalSize = 64
)

// encodeState serializes state into buf, which must be totalSize bytes.
func encodeState(state *State, buf []byte) {
	binary.LittleEndian.PutUint32(buf[offsetMagic:], stateMagic)
	binary.LittleEndian.PutUint16(buf[offsetVersion:], stateVersion)
	binary.LittleEndian.PutUint64(buf[offsetRequests:], state.RequestCount)
	binary.LittleEndian.PutUint64(buf[offsetErrors:], state.ErrorCount)
	binary.LittleEndian.PutUint32(buf[offsetBaud:], uint32(state.Serial.BaudRate))
	buf[offsetDataBits] = byte(state.Serial.DataBits)
	parity := byte('N')
	if len(state.Serial.Parity) > 0 {
		parity = state.Serial.Parity[0]
	}
	buf[offsetParity] = parity
	buf[offsetStopBits] = byte(state.Serial.StopBits)
}

// decodeState parses buf. A zeroed or foreign record decodes to nil state:
// the caller starts fresh.
func decodeState(buf []byte) (*State, error) {
	if len(buf) < totalSize {
		return nil, fmt.Errorf("store: state record too short: %d", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[offsetMagic:]) != stateMagic {
		return nil, nil
	}
	if v := binary.LittleEndian.Uint16(buf[offsetVersion:]); v != stateVersion {
		return nil, fmt.Errorf("store: unsupported state version %d", v)
	}

	state := &State{
		RequestCount: binary.LittleEndian.Uint64(buf[offsetRequests:]),
		ErrorCount:   binary.LittleEndian.Uint64(buf[offsetErrors:]),
	}
	state.Serial.BaudRate = int(binary.LittleEndian.Uint32(buf[offsetBaud:]))
	state.Serial.DataBits = int(buf[offsetDataBits])
	state.Serial.Parity = string(buf[offsetParity])
	state.Serial.StopBits = int(buf[offsetStopBits])
	return state, nil
}
