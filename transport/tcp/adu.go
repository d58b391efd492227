// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"fmt"

	"modbus-bridge/modbus"
)

const (
	// MBAP header: transaction id (2), protocol id (2), length (2), unit id (1).
	headerSize = 7

	tcpMinSize = 8
	tcpMaxSize = 260

	// maxLength bounds the MBAP length field: unit id + function code +
	// up to 252 data bytes.
	maxLength = 254
)

// ApplicationDataUnit is an MBAP-framed Modbus TCP message.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// Decode parses a complete MBAP frame. The caller guarantees raw holds
// exactly one frame (header plus declared length).
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("%w: length '%v' does not meet minimum '%v'", modbus.ErrMalformedFrame, len(raw), tcpMinSize)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = uint16(raw[0])<<8 | uint16(raw[1])
	adu.ProtocolID = uint16(raw[2])<<8 | uint16(raw[3])
	adu.Length = uint16(raw[4])<<8 | uint16(raw[5])
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]

	if adu.ProtocolID != 0 {
		return nil, fmt.Errorf("%w: protocol id '%v' must be 0", modbus.ErrMalformedFrame, adu.ProtocolID)
	}
	if int(adu.Length) != 1+1+len(adu.Pdu.Data) {
		return nil, fmt.Errorf("%w: length field '%v' does not match payload '%v'", modbus.ErrMalformedFrame, adu.Length, 1+1+len(adu.Pdu.Data))
	}
	return
}

// Encode serializes the ADU, recomputing the length field from the PDU.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 8
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	adu.Length = uint16(1 + 1 + len(adu.Pdu.Data))

	raw = make([]byte, length)
	raw[0] = byte(adu.TransactionID >> 8)
	raw[1] = byte(adu.TransactionID >> 0)
	raw[2] = byte(adu.ProtocolID >> 8)
	raw[3] = byte(adu.ProtocolID >> 0)
	raw[4] = byte(adu.Length >> 8)
	raw[5] = byte(adu.Length >> 0)
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}
