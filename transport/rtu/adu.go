// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"modbus-bridge/modbus"
	"modbus-bridge/modbus/crc"
	rtupacket "modbus-bridge/modbus/rtu"
)

// ApplicationDataUnit is an RTU frame: slave id, PDU, CRC.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode parses and CRC-validates a raw RTU frame.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < rtupacket.MinSize {
		err = fmt.Errorf("%w: length '%v' does not meet minimum '%v'", modbus.ErrMalformedFrame, length, rtupacket.MinSize)
		return
	}

	// Calculate checksum
	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != c.Value() {
		err = fmt.Errorf("%w: received '%04x', expected '%04x'", modbus.ErrCRCMismatch, checksum, c.Value())
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes, low byte first
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > rtupacket.MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, rtupacket.MaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	// Append crc
	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := c.Value()

	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// Verify checks a decoded response against the request.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	// Slave address must match
	if req.SlaveID != resp.SlaveID {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	return
}
