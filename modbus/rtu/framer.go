// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/grid-x/serial"

	"modbus-bridge/modbus"
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
	stateSilence
)

type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// CalculateResponseLength returns the expected length of the response ADU
// for the given request ADU, or -1 when the length cannot be known up front
// and the frame must be delimited by line silence instead.
func CalculateResponseLength(adu []byte) int {
	length := MinSize
	switch adu[1] {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Fixed echo: address + value/quantity.
		length += 4
	default:
		return -1
	}
	return length
}

// ReadResponse reads one response ADU incrementally from r.
//
// Delimiting is hybrid, since RTU frames carry no terminator: function codes
// with a declared byte-count field are read to 3+count+2 bytes, fixed-reply
// write echoes to 8 bytes, and anything else falls back to inter-byte
// silence (a read timeout from the port after at least one byte has
// arrived). An exception frame (function code | 0x80) is recognized in any
// mode and read to its fixed 5 bytes.
//
// Bytes preceding the expected slave id are discarded: they are stale bus
// noise or the tail of an earlier aborted transaction. Quiet-line read
// errors (port timeouts, EOF) before the deadline are treated as "no data
// yet"; the deadline itself maps to modbus.ErrTimeout. Any other read error
// means the port itself failed and is returned wrapped.
func ReadResponse(r io.Reader, slaveID, functionCode byte, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	buf := make([]byte, 1)
	data := make([]byte, MaxSize)

	state := stateSlaveID
	var length, toRead byte
	var n, crcCount int

	for {
		if time.Now().After(deadline) {
			return nil, modbus.ErrTimeout
		}

		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			// In silence mode a quiet line after >= MinSize bytes is
			// the frame terminator, not an error.
			if state == stateSilence && n >= MinSize {
				return data[:n], nil
			}
			if !quietLine(err) {
				return nil, fmt.Errorf("serial read failed: %w", err)
			}
			// Pace retries: a port whose reads return instantly must
			// not spin until the deadline.
			time.Sleep(quietPollInterval)
			continue
		}

		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			switch {
			case buf[0] == functionCode:
				switch functionCode {
				case modbus.FuncCodeReadCoils,
					modbus.FuncCodeReadDiscreteInputs,
					modbus.FuncCodeReadHoldingRegisters,
					modbus.FuncCodeReadInputRegisters:
					state = stateReadLength
				case modbus.FuncCodeWriteSingleCoil,
					modbus.FuncCodeWriteSingleRegister,
					modbus.FuncCodeWriteMultipleCoils,
					modbus.FuncCodeWriteMultipleRegisters:
					state = stateReadPayload
					toRead = 4
				default:
					state = stateSilence
				}
				data[n] = buf[0]
				n++
			case buf[0] == functionCode|0x80:
				// Exception frame, fixed size regardless of the
				// normally expected length.
				state = stateReadPayload
				data[n] = buf[0]
				n++
				toRead = 1
			default:
				// Not our frame; resynchronize.
				state = stateSlaveID
				n = 0
			}
		case stateReadLength:
			length = buf[0]
			if length > MaxSize-5 || length == 0 {
				return nil, &InvalidLengthError{Length: length}
			}
			toRead = length
			data[n] = length
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		case stateSilence:
			if n >= MaxSize {
				return data[:n], nil
			}
			data[n] = buf[0]
			n++
		}
	}
}

// quietPollInterval paces retries after a quiet-line read.
const quietPollInterval = time.Millisecond

// quietLine reports whether a read error means the line is merely quiet
// (no byte arrived within the port's read timeout) rather than the port
// being broken. Unplugged adapters and closed descriptors fail with other
// errors and must surface to the caller.
func quietLine(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, serial.ErrTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
