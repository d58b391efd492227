// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Function Codes
const (
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
)

// Exception Codes
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

// Failure modes of a bus transaction. The TCP translator maps each of these
// to a synthesized exception response rather than closing the connection.
var (
	// ErrTimeout is returned when the slave does not answer within the
	// configured response timeout.
	ErrTimeout = errors.New("modbus: request timed out")

	// ErrCRCMismatch is returned when a response was received but its
	// checksum never validated before timeout or buffer capacity ran out.
	ErrCRCMismatch = errors.New("modbus: response crc mismatch")

	// ErrBusBusy is returned when the bus lock could not be acquired
	// within the configured bound.
	ErrBusBusy = errors.New("modbus: bus busy")

	// ErrMalformedFrame is returned for frames that cannot be decoded
	// (bad MBAP header, implausible length, undersized ADU).
	ErrMalformedFrame = errors.New("modbus: malformed frame")
)

// ExceptionError is an exception response reported by the slave device
// itself, as opposed to a failure synthesized by the gateway.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception '%d' on function '%d'", e.ExceptionCode, e.FunctionCode&0x7F)
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsWriteFunction reports whether code mutates slave state. Write
// transactions get the longer response timeout.
func IsWriteFunction(code byte) bool {
	switch code {
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		return true
	}
	return false
}

// IsSupportedFunction reports whether the gateway forwards code at all.
func IsSupportedFunction(code byte) bool {
	switch code {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		return true
	}
	return false
}
