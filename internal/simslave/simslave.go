// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simslave is a simulated Modbus RTU slave sitting behind an
// in-memory serial port. Engine and gateway tests drive real request
// frames through it; knobs make it silent, slow, or corrupt for the
// failure paths.
package simslave

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"modbus-bridge/modbus"
	"modbus-bridge/modbus/crc"
)

// ErrReadTimeout stands in for a serial port read timeout: the line was
// quiet for the configured idle window. It is timeout-classed, like the
// errors real ports return when no byte arrives.
var ErrReadTimeout error = readTimeoutError{}

type readTimeoutError struct{}

func (readTimeoutError) Error() string { return "simslave: read timeout" }
func (readTimeoutError) Timeout() bool { return true }

// Port is an io.ReadWriteCloser that behaves like a serial port wired to a
// single slave device.
type Port struct {
	SlaveID byte

	// Silent drops requests without answering (response timeout tests).
	Silent bool
	// CorruptCRC flips the last CRC byte of every response.
	CorruptCRC bool
	// ResponseDelay postpones the response becoming readable.
	ResponseDelay time.Duration
	// ReadIdle is how long Read waits for data before reporting a
	// timeout. Defaults to 5ms.
	ReadIdle time.Duration

	mu         sync.Mutex
	rx         bytes.Buffer
	rxReady    time.Time
	writes     [][]byte
	violations int
	closed     bool

	holding [65536]uint16
	coils   [65536]byte
}

func New(slaveID byte) *Port {
	return &Port{SlaveID: slaveID, ReadIdle: 5 * time.Millisecond}
}

// SetHolding seeds a holding register.
func (p *Port) SetHolding(address, value uint16) {
	p.mu.Lock()
	p.holding[address] = value
	p.mu.Unlock()
}

// Holding reads a holding register back out.
func (p *Port) Holding(address uint16) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holding[address]
}

// Writes returns every frame received so far.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Violations counts requests that arrived while a previous response was
// still pending on the line: evidence of interleaved transactions.
func (p *Port) Violations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violations
}

func (p *Port) Read(b []byte) (int, error) {
	idle := p.ReadIdle
	if idle <= 0 {
		idle = 5 * time.Millisecond
	}
	deadline := time.Now().Add(idle)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("simslave: port closed")
		}
		if p.rx.Len() > 0 && !time.Now().Before(p.rxReady) {
			n, _ := p.rx.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, ErrReadTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("simslave: port closed")
	}

	frame := make([]byte, len(b))
	copy(frame, b)
	p.writes = append(p.writes, frame)

	if p.rx.Len() > 0 {
		// A new request before the previous response was consumed:
		// two transactions were on the wire at once.
		p.violations++
	}

	if p.Silent {
		return len(b), nil
	}

	resp := p.process(frame)
	if resp == nil {
		return len(b), nil
	}
	if p.CorruptCRC {
		resp[len(resp)-1] ^= 0xFF
	}
	p.rx.Write(resp)
	p.rxReady = time.Now().Add(p.ResponseDelay)
	return len(b), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// process validates one request ADU and produces the response ADU. Caller
// holds the mutex.
func (p *Port) process(frame []byte) []byte {
	if len(frame) < 4 || frame[0] != p.SlaveID {
		return nil
	}
	var c crc.CRC
	c.Reset().PushBytes(frame[:len(frame)-2])
	sum := uint16(frame[len(frame)-1])<<8 | uint16(frame[len(frame)-2])
	if sum != c.Value() {
		return nil
	}

	fc := frame[1]
	data := frame[2 : len(frame)-2]

	var pdu modbus.ProtocolDataUnit
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		pdu = p.readBits(fc, data)
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		pdu = p.readRegisters(fc, data)
	case modbus.FuncCodeWriteSingleCoil:
		pdu = p.writeSingleCoil(data)
	case modbus.FuncCodeWriteSingleRegister:
		pdu = p.writeSingleRegister(data)
	case modbus.FuncCodeWriteMultipleCoils:
		pdu = p.writeMultipleCoils(data)
	case modbus.FuncCodeWriteMultipleRegisters:
		pdu = p.writeMultipleRegisters(data)
	default:
		pdu = exception(fc, modbus.ExceptionCodeIllegalFunction)
	}

	out := make([]byte, 2+len(pdu.Data))
	out[0] = p.SlaveID
	out[1] = pdu.FunctionCode
	copy(out[2:], pdu.Data)
	c.Reset().PushBytes(out)
	sum = c.Value()
	return append(out, byte(sum), byte(sum>>8))
}

func (p *Port) readBits(fc byte, data []byte) modbus.ProtocolDataUnit {
	if len(data) != 4 {
		return exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	if quantity < 1 || quantity > 2000 || int(address)+int(quantity) > len(p.coils) {
		return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
	}

	byteCount := (int(quantity) + 7) / 8
	out := make([]byte, 1+byteCount)
	out[0] = byte(byteCount)
	for i := 0; i < int(quantity); i++ {
		if p.coils[int(address)+i] != 0 {
			out[1+i/8] |= 1 << uint(i%8)
		}
	}
	return modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
}

func (p *Port) readRegisters(fc byte, data []byte) modbus.ProtocolDataUnit {
	if len(data) != 4 {
		return exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	if quantity < 1 || quantity > 125 || int(address)+int(quantity) > len(p.holding) {
		return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
	}

	out := make([]byte, 1+quantity*2)
	out[0] = byte(quantity * 2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(out[1+i*2:], p.holding[int(address)+i])
	}
	return modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
}

func (p *Port) writeSingleCoil(data []byte) modbus.ProtocolDataUnit {
	if len(data) != 4 {
		return exception(modbus.FuncCodeWriteSingleCoil, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	switch binary.BigEndian.Uint16(data[2:4]) {
	case 0xFF00:
		p.coils[address] = 1
	case 0x0000:
		p.coils[address] = 0
	default:
		return exception(modbus.FuncCodeWriteSingleCoil, modbus.ExceptionCodeIllegalDataValue)
	}
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleCoil, Data: data}
}

func (p *Port) writeSingleRegister(data []byte) modbus.ProtocolDataUnit {
	if len(data) != 4 {
		return exception(modbus.FuncCodeWriteSingleRegister, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	p.holding[address] = binary.BigEndian.Uint16(data[2:4])
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleRegister, Data: data}
}

func (p *Port) writeMultipleCoils(data []byte) modbus.ProtocolDataUnit {
	if len(data) < 6 {
		return exception(modbus.FuncCodeWriteMultipleCoils, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if quantity < 1 || quantity > 1968 || byteCount != len(data)-5 || int(address)+int(quantity) > len(p.coils) {
		return exception(modbus.FuncCodeWriteMultipleCoils, modbus.ExceptionCodeIllegalDataValue)
	}
	for i := 0; i < int(quantity); i++ {
		p.coils[int(address)+i] = (data[5+i/8] >> uint(i%8)) & 1
	}
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleCoils, Data: data[0:4]}
}

func (p *Port) writeMultipleRegisters(data []byte) modbus.ProtocolDataUnit {
	if len(data) < 6 {
		return exception(modbus.FuncCodeWriteMultipleRegisters, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if quantity < 1 || quantity > 123 || byteCount != int(quantity)*2 || byteCount != len(data)-5 ||
		int(address)+int(quantity) > len(p.holding) {
		return exception(modbus.FuncCodeWriteMultipleRegisters, modbus.ExceptionCodeIllegalDataValue)
	}
	for i := 0; i < int(quantity); i++ {
		p.holding[int(address)+i] = binary.BigEndian.Uint16(data[5+i*2:])
	}
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: data[0:4]}
}

func exception(fc, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: fc | 0x80,
		Data:         []byte{code},
	}
}
