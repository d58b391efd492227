// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

// CRC computes the 16-bit cyclic redundancy check used by Modbus RTU:
// polynomial 0xA001 (reflected 0x8005), initial register 0xFFFF.
type CRC struct {
	value uint16
}

// Reset initializes the register. Must be called before pushing data.
func (crc *CRC) Reset() *CRC {
	crc.value = 0xFFFF
	return crc
}

// PushBytes updates the checksum with data.
func (crc *CRC) PushBytes(data []byte) *CRC {
	for _, b := range data {
		crc.value ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc.value&1 != 0 {
				crc.value = (crc.value >> 1) ^ 0xA001
			} else {
				crc.value >>= 1
			}
		}
	}
	return crc
}

// Value returns the current checksum. The Modbus wire order is low byte
// first, which is the caller's concern.
func (crc *CRC) Value() uint16 {
	return crc.value
}
