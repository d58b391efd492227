// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the smallest valid ADU: slave id, function code, CRC.
	MinSize = 4
	// MaxSize bounds the receive buffer; RTU caps ADUs at 256 bytes.
	MaxSize = 256

	// ExceptionSize is the length of an exception response ADU:
	// slave id, function code | 0x80, exception code, CRC.
	ExceptionSize = 5
)
