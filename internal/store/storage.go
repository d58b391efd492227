// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"

	"modbus-bridge/internal/config"
)

// State is the small durable record of the bridge: diagnostic counters and
// the UART settings, so both survive restarts. Flushed periodically and at
// shutdown; torn in-flight values are acceptable for counters.
type State struct {
	RequestCount uint64
	ErrorCount   uint64
	Serial       config.SerialConfig
}

// Storage persists the bridge state.
type Storage interface {
	// Load loads the persisted state. A nil state with nil error means
	// nothing was stored yet.
	Load() (*State, error)

	// Save persists the current state.
	Save(state *State) error

	Close() error
}

// New selects a backend from config.
func New(cfg config.StoreConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: file backend requires a path")
		}
		return NewFileStorage(cfg.Path), nil
	case "mmap":
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: mmap backend requires a path")
		}
		return NewMmapStorage(cfg.Path), nil
	default:
		return nil, fmt.Errorf("store: unknown backend type %q", cfg.Type)
	}
}
