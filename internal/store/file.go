// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"
	"os"
)

// FileStorage persists the state record with plain file operations.
type FileStorage struct {
	path string
	file *os.File
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load opens (creating if necessary) the backing file and decodes it.
func (fs *FileStorage) Load() (*State, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	fs.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize state file: %w", err)
		}
	}

	buf := make([]byte, totalSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return decodeState(buf)
}

// Save writes and syncs the record.
func (fs *FileStorage) Save(state *State) error {
	if fs.file == nil {
		return fmt.Errorf("store: state file not loaded")
	}
	buf := make([]byte, totalSize)
	encodeState(state, buf)

	if _, err := fs.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	return fs.file.Close()
}
