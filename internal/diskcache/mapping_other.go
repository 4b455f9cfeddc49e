/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build !unix

package diskcache

import (
	"io"
	"os"

	"goarrg.com/debug"
)

// heapMapping mirrors the file in memory and writes it back on Sync.
type heapMapping struct {
	file     *os.File
	writable bool
	data     []byte
}

var _ mapping = (*heapMapping)(nil)

func newMapping(file *os.File, size int64, writable bool) (mapping, error) {
	m := &heapMapping{file: file, writable: writable, data: make([]byte, size)}
	if _, err := file.ReadAt(m.data, 0); err != nil && err != io.EOF {
		return nil, debug.ErrorWrapf(err, "Failed to read %q", file.Name())
	}
	return m, nil
}

func (m *heapMapping) Bytes() []byte {
	return m.data
}

func (m *heapMapping) Resize(size int64) error {
	if !m.writable {
		return debug.Errorf("Cannot resize read only mapping of %q", m.file.Name())
	}
	data := make([]byte, size)
	copy(data, m.data)
	m.data = data
	if err := m.file.Truncate(size); err != nil {
		return debug.ErrorWrapf(err, "Failed to resize %q to %d bytes", m.file.Name(), size)
	}
	return nil
}

func (m *heapMapping) Sync() error {
	if !m.writable {
		return nil
	}
	if _, err := m.file.WriteAt(m.data, 0); err != nil {
		return debug.ErrorWrapf(err, "Failed to write %q", m.file.Name())
	}
	return nil
}

func (m *heapMapping) Close() error {
	err := m.Sync()
	m.data = nil
	return err
}
