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

//go:build unix

package diskcache

import (
	"os"

	"goarrg.com/debug"
	"golang.org/x/sys/unix"
)

type mmapMapping struct {
	file     *os.File
	writable bool
	data     []byte
}

var _ mapping = (*mmapMapping)(nil)

func newMapping(file *os.File, size int64, writable bool) (mapping, error) {
	m := &mmapMapping{file: file, writable: writable}
	if size > 0 {
		if err := m.mmap(size); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *mmapMapping) mmap(size int64) error {
	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return debug.ErrorWrapf(err, "Failed to map %q [%d bytes]", m.file.Name(), size)
	}
	m.data = data
	return nil
}

func (m *mmapMapping) unmap() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return debug.ErrorWrapf(err, "Failed to unmap %q", m.file.Name())
	}
	return nil
}

func (m *mmapMapping) Bytes() []byte {
	return m.data
}

func (m *mmapMapping) Resize(size int64) error {
	if !m.writable {
		return debug.Errorf("Cannot resize read only mapping of %q", m.file.Name())
	}
	if err := m.Sync(); err != nil {
		return err
	}
	if err := m.unmap(); err != nil {
		return err
	}
	if err := m.file.Truncate(size); err != nil {
		return debug.ErrorWrapf(err, "Failed to resize %q to %d bytes", m.file.Name(), size)
	}
	if size == 0 {
		return nil
	}
	return m.mmap(size)
}

func (m *mmapMapping) Sync() error {
	if !m.writable || m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return debug.ErrorWrapf(err, "Failed to sync %q", m.file.Name())
	}
	return nil
}

func (m *mmapMapping) Close() error {
	if err := m.Sync(); err != nil {
		_ = m.unmap()
		return err
	}
	return m.unmap()
}
