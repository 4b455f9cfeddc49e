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

// Package diskcache implements an append only blob file backed by a memory
// mapping. The file starts with a fixed size header followed by framed blobs:
//
//	[u32 magic][u32 version][u32 entry count][u32 payload bytes][u8 driver libraries][3 pad]
//	[u32 len][u32 tag][len bytes] ...
//
// All integers are little endian. The entry count and payload byte fields
// are rewritten in place as the file grows.
package diskcache

import (
	"os"
	"slices"
	"sync"

	"goarrg.com"
	"goarrg.com/debug"
	"goarrg.com/rhi/pso/internal/util"
)

const (
	HeaderSize      = 20
	FrameSize       = 8
	DefaultGrowSize = 1 << 20

	offsetMagic               = 0
	offsetVersion             = 4
	offsetEntryCount          = 8
	offsetTotalPayloadBytes   = 12
	offsetUsesDriverLibraries = 16

	maxPayloadBytes = 1<<32 - 1
)

type platform struct{}

func (platform) Abort()                           { panic("Fatal Error") }
func (platform) AbortPopup(f string, args ...any) { panic("Fatal Error") }

var instance = struct {
	platform goarrg.PlatformInterface
	logger   *debug.Logger
}{
	platform: platform{},
	logger:   debug.NewLogger("pso", "internal", "diskcache"),
}

func abort(fmt string, args ...any) {
	instance.logger.EPrintf(fmt, args...)
	instance.platform.Abort()
}

func Init(platform goarrg.PlatformInterface) {
	instance.platform = platform
}

type State uint32

const (
	StateUninitialized State = iota
	StateHeaderWritten
	StateHeaderValidated
	StateAppending
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateHeaderWritten:
		return "HeaderWritten"
	case StateHeaderValidated:
		return "HeaderValidated"
	case StateAppending:
		return "Appending"
	case StateClosed:
		return "Closed"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

type Options struct {
	Magic               uint32
	Version             uint32
	UsesDriverLibraries bool
	// GrowSize is the granularity the file grows by, values <= 0 use DefaultGrowSize.
	GrowSize int64
	ReadOnly bool
	// AnyDriverLibraries accepts files written with either driver library
	// setting, for tools that only inspect a cache.
	AnyDriverLibraries bool
}

type mapping interface {
	Bytes() []byte
	// Resize invalidates every slice previously returned by Bytes.
	Resize(size int64) error
	Sync() error
	Close() error
}

type header struct {
	magic               uint32
	version             uint32
	entryCount          RewritableValue[uint32]
	totalPayloadBytes   RewritableValue[uint32]
	usesDriverLibraries bool
}

// DiskCache is safe for concurrent use. Slices returned by GetDataAt and
// passed to Walk alias the mapping and are only valid until the next append
// grows the file, callers that need the bytes longer must copy them.
type DiskCache struct {
	mtx         sync.Mutex
	path        string
	opts        Options
	file        *os.File
	mapping     mapping
	header      header
	cursor      int64
	state       State
	err         error
	invalidated bool
}

var (
	_ util.HostWriter = (*DiskCache)(nil)
	_ util.HostReader = (*DiskCache)(nil)
)

// Open maps the file at path, creating it if needed. A file whose header does
// not match opts is considered stale: it is reset when writable and reported
// through Err when read only. Open never fails outright, any error is sticky
// and returned by every later operation.
func Open(path string, opts Options) *DiskCache {
	if opts.GrowSize <= 0 {
		opts.GrowSize = DefaultGrowSize
	}

	d := &DiskCache{
		path: path,
		opts: opts,
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		d.fail(debug.ErrorWrapf(err, "Failed to open disk cache"))
		return d
	}
	d.file = file

	info, err := file.Stat()
	if err != nil {
		d.fail(debug.ErrorWrapf(err, "Failed to stat disk cache"))
		return d
	}

	m, err := newMapping(file, info.Size(), !opts.ReadOnly)
	if err != nil {
		d.fail(err)
		return d
	}
	d.mapping = m

	if info.Size() == 0 {
		if opts.ReadOnly {
			d.invalidated = true
			d.fail(debug.Errorf("Disk cache %q is empty", path))
			return d
		}
		d.writeHeader()
		return d
	}

	if err := d.validateHeader(info.Size()); err != nil {
		d.invalidated = true
		if opts.ReadOnly {
			d.fail(err)
			return d
		}
		instance.logger.WPrintf("Disk cache %q is stale and will be rebuilt: %v", path, err)
		if err := d.mapping.Resize(0); err != nil {
			d.fail(err)
			return d
		}
		d.header = header{}
		d.writeHeader()
		return d
	}

	d.state = StateHeaderValidated
	instance.logger.VPrintf("Opened disk cache %q: %d entries, %d payload bytes",
		path, d.header.entryCount.Value, d.header.totalPayloadBytes.Value)
	return d
}

func (d *DiskCache) fail(err error) {
	if d.err != nil {
		return
	}
	d.err = err
	d.state = StateError
	instance.logger.WPrintf("Disk cache %q disabled: %v", d.path, err)
}

func (d *DiskCache) HostWrite(offset uintptr, data []byte) {
	copy(d.mapping.Bytes()[offset:], data)
}

func (d *DiskCache) HostRead(offset uintptr, data []byte) {
	copy(data, d.mapping.Bytes()[offset:])
}

func (d *DiskCache) ensureCapacity(size int64) error {
	if int64(len(d.mapping.Bytes())) >= size {
		return nil
	}
	grow := ((size + d.opts.GrowSize - 1) / d.opts.GrowSize) * d.opts.GrowSize
	instance.logger.VPrintf("Growing disk cache %q to %d bytes", d.path, grow)
	return d.mapping.Resize(grow)
}

func (d *DiskCache) writeHeader() {
	if err := d.ensureCapacity(HeaderSize); err != nil {
		d.fail(err)
		return
	}

	d.header.magic = d.opts.Magic
	d.header.version = d.opts.Version
	d.header.usesDriverLibraries = d.opts.UsesDriverLibraries

	cursor := uintptr(offsetMagic)
	cursor += util.HostWrite(d, cursor, d.header.magic)
	cursor += util.HostWrite(d, cursor, d.header.version)
	cursor += d.header.entryCount.Serialize(d, cursor)
	cursor += d.header.totalPayloadBytes.Serialize(d, cursor)

	flag := uint8(0)
	if d.header.usesDriverLibraries {
		flag = 1
	}
	cursor += util.HostWrite(d, cursor, flag)
	cursor += util.HostWriteSlice(d, cursor, make([]byte, HeaderSize-cursor))

	d.cursor = int64(cursor)
	d.state = StateHeaderWritten
}

func (d *DiskCache) validateHeader(size int64) error {
	if size < HeaderSize {
		return debug.Errorf("Truncated header: %d bytes", size)
	}

	d.header.magic = util.HostRead[uint32](d, offsetMagic)
	if d.header.magic != d.opts.Magic {
		return debug.Errorf("Magic mismatch: 0x%08x want 0x%08x", d.header.magic, d.opts.Magic)
	}
	d.header.version = util.HostRead[uint32](d, offsetVersion)
	if d.header.version != d.opts.Version {
		return debug.Errorf("Version mismatch: %d want %d", d.header.version, d.opts.Version)
	}
	d.header.entryCount.Deserialize(d, offsetEntryCount)
	d.header.totalPayloadBytes.Deserialize(d, offsetTotalPayloadBytes)
	d.header.usesDriverLibraries = util.HostRead[uint8](d, offsetUsesDriverLibraries) != 0
	if !d.opts.AnyDriverLibraries && d.header.usesDriverLibraries != d.opts.UsesDriverLibraries {
		return debug.Errorf("Driver library flag mismatch: %t want %t",
			d.header.usesDriverLibraries, d.opts.UsesDriverLibraries)
	}

	end := int64(HeaderSize) + int64(d.header.totalPayloadBytes.Value)
	if end > size {
		return debug.Errorf("Payload of %d bytes exceeds file size %d", d.header.totalPayloadBytes.Value, size)
	}

	for cursor := int64(HeaderSize); cursor < end; {
		if cursor+FrameSize > end {
			return debug.Errorf("Truncated frame at offset %d", cursor)
		}
		l := int64(util.HostRead[uint32](d, uintptr(cursor)))
		cursor += FrameSize + l
		if cursor > end {
			return debug.Errorf("Frame at offset %d overruns payload", cursor-FrameSize-l)
		}
	}

	d.cursor = end
	return nil
}

func (d *DiskCache) usable(write bool) error {
	if d.err != nil {
		return d.err
	}
	if d.state == StateClosed {
		return debug.Errorf("Disk cache %q is closed", d.path)
	}
	if write && d.opts.ReadOnly {
		return debug.Errorf("Disk cache %q is read only", d.path)
	}
	return nil
}

// AppendData writes a tagged blob at the end of the file and returns the
// offset of its first data byte.
func (d *DiskCache) AppendData(tag uint32, data []byte) (uint64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(true); err != nil {
		return 0, err
	}

	end := d.cursor + FrameSize + int64(len(data))
	if end-HeaderSize > maxPayloadBytes {
		d.fail(debug.Errorf("Disk cache %q is full", d.path))
		return 0, d.err
	}
	if err := d.ensureCapacity(end); err != nil {
		d.fail(err)
		return 0, d.err
	}

	cursor := uintptr(d.cursor)
	cursor += util.HostWrite(d, cursor, uint32(len(data)))
	cursor += util.HostWrite(d, cursor, tag)
	offset := uint64(cursor)
	util.HostWriteSlice(d, cursor, data)

	d.cursor = end
	d.header.totalPayloadBytes.Value = uint32(end - HeaderSize)
	d.header.totalPayloadBytes.Serialize(d, 0)
	d.state = StateAppending
	return offset, nil
}

func (d *DiskCache) frameAt(offset uint64) (uint32, []byte, error) {
	if offset < HeaderSize+FrameSize || int64(offset) > d.cursor {
		return 0, nil, debug.Errorf("Offset %d is outside of the payload [%d, %d]", offset, HeaderSize+FrameSize, d.cursor)
	}
	l := uint64(util.HostRead[uint32](d, uintptr(offset-FrameSize)))
	tag := util.HostRead[uint32](d, uintptr(offset-FrameSize+4))
	if int64(offset+l) > d.cursor {
		return 0, nil, debug.Errorf("Blob at offset %d of %d bytes overruns payload", offset, l)
	}
	return tag, d.mapping.Bytes()[offset : offset+l : offset+l], nil
}

// GetDataAt returns the blob whose data starts at offset.
func (d *DiskCache) GetDataAt(offset uint64) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(false); err != nil {
		return nil, err
	}
	_, data, err := d.frameAt(offset)
	return data, err
}

// ReadDataAt is GetDataAt returning a copy that stays valid across growth.
func (d *DiskCache) ReadDataAt(offset uint64) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(false); err != nil {
		return nil, err
	}
	_, data, err := d.frameAt(offset)
	if err != nil {
		return nil, err
	}
	return slices.Clone(data), nil
}

func (d *DiskCache) TagAt(offset uint64) (uint32, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(false); err != nil {
		return 0, err
	}
	tag, _, err := d.frameAt(offset)
	return tag, err
}

// Walk visits every blob in append order until fn returns false. fn runs with
// the cache locked and must not call back into it.
func (d *DiskCache) Walk(fn func(offset uint64, tag uint32, data []byte) bool) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(false); err != nil {
		return err
	}

	for cursor := uint64(HeaderSize); int64(cursor) < d.cursor; {
		tag, data, err := d.frameAt(cursor + FrameSize)
		if err != nil {
			return err
		}
		if !fn(cursor+FrameSize, tag, data) {
			return nil
		}
		cursor += FrameSize + uint64(len(data))
	}
	return nil
}

func (d *DiskCache) IncrementEntryCount() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(true); err != nil {
		return err
	}
	d.header.entryCount.Value++
	d.header.entryCount.Serialize(d, 0)
	return nil
}

func (d *DiskCache) EntryCount() uint32 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.header.entryCount.Value
}

func (d *DiskCache) TotalPayloadBytes() uint32 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.header.totalPayloadBytes.Value
}

func (d *DiskCache) UsesDriverLibraries() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.header.usesDriverLibraries
}

func (d *DiskCache) Version() uint32 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.header.version
}

func (d *DiskCache) Path() string {
	return d.path
}

func (d *DiskCache) State() State {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.state
}

// Err returns the first error the cache ran into, once set the cache refuses
// every further read and write.
func (d *DiskCache) Err() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.err
}

// Invalidated reports whether Open found an existing file that did not match
// the requested options.
func (d *DiskCache) Invalidated() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.invalidated
}

func (d *DiskCache) Flush() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.usable(false); err != nil {
		return err
	}
	if err := d.mapping.Sync(); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

// Close syncs the mapping and trims the file to the last written byte.
func (d *DiskCache) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.state == StateClosed {
		return nil
	}

	var ret error
	if d.mapping != nil {
		if err := d.mapping.Close(); err != nil {
			ret = err
		}
	}
	if d.file != nil {
		if !d.opts.ReadOnly && d.err == nil && ret == nil {
			if err := d.file.Truncate(d.cursor); err != nil {
				ret = debug.ErrorWrapf(err, "Failed to trim disk cache %q", d.path)
			}
		}
		if err := d.file.Close(); err != nil && ret == nil {
			ret = debug.ErrorWrapf(err, "Failed to close disk cache %q", d.path)
		}
	}

	d.state = StateClosed
	d.mapping = nil
	d.file = nil
	return ret
}
