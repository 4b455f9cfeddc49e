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

package util

import (
	"encoding/binary"
	"unsafe"

	"goarrg.com"
	"goarrg.com/debug"
)

type platform struct{}

func (platform) Abort()                           { panic("Fatal Error") }
func (platform) AbortPopup(f string, args ...any) { panic("Fatal Error") }

var instance = struct {
	platform goarrg.PlatformInterface
	logger   *debug.Logger
}{
	platform: platform{},
	logger:   debug.NewLogger("pso", "internal", "util"),
}

func abort(fmt string, args ...any) {
	instance.logger.EPrintf(fmt, args...)
	instance.platform.Abort()
}

func Init(platform goarrg.PlatformInterface) {
	instance.platform = platform
}

type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

type HostWriter interface {
	HostWrite(offset uintptr, data []byte)
}

type HostReader interface {
	HostRead(offset uintptr, data []byte)
}

// HostWrite stores data little endian at offset and returns the number of bytes written.
func HostWrite[T Unsigned](target HostWriter, offset uintptr, data T) uintptr {
	var buff [8]byte
	binary.LittleEndian.PutUint64(buff[:], uint64(data))
	target.HostWrite(offset, buff[:unsafe.Sizeof(data)])
	return unsafe.Sizeof(data)
}

func HostWriteSlice(target HostWriter, offset uintptr, data []byte) uintptr {
	target.HostWrite(offset, data)
	return uintptr(len(data))
}

func HostRead[T Unsigned](source HostReader, offset uintptr) T {
	var ret T
	var buff [8]byte
	sz := unsafe.Sizeof(ret)
	source.HostRead(offset, buff[:sz])
	return T(binary.LittleEndian.Uint64(buff[:]))
}
