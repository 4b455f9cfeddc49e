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

package diskcache

import (
	"unsafe"

	"goarrg.com/rhi/pso/internal/util"
)

// RewritableValue is a value stored at a fixed offset that may be rewritten
// without touching the append cursor. An offset of 0 means the value has not
// been positioned yet, the first Serialize or Deserialize fixes it for the
// lifetime of the value.
type RewritableValue[T util.Unsigned] struct {
	Value  T
	offset uintptr
}

func (v *RewritableValue[T]) Offset() uintptr {
	return v.offset
}

func (v *RewritableValue[T]) Positioned() bool {
	return v.offset != 0
}

// Serialize writes the value and returns how far the caller's cursor should
// advance, which is 0 once the value has been positioned.
func (v *RewritableValue[T]) Serialize(w util.HostWriter, cursor uintptr) uintptr {
	if v.offset == 0 {
		if cursor == 0 {
			abort("RewritableValue cannot be positioned at offset 0")
		}
		v.offset = cursor
		return util.HostWrite(w, cursor, v.Value)
	}
	util.HostWrite(w, v.offset, v.Value)
	return 0
}

func (v *RewritableValue[T]) Deserialize(r util.HostReader, cursor uintptr) uintptr {
	if v.offset != 0 && v.offset != cursor {
		abort("RewritableValue already positioned at %d, cannot read it from %d", v.offset, cursor)
	}
	v.offset = cursor
	v.Value = util.HostRead[T](r, cursor)
	return unsafe.Sizeof(v.Value)
}
