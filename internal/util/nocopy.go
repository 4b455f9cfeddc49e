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
	"sync/atomic"

	"goarrg.com/debug"
)

// NoCopy detects values copied after Init. The address is stored atomically
// so Check may race with Close from another goroutine.
type NoCopy struct {
	addr atomic.Pointer[NoCopy]
}

func (n *NoCopy) Init() {
	if !n.addr.CompareAndSwap(nil, n) {
		abort("init called on non zero value")
	}
}

func (n *NoCopy) Check() {
	if n.addr.Load() != n {
		abort("Illegal copy by value or use of zero/dead value: \n%s", debug.StackTrace(0))
	}
}

func (n *NoCopy) Alive() bool {
	return n.addr.Load() == n
}

func (n *NoCopy) Close() {
	n.addr.Store(nil)
}

func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}
