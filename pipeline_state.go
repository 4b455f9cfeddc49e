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

package pso

import (
	"sync/atomic"

	"goarrg.com/debug"
	"goarrg.com/rhi/pso/internal/util"
)

// PipelineState owns one native pipeline. It is shared by pointer between the
// cache and every requester, the handle is resolved once whether it was built
// inline or by a worker.
type PipelineState struct {
	noCopy util.NoCopy
	name   string
	done   chan struct{}

	// written once before done is closed
	handle Handle
	err    error

	released atomic.Bool
}

func newPipelineState(name string) *PipelineState {
	p := PipelineState{
		name: name,
		done: make(chan struct{}),
	}
	p.noCopy.Init()
	return &p
}

func (p *PipelineState) Name() string {
	p.noCopy.Check()
	return p.name
}

// Poll reports whether creation has finished without blocking.
func (p *PipelineState) Poll() bool {
	p.noCopy.Check()
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *PipelineState) Wait() {
	p.noCopy.Check()
	<-p.done
}

// Handle blocks until creation has finished. A failed creation returns an
// ErrorPipelineCreation, never a null handle without an error.
func (p *PipelineState) Handle() (Handle, error) {
	p.Wait()
	if p.released.Load() {
		return 0, debug.Errorf("Pipeline %q has been released", p.name)
	}
	return p.handle, p.err
}

func (p *PipelineState) failed() bool {
	if !p.Poll() {
		return false
	}
	return p.err != nil
}

func (p *PipelineState) complete(h Handle, err error) {
	p.noCopy.Check()
	p.handle = h
	p.err = err
	close(p.done)
}

// release waits for creation and hands the native handle back to the device,
// only the first call has any effect.
func (p *PipelineState) release(device Device) {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.Wait()
	if p.err == nil && p.handle != 0 {
		instance.logger.VPrintf("Releasing pipeline: %s", p.name)
		device.ReleasePipelineState(p.handle)
	}
}

func (p *PipelineState) Released() bool {
	return p.released.Load()
}
