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
	"context"
	"sync"

	"goarrg.com/debug"
	"golang.org/x/sync/semaphore"
)

type creationArgs interface {
	isCreationArgs()
}

// graphicsCreationArgs points into the tier-2 entry being built, the entry is
// inserted before the task runs and outlives it.
type graphicsCreationArgs struct {
	desc       *GraphicsDescriptor
	library    PipelineLibrary
	cachedBlob []byte
}

type computeCreationArgs struct {
	desc       *ComputeDescriptor
	library    PipelineLibrary
	cachedBlob []byte
}

func (graphicsCreationArgs) isCreationArgs() {}
func (computeCreationArgs) isCreationArgs()  {}

type creationTask struct {
	device Device
	state  *PipelineState
	args   creationArgs

	// onComplete runs before the state is resolved so cache bookkeeping is
	// visible to anyone woken by it.
	onComplete func(h Handle, err error)
}

func (t *creationTask) doWork() {
	var h Handle
	var err error

	switch args := t.args.(type) {
	case graphicsCreationArgs:
		h, err = create(t.state.name, args.library, args.cachedBlob,
			func(library PipelineLibrary) (Handle, bool) {
				return library.LoadGraphicsPipeline(t.state.name, args.desc)
			},
			func(blob []byte) (Handle, error) {
				return t.device.CreateGraphicsPipelineState(args.desc, blob)
			},
		)
	case computeCreationArgs:
		h, err = create(t.state.name, args.library, args.cachedBlob,
			func(library PipelineLibrary) (Handle, bool) {
				return library.LoadComputePipeline(t.state.name, args.desc)
			},
			func(blob []byte) (Handle, error) {
				return t.device.CreateComputePipelineState(args.desc, blob)
			},
		)
	default:
		abort("Unknown creation args: %T", args)
	}

	if err == nil && h == 0 {
		err = ErrorPipelineCreation{Name: t.state.name, Err: debug.Errorf("Device returned a null handle")}
	} else if err != nil {
		err = ErrorPipelineCreation{Name: t.state.name, Err: err}
	}
	if err != nil {
		instance.logger.WPrintf("%s", err)
	} else {
		instance.logger.VPrintf("Created pipeline: %s [%s]", t.state.name, toHex(h))
	}

	if t.onComplete != nil {
		t.onComplete(h, err)
	}
	t.state.complete(h, err)
}

// create tries the library, then the device with the cached blob and finally
// the device without it, as a stale blob must never fail a request.
func create(name string, library PipelineLibrary, cachedBlob []byte,
	load func(PipelineLibrary) (Handle, bool), build func([]byte) (Handle, error),
) (Handle, error) {
	if library != nil {
		if h, ok := load(library); ok {
			instance.logger.VPrintf("Loaded pipeline from library: %s", name)
			return h, nil
		}
	}

	h, err := build(cachedBlob)
	if err != nil && cachedBlob != nil {
		instance.logger.WPrintf("Cached blob rejected for pipeline %s, retrying without it: %v", name, err)
		h, err = build(nil)
	}
	if err != nil {
		return 0, err
	}

	if library != nil {
		if err := library.StorePipeline(name, h); err != nil {
			instance.logger.WPrintf("Failed to store pipeline %s in library: %v", name, err)
		}
	}
	return h, nil
}

// workerPool runs creation tasks on goroutines, at most n at a time. Tasks
// are never cancelled.
type workerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(n int) *workerPool {
	return &workerPool{sem: semaphore.NewWeighted(int64(n))}
}

func (p *workerPool) dispatch(t *creationTask) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		t.doWork()
	}()
}

func (p *workerPool) wait() {
	p.wg.Wait()
}
