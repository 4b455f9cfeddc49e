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
	"fmt"
)

// Device builds native pipeline objects. Implementations must be safe for
// concurrent use as creation may run on worker goroutines. cachedBlob is a
// hint from a previous run and may be stale, an implementation that cannot
// use it must return an error rather than a wrong pipeline.
type Device interface {
	CreateGraphicsPipelineState(desc *GraphicsDescriptor, cachedBlob []byte) (Handle, error)
	CreateComputePipelineState(desc *ComputeDescriptor, cachedBlob []byte) (Handle, error)
	ReleasePipelineState(h Handle)
}

// PipelineLibrary is optionally implemented by a Device that can store and
// reload whole pipelines by name. Names are derived from the combined hash and
// may be reused across runs by a different pipeline whose hash collides, Load
// must compare desc against the stored pipeline and report a miss when they
// differ.
type PipelineLibrary interface {
	LoadGraphicsPipeline(name string, desc *GraphicsDescriptor) (Handle, bool)
	LoadComputePipeline(name string, desc *ComputeDescriptor) (Handle, bool)
	StorePipeline(name string, h Handle) error
}

// BlobSerializer is optionally implemented by a Device that can export the
// compiled form of a pipeline, the blob is later passed back as cachedBlob.
type BlobSerializer interface {
	PipelineStateBlob(h Handle) ([]byte, error)
}

func pipelineName(kind string, hash uint64, ordinal uint32) string {
	if ordinal == 0 {
		return fmt.Sprintf("%s_%s", kind, toHex(hash))
	}
	return fmt.Sprintf("%s_%s_%d", kind, toHex(hash), ordinal)
}

func graphicsPipelineName(hash uint64, ordinal uint32) string {
	return pipelineName("graphics", hash, ordinal)
}

func computePipelineName(hash uint64, ordinal uint32) string {
	return pipelineName("compute", hash, ordinal)
}

// ErrorPipelineCreation is returned by PipelineState.Handle when the device
// failed to build the pipeline.
type ErrorPipelineCreation struct {
	Name string
	Err  error
}

func (e ErrorPipelineCreation) Error() string {
	return fmt.Sprintf("Failed to create pipeline %q: %v", e.Name, e.Err)
}

func (e ErrorPipelineCreation) Unwrap() error {
	return e.Err
}

func (ErrorPipelineCreation) Is(target error) bool {
	_, ok := target.(ErrorPipelineCreation)
	return ok
}
