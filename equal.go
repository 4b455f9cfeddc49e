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
	"bytes"
	"math"
	"slices"
	"unsafe"
)

type equalOptions struct {
	// verifyBytecode additionally compares raw bytecode, debug only.
	verifyBytecode bool
	// rootSignatureByHash compares root signatures by content hash, used for
	// records loaded from disk where the pointer is meaningless.
	rootSignatureByHash bool
}

func sameBacking[E any](a, b []E) bool {
	return len(a) == len(b) && unsafe.SliceData(a) == unsafe.SliceData(b)
}

func sameRootSignature(a, b *RootSignature, byHash bool) bool {
	if a == b {
		return true
	}
	if !byHash || a == nil || b == nil {
		return false
	}
	return a.hash == b.hash
}

func rasterizerEqual(a, b *RasterizerDesc) bool {
	return a.FillMode == b.FillMode &&
		a.CullMode == b.CullMode &&
		a.FrontFace == b.FrontFace &&
		a.DepthBias == b.DepthBias &&
		math.Float32bits(a.DepthBiasClamp) == math.Float32bits(b.DepthBiasClamp) &&
		math.Float32bits(a.SlopeScaledDepthBias) == math.Float32bits(b.SlopeScaledDepthBias) &&
		a.DepthClipEnable == b.DepthClipEnable &&
		a.MultisampleEnable == b.MultisampleEnable &&
		a.AntialiasedLineEnable == b.AntialiasedLineEnable &&
		a.ForcedSampleCount == b.ForcedSampleCount &&
		a.ConservativeRaster == b.ConservativeRaster
}

// EqualGraphics reports whether a and b describe the same pipeline. Cheap
// scalar fields are compared first, then the fixed state, then shader hashes
// and finally the variable length arrays when they do not share storage.
func EqualGraphics(a, b *GraphicsDescriptor) bool {
	return equalGraphics(a, b, equalOptions{})
}

func equalGraphics(a, b *GraphicsDescriptor, opts equalOptions) bool {
	if a == b {
		return true
	}

	as, bs := a.stages(), b.stages()
	for i := range as {
		if as[i].Len() != bs[i].Len() {
			return false
		}
	}
	if a.NumRenderTargets != b.NumRenderTargets ||
		a.Flags != b.Flags ||
		a.PrimitiveTopologyType != b.PrimitiveTopologyType ||
		a.NodeMask != b.NodeMask ||
		a.SampleMask != b.SampleMask ||
		a.SampleDesc != b.SampleDesc ||
		a.DSVFormat != b.DSVFormat ||
		len(a.InputLayout) != len(b.InputLayout) ||
		len(a.StreamOutput.Entries) != len(b.StreamOutput.Entries) ||
		len(a.StreamOutput.BufferStrides) != len(b.StreamOutput.BufferStrides) ||
		a.StreamOutput.RasterizedStream != b.StreamOutput.RasterizedStream {
		return false
	}
	if !sameRootSignature(a.RootSignature, b.RootSignature, opts.rootSignatureByHash) {
		return false
	}
	for i := uint32(0); i < min(a.NumRenderTargets, MaxRenderTargets); i++ {
		if a.RTFormats[i] != b.RTFormats[i] {
			return false
		}
	}

	if a.Blend != b.Blend ||
		!rasterizerEqual(&a.Rasterizer, &b.Rasterizer) ||
		a.DepthStencil != b.DepthStencil {
		return false
	}

	for i := range as {
		if as[i].Hash != bs[i].Hash {
			return false
		}
	}
	if opts.verifyBytecode {
		for i := range as {
			if !bytes.Equal(as[i].Code, bs[i].Code) {
				instance.logger.WPrintf("Shader %s bytecode differs with matching hash %s", ShaderStage(i), as[i].Hash)
				return false
			}
		}
	}

	if !sameBacking(a.InputLayout, b.InputLayout) && !slices.Equal(a.InputLayout, b.InputLayout) {
		return false
	}
	if !sameBacking(a.StreamOutput.Entries, b.StreamOutput.Entries) &&
		!slices.Equal(a.StreamOutput.Entries, b.StreamOutput.Entries) {
		return false
	}
	if !sameBacking(a.StreamOutput.BufferStrides, b.StreamOutput.BufferStrides) &&
		!slices.Equal(a.StreamOutput.BufferStrides, b.StreamOutput.BufferStrides) {
		return false
	}

	return true
}

func EqualCompute(a, b *ComputeDescriptor) bool {
	return equalCompute(a, b, equalOptions{})
}

func equalCompute(a, b *ComputeDescriptor, opts equalOptions) bool {
	if a == b {
		return true
	}
	if a.CS.Len() != b.CS.Len() ||
		a.NodeMask != b.NodeMask ||
		a.Flags != b.Flags ||
		!sameRootSignature(a.RootSignature, b.RootSignature, opts.rootSignatureByHash) ||
		a.CS.Hash != b.CS.Hash {
		return false
	}
	if opts.verifyBytecode && !bytes.Equal(a.CS.Code, b.CS.Code) {
		instance.logger.WPrintf("Shader %s bytecode differs with matching hash %s", ShaderStageCompute, a.CS.Hash)
		return false
	}
	return true
}

// EqualHighLevel compares state objects by address and never looks through
// them.
func EqualHighLevel(a, b HighLevelDescriptor) bool {
	return a.normalized() == b.normalized()
}
