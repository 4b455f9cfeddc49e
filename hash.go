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
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
)

// The writers below are shared by the hashes and the disk records so both
// see the fields in the same encoding.

func writeUint8(w io.Writer, v uint8) {
	_, _ = w.Write([]byte{v})
}

func writeUint32(w io.Writer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = w.Write(buf[:])
}

func writeUint64(w io.Writer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = w.Write(buf[:])
}

func writeFloat32(w io.Writer, v float32) {
	writeUint32(w, math.Float32bits(v))
}

func writeBool(w io.Writer, v bool) {
	if v {
		writeUint8(w, 1)
	} else {
		writeUint8(w, 0)
	}
}

func writeString(w io.Writer, s string) {
	writeUint32(w, uint32(len(s)))
	_, _ = io.WriteString(w, s)
}

func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

func writeBlendDesc(w io.Writer, d *BlendDesc) {
	writeBool(w, d.AlphaToCoverage)
	writeBool(w, d.IndependentBlend)
	for i := range d.RenderTargets {
		rt := &d.RenderTargets[i]
		writeBool(w, rt.BlendEnable)
		writeUint32(w, uint32(rt.Color.SrcFactor))
		writeUint32(w, uint32(rt.Color.DstFactor))
		writeUint32(w, uint32(rt.Color.Operation))
		writeUint32(w, uint32(rt.Alpha.SrcFactor))
		writeUint32(w, uint32(rt.Alpha.DstFactor))
		writeUint32(w, uint32(rt.Alpha.Operation))
		writeUint32(w, uint32(rt.WriteMask))
	}
}

func writeRasterizerDesc(w io.Writer, d *RasterizerDesc) {
	writeUint8(w, uint8(d.FillMode))
	writeUint32(w, uint32(d.CullMode))
	writeUint32(w, uint32(d.FrontFace))
	writeUint32(w, uint32(d.DepthBias))
	writeFloat32(w, d.DepthBiasClamp)
	writeFloat32(w, d.SlopeScaledDepthBias)
	writeBool(w, d.DepthClipEnable)
	writeBool(w, d.MultisampleEnable)
	writeBool(w, d.AntialiasedLineEnable)
	writeUint32(w, d.ForcedSampleCount)
	writeBool(w, d.ConservativeRaster)
}

func writeStencilFace(w io.Writer, compare, fail, depthFail, pass uint32) {
	writeUint32(w, compare)
	writeUint32(w, fail)
	writeUint32(w, depthFail)
	writeUint32(w, pass)
}

func writeDepthStencilDesc(w io.Writer, d *DepthStencilDesc) {
	writeBool(w, d.DepthEnable)
	writeBool(w, d.DepthWrite)
	writeUint32(w, uint32(d.DepthCompare))
	writeBool(w, d.StencilEnable)
	writeUint8(w, d.StencilReadMask)
	writeUint8(w, d.StencilWriteMask)
	writeStencilFace(w, uint32(d.Front.Compare), uint32(d.Front.FailOp), uint32(d.Front.DepthFailOp), uint32(d.Front.PassOp))
	writeStencilFace(w, uint32(d.Back.Compare), uint32(d.Back.FailOp), uint32(d.Back.DepthFailOp), uint32(d.Back.PassOp))
}

// writeFixedState covers every fixed size field except shaders and the root
// signature. Only the render target formats in use are written.
func writeFixedState(w io.Writer, d *GraphicsDescriptor) {
	writeBlendDesc(w, &d.Blend)
	writeUint32(w, d.SampleMask)
	writeRasterizerDesc(w, &d.Rasterizer)
	writeDepthStencilDesc(w, &d.DepthStencil)
	writeUint32(w, d.NumRenderTargets)
	for i := uint32(0); i < min(d.NumRenderTargets, MaxRenderTargets); i++ {
		writeUint32(w, uint32(d.RTFormats[i]))
	}
	writeUint32(w, uint32(d.DSVFormat))
	writeUint8(w, uint8(d.PrimitiveTopologyType))
	writeUint32(w, d.SampleDesc.Count)
	writeUint32(w, d.SampleDesc.Quality)
	writeUint32(w, d.NodeMask)
	writeUint32(w, uint32(d.Flags))
}

func writeInputLayout(w io.Writer, elements []InputElement) {
	writeUint32(w, uint32(len(elements)))
	for i := range elements {
		e := &elements[i]
		writeString(w, e.SemanticName)
		writeUint32(w, e.SemanticIndex)
		writeUint32(w, uint32(e.Format))
		writeUint32(w, e.InputSlot)
		writeUint32(w, e.AlignedByteOffset)
		writeUint32(w, uint32(e.SlotClass))
		writeUint32(w, e.InstanceDataStepRate)
	}
}

func writeStreamOutput(w io.Writer, so *StreamOutputDesc) {
	writeUint32(w, uint32(len(so.Entries)))
	for i := range so.Entries {
		e := &so.Entries[i]
		writeUint32(w, e.Stream)
		writeString(w, e.SemanticName)
		writeUint32(w, e.SemanticIndex)
		writeUint8(w, e.StartComponent)
		writeUint8(w, e.ComponentCount)
		writeUint8(w, e.OutputSlot)
	}
	writeUint32(w, uint32(len(so.BufferStrides)))
	for _, s := range so.BufferStrides {
		writeUint32(w, s)
	}
	writeUint32(w, so.RasterizedStream)
}

func hashInputLayout(elements []InputElement) uint64 {
	h := fnv.New64a()
	writeInputLayout(h, elements)
	return h.Sum64()
}

func hashStreamOutput(so StreamOutputDesc) uint64 {
	h := fnv.New64a()
	writeStreamOutput(h, &so)
	return h.Sum64()
}

// ComputeHash returns the FNV-1a hash of every field EqualGraphics compares.
// The arrays are folded in through their own hashes, which lets descriptors
// built from a BoundShaderState reuse the hashes it computed once while
// producing the same value as hashing the content.
func ComputeHash(d *GraphicsDescriptor) uint64 {
	h := fnv.New64a()

	stages := d.stages()
	for _, s := range stages {
		writeUint32(h, uint32(s.Len()))
	}
	for _, s := range stages {
		_, _ = h.Write(s.Hash[:])
	}

	writeFixedState(h, d)

	if d.RootSignature != nil {
		writeUint64(h, d.RootSignature.hash)
	} else {
		writeUint64(h, 0)
	}

	if d.arrayHashes != nil {
		writeUint64(h, d.arrayHashes.inputLayout)
		writeUint64(h, d.arrayHashes.streamOutput)
	} else {
		writeUint64(h, hashInputLayout(d.InputLayout))
		writeUint64(h, hashStreamOutput(d.StreamOutput))
	}

	return h.Sum64()
}

func ComputeComputeHash(d *ComputeDescriptor) uint64 {
	h := fnv.New64a()

	writeUint32(h, uint32(d.CS.Len()))
	_, _ = h.Write(d.CS.Hash[:])
	writeUint32(h, d.NodeMask)
	writeUint32(h, uint32(d.Flags))
	if d.RootSignature != nil {
		writeUint64(h, d.RootSignature.hash)
	} else {
		writeUint64(h, 0)
	}

	return h.Sum64()
}
