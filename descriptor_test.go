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
	"math"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) graphics() GraphicsDescriptor {
	return GraphicsDescriptor{
		RootSignature:         f.rs,
		VS:                    f.vs.Bytecode(),
		PS:                    f.ps.Bytecode(),
		Blend:                 BlendDescOpaque(),
		SampleMask:            0xFFFFFFFF,
		Rasterizer:            DefaultRasterizerDesc(),
		DepthStencil:          DefaultDepthStencilDesc(),
		InputLayout:           slices.Clone(f.layout),
		PrimitiveTopologyType: PrimitiveTopologyTypeTriangle,
		NumRenderTargets:      1,
		RTFormats:             [MaxRenderTargets]gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
		DSVFormat:             gputypes.TextureFormatDepth32Float,
		SampleDesc:            SampleDesc{Count: 1},
	}
}

func streamOutput() StreamOutputDesc {
	return StreamOutputDesc{
		Entries: []StreamOutputDecl{
			{SemanticName: "POSITION", ComponentCount: 4},
			{SemanticName: "TEXCOORD", SemanticIndex: 1, ComponentCount: 2, OutputSlot: 1},
		},
		BufferStrides: []uint32{16, 8},
	}
}

func TestHighLevelMatchesLowLevel(t *testing.T) {
	f := newFixture()
	want := f.graphics()
	want.Finalize()

	got := DescriptorFromHighLevel(f.highLevel(f.boundShaderState(f.layout)))
	assert.True(t, EqualGraphics(&want, &got))
	assert.Equal(t, want.CombinedHash(), got.CombinedHash())
}

func TestReusedArrayHashesMatchContentHashes(t *testing.T) {
	f := newFixture()
	bss := NewBoundShaderState(BoundShaderStateCreateInfo{
		RootSignature: f.rs,
		VS:            f.vs,
		GS:            NewShader(ShaderStageGeometry, []byte("gs_main bytecode")),
		PS:            f.ps,
		InputLayout:   f.layout,
		StreamOutput:  streamOutput(),
	})
	hl := f.highLevel(bss)

	content := descriptorFromHighLevel(hl, false)
	reused := descriptorFromHighLevel(hl, true)
	require.Nil(t, content.arrayHashes)
	require.NotNil(t, reused.arrayHashes)

	assert.Equal(t, content.CombinedHash(), reused.CombinedHash())
	assert.Equal(t, ComputeHash(&content), ComputeHash(&reused))
	assert.True(t, EqualGraphics(&content, &reused))

	cfg := syncConfig()
	cfg.ReuseBoundShaderStateHashes = true
	dev := newMockDevice()
	c := NewCache(dev, cfg)
	defer c.Close()

	a, err := c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	b, err := c.FindOrCreateGraphicsDescriptor(&content)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, dev.creations())
}

func TestBoundShaderStateOwnsArrays(t *testing.T) {
	f := newFixture()
	layout := slices.Clone(f.layout)
	bss := f.boundShaderState(layout)
	before := DescriptorFromHighLevel(f.highLevel(bss))

	layout[0].SemanticName = "CHANGED"
	after := DescriptorFromHighLevel(f.highLevel(bss))
	assert.Equal(t, before.CombinedHash(), after.CombinedHash())
	assert.Equal(t, "POSITION", after.InputLayout[0].SemanticName)
}

func TestHashIgnoresUnusedRenderTargets(t *testing.T) {
	f := newFixture()
	a := f.graphics()
	b := f.graphics()
	b.RTFormats[5] = gputypes.TextureFormatBGRA8Unorm
	a.Finalize()
	b.Finalize()

	assert.Equal(t, a.CombinedHash(), b.CombinedHash())
	assert.True(t, EqualGraphics(&a, &b))
}

func TestHashAndEqualityCoverEveryField(t *testing.T) {
	f := newFixture()
	base := f.graphics()
	base.Finalize()

	for name, mutate := range map[string]func(d *GraphicsDescriptor){
		"root signature": func(d *GraphicsDescriptor) {
			d.RootSignature = f.roots.CreateOrRetrieve("other", []byte("root signature: 1 table"))
		},
		"vertex shader": func(d *GraphicsDescriptor) {
			d.VS = NewShader(ShaderStageVertex, []byte("vs_skinned bytecode")).Bytecode()
		},
		"pixel shader removed": func(d *GraphicsDescriptor) { d.PS = ShaderBytecode{} },
		"blend":                func(d *GraphicsDescriptor) { d.Blend = BlendDescAlpha() },
		"blend write mask": func(d *GraphicsDescriptor) {
			d.Blend.RenderTargets[0].WriteMask = gputypes.ColorWriteMaskNone
		},
		"sample mask":      func(d *GraphicsDescriptor) { d.SampleMask = 1 },
		"cull mode":        func(d *GraphicsDescriptor) { d.Rasterizer.CullMode = gputypes.CullModeNone },
		"depth bias":       func(d *GraphicsDescriptor) { d.Rasterizer.SlopeScaledDepthBias = 1.5 },
		"fill mode":        func(d *GraphicsDescriptor) { d.Rasterizer.FillMode = FillModeWireframe },
		"depth compare":    func(d *GraphicsDescriptor) { d.DepthStencil.DepthCompare = gputypes.CompareFunctionAlways },
		"stencil face":     func(d *GraphicsDescriptor) { d.DepthStencil.Back.Compare = gputypes.CompareFunctionNotEqual },
		"input element":    func(d *GraphicsDescriptor) { d.InputLayout[1].SemanticName = "COLOR" },
		"input layout len": func(d *GraphicsDescriptor) { d.InputLayout = d.InputLayout[:1] },
		"stream output":    func(d *GraphicsDescriptor) { d.StreamOutput = streamOutput() },
		"topology":         func(d *GraphicsDescriptor) { d.PrimitiveTopologyType = PrimitiveTopologyTypeLine },
		"render targets": func(d *GraphicsDescriptor) {
			d.NumRenderTargets = 2
			d.RTFormats[1] = gputypes.TextureFormatRGBA8Unorm
		},
		"rt format":  func(d *GraphicsDescriptor) { d.RTFormats[0] = gputypes.TextureFormatBGRA8Unorm },
		"dsv format": func(d *GraphicsDescriptor) { d.DSVFormat = gputypes.TextureFormatUndefined },
		"samples":    func(d *GraphicsDescriptor) { d.SampleDesc.Count = 4 },
		"node mask":  func(d *GraphicsDescriptor) { d.NodeMask = 2 },
		"flags":      func(d *GraphicsDescriptor) { d.Flags = PipelineFlagToolDebug },
	} {
		t.Run(name, func(t *testing.T) {
			d := f.graphics()
			mutate(&d)
			d.Finalize()
			assert.NotEqual(t, base.CombinedHash(), d.CombinedHash())
			assert.False(t, EqualGraphics(&base, &d))
			assert.False(t, EqualGraphics(&d, &base))
		})
	}
}

func TestEqualComparesArrayContent(t *testing.T) {
	f := newFixture()
	a := f.graphics()
	a.StreamOutput = streamOutput()
	b := a.clone()
	a.Finalize()
	b.Finalize()

	require.False(t, sameBacking(a.InputLayout, b.InputLayout))
	assert.True(t, EqualGraphics(&a, b))

	b.StreamOutput.BufferStrides[1] = 12
	assert.False(t, EqualGraphics(&a, b))
}

func TestVerifyBytecode(t *testing.T) {
	f := newFixture()
	a := f.graphics()
	a.Finalize()

	// A forged hash collision, only a bytecode compare can tell them apart.
	b := f.graphics()
	b.VS.Code = []byte("vs_main bytecodf")
	b.Finalize()
	require.Equal(t, a.VS.Hash, b.VS.Hash)

	assert.True(t, equalGraphics(&a, &b, equalOptions{}))
	assert.False(t, equalGraphics(&a, &b, equalOptions{verifyBytecode: true}))
}

func TestRootSignatureByHash(t *testing.T) {
	f := newFixture()
	a := f.graphics()
	a.Finalize()

	b := f.graphics()
	b.RootSignature = &RootSignature{hash: f.rs.Hash()}
	b.Finalize()

	assert.Equal(t, a.CombinedHash(), b.CombinedHash())
	assert.False(t, EqualGraphics(&a, &b))
	assert.True(t, equalGraphics(&a, &b, equalOptions{rootSignatureByHash: true}))
}

func TestDepthOnlyDescriptor(t *testing.T) {
	f := newFixture()
	d := f.graphics()
	d.PS = ShaderBytecode{}
	d.NumRenderTargets = 0
	d.RTFormats = [MaxRenderTargets]gputypes.TextureFormat{}
	assert.NotPanics(t, d.Finalize)
}

func TestComputeHash(t *testing.T) {
	f := newFixture()
	a := f.compute("cs_main")
	b := f.compute("cs_main")
	assert.Equal(t, a.CombinedHash(), b.CombinedHash())
	assert.True(t, EqualCompute(a, b))

	c := &ComputeDescriptor{RootSignature: f.rs, CS: a.CS, Flags: PipelineFlagToolDebug}
	c.Finalize()
	assert.NotEqual(t, a.CombinedHash(), c.CombinedHash())
	assert.False(t, EqualCompute(a, c))
}

func TestContractViolationsAbort(t *testing.T) {
	f := newFixture()
	bss := f.boundShaderState(f.layout)

	for name, fn := range map[string]func(){
		"empty shader": func() { NewShader(ShaderStageVertex, nil) },
		"bss without root signature": func() {
			NewBoundShaderState(BoundShaderStateCreateInfo{VS: f.vs})
		},
		"bss without vertex shader": func() {
			NewBoundShaderState(BoundShaderStateCreateInfo{RootSignature: f.rs, PS: f.ps})
		},
		"shader in wrong slot": func() {
			NewBoundShaderState(BoundShaderStateCreateInfo{RootSignature: f.rs, VS: f.vs, HS: f.ps})
		},
		"high level without bss": func() {
			hl := f.highLevel(bss)
			hl.BoundShaderState = nil
			DescriptorFromHighLevel(hl)
		},
		"high level without blend state": func() {
			hl := f.highLevel(bss)
			hl.BlendState = nil
			DescriptorFromHighLevel(hl)
		},
		"too many render targets": func() {
			d := f.graphics()
			d.NumRenderTargets = MaxRenderTargets + 1
			d.Finalize()
		},
		"no targets": func() {
			d := f.graphics()
			d.NumRenderTargets = 0
			d.DSVFormat = gputypes.TextureFormatUndefined
			d.Finalize()
		},
		"no root signature": func() {
			d := f.graphics()
			d.RootSignature = nil
			d.Finalize()
		},
		"no vertex shader": func() {
			d := f.graphics()
			d.VS = ShaderBytecode{}
			d.Finalize()
		},
		"finalized twice": func() {
			d := f.graphics()
			d.Finalize()
			d.Finalize()
		},
		"hash before finalize": func() {
			d := f.graphics()
			d.CombinedHash()
		},
		"compute without shader": func() {
			d := ComputeDescriptor{RootSignature: f.rs}
			d.Finalize()
		},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Panics(t, fn)
		})
	}
}

func TestInterning(t *testing.T) {
	f := newFixture()

	again := f.roots.CreateOrRetrieve("renamed", []byte("root signature: 2 tables, 1 constant"))
	assert.Same(t, f.rs, again)
	other := f.roots.CreateOrRetrieve("other", []byte("root signature: 1 table"))
	assert.NotSame(t, f.rs, other)
	assert.Equal(t, 2, f.roots.Len())

	a := f.states.CreateOrRetrieveBlendState(BlendDescAlpha())
	b := f.states.CreateOrRetrieveBlendState(BlendDescAlpha())
	assert.Same(t, a, b)
	assert.NotSame(t, a, NewBlendState(BlendDescAlpha()))
	assert.Equal(t, BlendDescAlpha(), a.Desc())

	r := f.states.CreateOrRetrieveRasterizerState(DefaultRasterizerDesc())
	assert.Same(t, r, f.states.CreateOrRetrieveRasterizerState(DefaultRasterizerDesc()))
	ds := f.states.CreateOrRetrieveDepthStencilState(DefaultDepthStencilDesc())
	assert.Same(t, ds, f.states.CreateOrRetrieveDepthStencilState(DefaultDepthStencilDesc()))
}

func TestRasterizerInterningMatchesEquality(t *testing.T) {
	states := NewStateCache()

	pos := DefaultRasterizerDesc()
	neg := DefaultRasterizerDesc()
	neg.SlopeScaledDepthBias = float32(math.Copysign(0, -1))
	require.True(t, pos == neg)
	require.False(t, rasterizerEqual(&pos, &neg))

	p := states.CreateOrRetrieveRasterizerState(pos)
	n := states.CreateOrRetrieveRasterizerState(neg)
	assert.NotSame(t, p, n)
	assert.Same(t, n, states.CreateOrRetrieveRasterizerState(neg))
	assert.Equal(t, math.Float32bits(neg.SlopeScaledDepthBias), math.Float32bits(n.Desc().SlopeScaledDepthBias))

	nan := DefaultRasterizerDesc()
	nan.DepthBiasClamp = float32(math.NaN())
	assert.Same(t, states.CreateOrRetrieveRasterizerState(nan), states.CreateOrRetrieveRasterizerState(nan))
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "None", PipelineFlagNone.String())
	assert.Equal(t, "ToolDebug", PipelineFlagToolDebug.String())
	assert.Equal(t, "ToolDebug|0x04", (PipelineFlagToolDebug | 4).String())
	assert.Equal(t, "Pixel", ShaderStagePixel.String())
	assert.Equal(t, "Triangle", PrimitiveTopologyTypeTriangle.String())
}
