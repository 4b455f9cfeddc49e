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
	"crypto/sha1"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/gputypes"
	"goarrg.com/debug"
)

// Handle is a native pipeline object, 0 is null.
type Handle uintptr

const MaxRenderTargets = 8

type ShaderStage uint8

const (
	ShaderStageVertex ShaderStage = iota
	ShaderStageHull
	ShaderStageDomain
	ShaderStageGeometry
	ShaderStagePixel
	ShaderStageCompute

	numGraphicsShaderStages = int(ShaderStagePixel) + 1
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "Vertex"
	case ShaderStageHull:
		return "Hull"
	case ShaderStageDomain:
		return "Domain"
	case ShaderStageGeometry:
		return "Geometry"
	case ShaderStagePixel:
		return "Pixel"
	case ShaderStageCompute:
		return "Compute"
	}
	return "Unknown"
}

// ShaderHash is the SHA-1 of a shader's bytecode.
type ShaderHash [sha1.Size]byte

func (h ShaderHash) String() string {
	return toHex(h)
}

type Shader struct {
	stage ShaderStage
	code  []byte
	hash  ShaderHash
}

// NewShader copies code and hashes it, the returned shader is immutable.
func NewShader(stage ShaderStage, code []byte) *Shader {
	if len(code) == 0 {
		abort("Shader bytecode for stage %s is empty", stage)
	}
	return &Shader{
		stage: stage,
		code:  slices.Clone(code),
		hash:  sha1.Sum(code),
	}
}

func (s *Shader) Stage() ShaderStage { return s.stage }
func (s *Shader) Hash() ShaderHash   { return s.hash }

func (s *Shader) Bytecode() ShaderBytecode {
	if s == nil {
		return ShaderBytecode{}
	}
	return ShaderBytecode{Code: s.code, Hash: s.hash}
}

// ShaderBytecode is a view of one stage's bytecode, Hash is authoritative for
// equality.
type ShaderBytecode struct {
	Code []byte
	Hash ShaderHash
}

func (b ShaderBytecode) Len() int {
	return len(b.Code)
}

func (b ShaderBytecode) Empty() bool {
	return len(b.Code) == 0
}

// RootSignature is an interned binding layout, two pipelines using the same
// layout must share one *RootSignature.
type RootSignature struct {
	name string
	blob []byte
	hash uint64
}

func (r *RootSignature) Name() string { return r.name }
func (r *RootSignature) Blob() []byte { return r.blob }

// Hash is derived from the blob and is stable across runs, unlike the pointer.
func (r *RootSignature) Hash() uint64 { return r.hash }

type RootSignatureCache struct {
	mtx   sync.RWMutex
	cache map[uint64][]*RootSignature
}

func NewRootSignatureCache() *RootSignatureCache {
	return &RootSignatureCache{cache: map[uint64][]*RootSignature{}}
}

func (c *RootSignatureCache) lookup(hash uint64, blob []byte) *RootSignature {
	for _, r := range c.cache[hash] {
		if bytes.Equal(r.blob, blob) {
			return r
		}
	}
	return nil
}

func (c *RootSignatureCache) CreateOrRetrieve(name string, blob []byte) *RootSignature {
	hash := hashBytes(blob)

	c.mtx.RLock()
	r := c.lookup(hash, blob)
	c.mtx.RUnlock()
	if r != nil {
		return r
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if r := c.lookup(hash, blob); r != nil {
		return r
	}
	r = &RootSignature{name: name, blob: slices.Clone(blob), hash: hash}
	c.cache[hash] = append(c.cache[hash], r)
	return r
}

func (c *RootSignatureCache) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	n := 0
	for _, b := range c.cache {
		n += len(b)
	}
	return n
}

type RenderTargetBlendDesc struct {
	BlendEnable bool
	Color       gputypes.BlendComponent
	Alpha       gputypes.BlendComponent
	WriteMask   gputypes.ColorWriteMask
}

type BlendDesc struct {
	AlphaToCoverage  bool
	IndependentBlend bool
	RenderTargets    [MaxRenderTargets]RenderTargetBlendDesc
}

func BlendDescOpaque() BlendDesc {
	replace := gputypes.BlendStateReplace()
	desc := BlendDesc{}
	for i := range desc.RenderTargets {
		desc.RenderTargets[i] = RenderTargetBlendDesc{
			Color:     replace.Color,
			Alpha:     replace.Alpha,
			WriteMask: gputypes.ColorWriteMaskAll,
		}
	}
	return desc
}

func BlendDescAlpha() BlendDesc {
	alpha := gputypes.BlendStateAlpha()
	desc := BlendDesc{}
	for i := range desc.RenderTargets {
		desc.RenderTargets[i] = RenderTargetBlendDesc{
			BlendEnable: true,
			Color:       alpha.Color,
			Alpha:       alpha.Alpha,
			WriteMask:   gputypes.ColorWriteMaskAll,
		}
	}
	return desc
}

type FillMode uint8

const (
	FillModeSolid FillMode = iota
	FillModeWireframe
)

type RasterizerDesc struct {
	FillMode              FillMode
	CullMode              gputypes.CullMode
	FrontFace             gputypes.FrontFace
	DepthBias             int32
	DepthBiasClamp        float32
	SlopeScaledDepthBias  float32
	DepthClipEnable       bool
	MultisampleEnable     bool
	AntialiasedLineEnable bool
	ForcedSampleCount     uint32
	ConservativeRaster    bool
}

func DefaultRasterizerDesc() RasterizerDesc {
	return RasterizerDesc{
		FillMode:        FillModeSolid,
		CullMode:        gputypes.CullModeBack,
		FrontFace:       gputypes.FrontFaceCCW,
		DepthClipEnable: true,
	}
}

type DepthStencilDesc struct {
	DepthEnable      bool
	DepthWrite       bool
	DepthCompare     gputypes.CompareFunction
	StencilEnable    bool
	StencilReadMask  uint8
	StencilWriteMask uint8
	Front            gputypes.StencilFaceState
	Back             gputypes.StencilFaceState
}

func DefaultDepthStencilDesc() DepthStencilDesc {
	return DepthStencilDesc{
		DepthEnable:      true,
		DepthWrite:       true,
		DepthCompare:     gputypes.CompareFunctionLess,
		StencilReadMask:  0xFF,
		StencilWriteMask: 0xFF,
		Front:            gputypes.DefaultStencilFaceState(),
		Back:             gputypes.DefaultStencilFaceState(),
	}
}

// BlendState and the other state objects are identified by address, use a
// StateCache to intern them so equal descriptions share one object.
type BlendState struct {
	desc BlendDesc
}

func NewBlendState(desc BlendDesc) *BlendState {
	return &BlendState{desc: desc}
}

func (s *BlendState) Desc() BlendDesc { return s.desc }

type RasterizerState struct {
	desc RasterizerDesc
}

func NewRasterizerState(desc RasterizerDesc) *RasterizerState {
	return &RasterizerState{desc: desc}
}

func (s *RasterizerState) Desc() RasterizerDesc { return s.desc }

type DepthStencilState struct {
	desc DepthStencilDesc
}

func NewDepthStencilState(desc DepthStencilDesc) *DepthStencilState {
	return &DepthStencilState{desc: desc}
}

func (s *DepthStencilState) Desc() DepthStencilDesc { return s.desc }

type StateCache struct {
	mtx          sync.Mutex
	blend        map[BlendDesc]*BlendState
	rasterizer   map[rasterizerKey]*RasterizerState
	depthStencil map[DepthStencilDesc]*DepthStencilState
}

// rasterizerKey holds the float fields by bits so -0 and +0 intern apart and
// NaN interns at all, matching rasterizerEqual.
type rasterizerKey struct {
	desc                 RasterizerDesc
	depthBiasClamp       uint32
	slopeScaledDepthBias uint32
}

func makeRasterizerKey(desc RasterizerDesc) rasterizerKey {
	k := rasterizerKey{
		desc:                 desc,
		depthBiasClamp:       math.Float32bits(desc.DepthBiasClamp),
		slopeScaledDepthBias: math.Float32bits(desc.SlopeScaledDepthBias),
	}
	k.desc.DepthBiasClamp = 0
	k.desc.SlopeScaledDepthBias = 0
	return k
}

func NewStateCache() *StateCache {
	return &StateCache{
		blend:        map[BlendDesc]*BlendState{},
		rasterizer:   map[rasterizerKey]*RasterizerState{},
		depthStencil: map[DepthStencilDesc]*DepthStencilState{},
	}
}

func createOrRetrieve[K comparable, V any](mtx *sync.Mutex, m map[K]*V, k K, create func() *V) *V {
	mtx.Lock()
	defer mtx.Unlock()
	v, ok := m[k]
	if !ok {
		v = create()
		m[k] = v
	}
	return v
}

func (c *StateCache) CreateOrRetrieveBlendState(desc BlendDesc) *BlendState {
	return createOrRetrieve(&c.mtx, c.blend, desc, func() *BlendState { return NewBlendState(desc) })
}

func (c *StateCache) CreateOrRetrieveRasterizerState(desc RasterizerDesc) *RasterizerState {
	return createOrRetrieve(&c.mtx, c.rasterizer, makeRasterizerKey(desc),
		func() *RasterizerState { return NewRasterizerState(desc) })
}

func (c *StateCache) CreateOrRetrieveDepthStencilState(desc DepthStencilDesc) *DepthStencilState {
	return createOrRetrieve(&c.mtx, c.depthStencil, desc, func() *DepthStencilState { return NewDepthStencilState(desc) })
}

type InputElement struct {
	SemanticName         string
	SemanticIndex        uint32
	Format               gputypes.VertexFormat
	InputSlot            uint32
	AlignedByteOffset    uint32
	SlotClass            gputypes.VertexStepMode
	InstanceDataStepRate uint32
}

type StreamOutputDecl struct {
	Stream         uint32
	SemanticName   string
	SemanticIndex  uint32
	StartComponent uint8
	ComponentCount uint8
	OutputSlot     uint8
}

type StreamOutputDesc struct {
	Entries          []StreamOutputDecl
	BufferStrides    []uint32
	RasterizedStream uint32
}

func (s StreamOutputDesc) clone() StreamOutputDesc {
	return StreamOutputDesc{
		Entries:          slices.Clone(s.Entries),
		BufferStrides:    slices.Clone(s.BufferStrides),
		RasterizedStream: s.RasterizedStream,
	}
}

type BoundShaderStateCreateInfo struct {
	RootSignature *RootSignature

	VS *Shader
	HS *Shader
	DS *Shader
	GS *Shader
	PS *Shader

	InputLayout  []InputElement
	StreamOutput StreamOutputDesc
}

// BoundShaderState is immutable after creation, so the hashes of its arrays
// are computed once and may be reused by every descriptor built from it.
type BoundShaderState struct {
	rootSignature *RootSignature
	shaders       [numGraphicsShaderStages]*Shader
	inputLayout   []InputElement
	streamOutput  StreamOutputDesc

	inputLayoutHash  uint64
	streamOutputHash uint64
}

func NewBoundShaderState(info BoundShaderStateCreateInfo) *BoundShaderState {
	if info.RootSignature == nil {
		abort("BoundShaderState requires a root signature")
	}
	if info.VS == nil {
		abort("BoundShaderState requires a vertex shader")
	}

	s := &BoundShaderState{
		rootSignature: info.RootSignature,
		shaders:       [numGraphicsShaderStages]*Shader{info.VS, info.HS, info.DS, info.GS, info.PS},
		inputLayout:   slices.Clone(info.InputLayout),
		streamOutput:  info.StreamOutput.clone(),
	}
	for i, shader := range s.shaders {
		if shader != nil && shader.stage != ShaderStage(i) {
			abort("Shader of stage %s bound to the %s slot", shader.stage, ShaderStage(i))
		}
	}
	s.inputLayoutHash = hashInputLayout(s.inputLayout)
	s.streamOutputHash = hashStreamOutput(s.streamOutput)
	return s
}

func (s *BoundShaderState) RootSignature() *RootSignature {
	return s.rootSignature
}

// Shader returns nil for unbound stages.
func (s *BoundShaderState) Shader(stage ShaderStage) *Shader {
	if int(stage) >= numGraphicsShaderStages {
		return nil
	}
	return s.shaders[stage]
}

type PrimitiveTopologyType uint8

const (
	PrimitiveTopologyTypeUndefined PrimitiveTopologyType = iota
	PrimitiveTopologyTypePoint
	PrimitiveTopologyTypeLine
	PrimitiveTopologyTypeTriangle
	PrimitiveTopologyTypePatch
)

func (t PrimitiveTopologyType) String() string {
	switch t {
	case PrimitiveTopologyTypeUndefined:
		return "Undefined"
	case PrimitiveTopologyTypePoint:
		return "Point"
	case PrimitiveTopologyTypeLine:
		return "Line"
	case PrimitiveTopologyTypeTriangle:
		return "Triangle"
	case PrimitiveTopologyTypePatch:
		return "Patch"
	}
	return "Unknown"
}

type PipelineFlags uint32

const (
	PipelineFlagNone      PipelineFlags = 0
	PipelineFlagToolDebug PipelineFlags = 1 << 0
)

func (f PipelineFlags) String() string {
	if f == PipelineFlagNone {
		return "None"
	}
	var names []string
	if hasBits(f, PipelineFlagToolDebug) {
		names = append(names, "ToolDebug")
		f &^= PipelineFlagToolDebug
	}
	if f != 0 {
		names = append(names, toHex(uint32(f)))
	}
	return strings.Join(names, "|")
}

type SampleDesc struct {
	Count   uint32
	Quality uint32
}

// HighLevelDescriptor is a cheap in process key, state objects are compared by
// address. It is never persisted.
type HighLevelDescriptor struct {
	BoundShaderState  *BoundShaderState
	BlendState        *BlendState
	RasterizerState   *RasterizerState
	DepthStencilState *DepthStencilState

	SampleMask            uint32
	PrimitiveTopologyType PrimitiveTopologyType
	NumRenderTargets      uint32
	RTFormats             [MaxRenderTargets]gputypes.TextureFormat
	DSVFormat             gputypes.TextureFormat
	SampleDesc            SampleDesc
}

// normalized clears the formats past NumRenderTargets so they cannot split
// otherwise equal keys.
func (d HighLevelDescriptor) normalized() HighLevelDescriptor {
	for i := min(int(d.NumRenderTargets), MaxRenderTargets); i < MaxRenderTargets; i++ {
		d.RTFormats[i] = gputypes.TextureFormatUndefined
	}
	return d
}

// GraphicsDescriptor mirrors every input the native API needs to build a
// graphics pipeline. Call Finalize after filling it in, the combined hash is
// fixed from then on.
type GraphicsDescriptor struct {
	RootSignature *RootSignature

	VS ShaderBytecode
	HS ShaderBytecode
	DS ShaderBytecode
	GS ShaderBytecode
	PS ShaderBytecode

	Blend        BlendDesc
	SampleMask   uint32
	Rasterizer   RasterizerDesc
	DepthStencil DepthStencilDesc
	InputLayout  []InputElement
	StreamOutput StreamOutputDesc

	PrimitiveTopologyType PrimitiveTopologyType
	NumRenderTargets      uint32
	RTFormats             [MaxRenderTargets]gputypes.TextureFormat
	DSVFormat             gputypes.TextureFormat
	SampleDesc            SampleDesc
	NodeMask              uint32
	Flags                 PipelineFlags

	finalized    bool
	combinedHash uint64
	arrayHashes  *arrayHashes
}

type arrayHashes struct {
	inputLayout  uint64
	streamOutput uint64
}

func (d *GraphicsDescriptor) stages() [numGraphicsShaderStages]*ShaderBytecode {
	return [numGraphicsShaderStages]*ShaderBytecode{&d.VS, &d.HS, &d.DS, &d.GS, &d.PS}
}

func (d *GraphicsDescriptor) check() error {
	if d.RootSignature == nil {
		return debug.Errorf("GraphicsDescriptor has no root signature")
	}
	if d.VS.Empty() {
		return debug.Errorf("GraphicsDescriptor has no vertex shader")
	}
	if d.NumRenderTargets > MaxRenderTargets {
		return debug.Errorf("GraphicsDescriptor.NumRenderTargets %d is above the limit of %d", d.NumRenderTargets, MaxRenderTargets)
	}
	// Depth-only pipelines have no render target but must write depth.
	if d.NumRenderTargets == 0 && d.DSVFormat == gputypes.TextureFormatUndefined {
		return debug.Errorf("GraphicsDescriptor has neither a render target nor a depth target")
	}
	return nil
}

func (d *GraphicsDescriptor) Finalize() {
	if d.finalized {
		abort("GraphicsDescriptor finalized twice")
	}
	if err := d.check(); err != nil {
		abort("%s", err)
	}
	d.combinedHash = ComputeHash(d)
	d.finalized = true
}

func (d *GraphicsDescriptor) Finalized() bool {
	return d.finalized
}

func (d *GraphicsDescriptor) CombinedHash() uint64 {
	if !d.finalized {
		abort("CombinedHash called on a GraphicsDescriptor that was not finalized")
	}
	return d.combinedHash
}

// clone deep copies the variable length arrays so the copy can outlive the
// caller's storage. Bytecode is shared as shaders are immutable.
func (d *GraphicsDescriptor) clone() *GraphicsDescriptor {
	ret := *d
	ret.InputLayout = slices.Clone(d.InputLayout)
	ret.StreamOutput = d.StreamOutput.clone()
	return &ret
}

type ComputeDescriptor struct {
	RootSignature *RootSignature
	CS            ShaderBytecode
	NodeMask      uint32
	Flags         PipelineFlags

	finalized    bool
	combinedHash uint64
}

func (d *ComputeDescriptor) check() error {
	if d.RootSignature == nil {
		return debug.Errorf("ComputeDescriptor has no root signature")
	}
	if d.CS.Empty() {
		return debug.Errorf("ComputeDescriptor has no compute shader")
	}
	return nil
}

func (d *ComputeDescriptor) Finalize() {
	if d.finalized {
		abort("ComputeDescriptor finalized twice")
	}
	if err := d.check(); err != nil {
		abort("%s", err)
	}
	d.combinedHash = ComputeComputeHash(d)
	d.finalized = true
}

func (d *ComputeDescriptor) Finalized() bool {
	return d.finalized
}

func (d *ComputeDescriptor) CombinedHash() uint64 {
	if !d.finalized {
		abort("CombinedHash called on a ComputeDescriptor that was not finalized")
	}
	return d.combinedHash
}

func (d *ComputeDescriptor) clone() *ComputeDescriptor {
	ret := *d
	return &ret
}

// DescriptorFromHighLevel expands d into a finalized GraphicsDescriptor. The
// arrays of the result alias the bound shader state.
func DescriptorFromHighLevel(d HighLevelDescriptor) GraphicsDescriptor {
	return descriptorFromHighLevel(d, false)
}

func descriptorFromHighLevel(d HighLevelDescriptor, reuseArrayHashes bool) GraphicsDescriptor {
	if d.BoundShaderState == nil {
		abort("HighLevelDescriptor has no bound shader state")
	}
	if d.BlendState == nil || d.RasterizerState == nil || d.DepthStencilState == nil {
		abort("HighLevelDescriptor is missing a state object: blend %p rasterizer %p depth stencil %p",
			d.BlendState, d.RasterizerState, d.DepthStencilState)
	}

	bss := d.BoundShaderState
	ret := GraphicsDescriptor{
		RootSignature: bss.rootSignature,

		VS: bss.shaders[ShaderStageVertex].Bytecode(),
		HS: bss.shaders[ShaderStageHull].Bytecode(),
		DS: bss.shaders[ShaderStageDomain].Bytecode(),
		GS: bss.shaders[ShaderStageGeometry].Bytecode(),
		PS: bss.shaders[ShaderStagePixel].Bytecode(),

		Blend:        d.BlendState.desc,
		SampleMask:   d.SampleMask,
		Rasterizer:   d.RasterizerState.desc,
		DepthStencil: d.DepthStencilState.desc,
		InputLayout:  bss.inputLayout,
		StreamOutput: bss.streamOutput,

		PrimitiveTopologyType: d.PrimitiveTopologyType,
		NumRenderTargets:      d.NumRenderTargets,
		RTFormats:             d.RTFormats,
		DSVFormat:             d.DSVFormat,
		SampleDesc:            d.SampleDesc,
	}
	if reuseArrayHashes {
		ret.arrayHashes = &arrayHashes{
			inputLayout:  bss.inputLayoutHash,
			streamOutput: bss.streamOutputHash,
		}
	}
	ret.Finalize()
	return ret
}
