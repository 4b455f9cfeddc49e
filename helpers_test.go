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
	"path/filepath"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"goarrg.com/debug"
)

// mockDevice hands out increasing handles and records every call.
type mockDevice struct {
	mtx           sync.Mutex
	next          Handle
	graphicsCalls int
	computeCalls  int
	blobHints     int
	rejectBlobs   bool
	failAll       bool
	releases      map[Handle]int
	hints         map[uint64][]byte
	gate          chan struct{}
	started       chan struct{}
}

var _ Device = (*mockDevice)(nil)

func newMockDevice() *mockDevice {
	return &mockDevice{
		releases: map[Handle]int{},
		hints:    map[uint64][]byte{},
	}
}

// blockCreation makes every creation wait until the returned func is called,
// started receives one value per creation that reached the device.
func (d *mockDevice) blockCreation() func() {
	d.gate = make(chan struct{})
	d.started = make(chan struct{}, 64)
	return func() { close(d.gate) }
}

func (d *mockDevice) create(hash uint64, blob []byte) (Handle, error) {
	if d.gate != nil {
		d.started <- struct{}{}
		<-d.gate
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if blob != nil {
		d.blobHints++
		d.hints[hash] = blob
		if d.rejectBlobs {
			return 0, debug.Errorf("Blob rejected")
		}
	}
	if d.failAll {
		return 0, debug.Errorf("Device lost")
	}
	d.next++
	return d.next, nil
}

func (d *mockDevice) CreateGraphicsPipelineState(desc *GraphicsDescriptor, blob []byte) (Handle, error) {
	d.mtx.Lock()
	d.graphicsCalls++
	d.mtx.Unlock()
	return d.create(desc.CombinedHash(), blob)
}

func (d *mockDevice) CreateComputePipelineState(desc *ComputeDescriptor, blob []byte) (Handle, error) {
	d.mtx.Lock()
	d.computeCalls++
	d.mtx.Unlock()
	return d.create(desc.CombinedHash(), blob)
}

func (d *mockDevice) ReleasePipelineState(h Handle) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.releases[h]++
}

func (d *mockDevice) creations() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.graphicsCalls + d.computeCalls
}

func (d *mockDevice) releaseCount() (calls int, distinct int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, n := range d.releases {
		calls += n
	}
	return calls, len(d.releases)
}

// blobDevice also serializes pipelines.
type blobDevice struct {
	*mockDevice
}

var _ BlobSerializer = blobDevice{}

func (blobDevice) PipelineStateBlob(h Handle) ([]byte, error) {
	return []byte(fmt.Sprintf("native blob %d", h)), nil
}

// libraryDevice keeps stored pipelines in memory. Like a native library it
// misses when a name holds a pipeline built from another descriptor, and a
// load creates a new object with its own handle.
type libraryDevice struct {
	*mockDevice
	mtx      sync.Mutex
	graphics map[Handle]*GraphicsDescriptor
	compute  map[Handle]*ComputeDescriptor
	stored   map[string]Handle
	loads    int
	rejected int
}

var _ PipelineLibrary = (*libraryDevice)(nil)

func newLibraryDevice() *libraryDevice {
	return &libraryDevice{
		mockDevice: newMockDevice(),
		graphics:   map[Handle]*GraphicsDescriptor{},
		compute:    map[Handle]*ComputeDescriptor{},
		stored:     map[string]Handle{},
	}
}

func (d *libraryDevice) CreateGraphicsPipelineState(desc *GraphicsDescriptor, blob []byte) (Handle, error) {
	h, err := d.mockDevice.CreateGraphicsPipelineState(desc, blob)
	if err == nil {
		d.mtx.Lock()
		d.graphics[h] = desc
		d.mtx.Unlock()
	}
	return h, err
}

func (d *libraryDevice) CreateComputePipelineState(desc *ComputeDescriptor, blob []byte) (Handle, error) {
	h, err := d.mockDevice.CreateComputePipelineState(desc, blob)
	if err == nil {
		d.mtx.Lock()
		d.compute[h] = desc
		d.mtx.Unlock()
	}
	return h, err
}

// load runs with d.mtx held, match may read the descriptor maps.
func (d *libraryDevice) load(name string, match func(stored Handle) bool, record func(loaded Handle)) (Handle, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, ok := d.stored[name]
	if !ok {
		return 0, false
	}
	if !match(stored) {
		d.rejected++
		return 0, false
	}
	d.loads++

	d.mockDevice.mtx.Lock()
	d.next++
	h := d.next
	d.mockDevice.mtx.Unlock()

	record(h)
	return h, true
}

func (d *libraryDevice) LoadGraphicsPipeline(name string, desc *GraphicsDescriptor) (Handle, bool) {
	return d.load(name,
		func(stored Handle) bool {
			built, ok := d.graphics[stored]
			return ok && EqualGraphics(built, desc)
		},
		func(loaded Handle) { d.graphics[loaded] = desc },
	)
}

func (d *libraryDevice) LoadComputePipeline(name string, desc *ComputeDescriptor) (Handle, bool) {
	return d.load(name,
		func(stored Handle) bool {
			built, ok := d.compute[stored]
			return ok && EqualCompute(built, desc)
		},
		func(loaded Handle) { d.compute[loaded] = desc },
	)
}

func (d *libraryDevice) StorePipeline(name string, h Handle) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.stored[name] = h
	return nil
}

type fixture struct {
	roots  *RootSignatureCache
	states *StateCache
	rs     *RootSignature
	vs     *Shader
	ps     *Shader
	layout []InputElement
}

func newFixture() *fixture {
	f := &fixture{
		roots:  NewRootSignatureCache(),
		states: NewStateCache(),
	}
	f.rs = f.roots.CreateOrRetrieve("main", []byte("root signature: 2 tables, 1 constant"))
	f.vs = NewShader(ShaderStageVertex, []byte("vs_main bytecode"))
	f.ps = NewShader(ShaderStagePixel, []byte("ps_main bytecode"))
	f.layout = []InputElement{
		{
			SemanticName: "POSITION",
			Format:       gputypes.VertexFormatFloat32x3,
			SlotClass:    gputypes.VertexStepModeVertex,
		},
		{
			SemanticName:      "NORMAL",
			Format:            gputypes.VertexFormatFloat32x3,
			AlignedByteOffset: 12,
			SlotClass:         gputypes.VertexStepModeVertex,
		},
	}
	return f
}

func (f *fixture) boundShaderState(layout []InputElement) *BoundShaderState {
	return NewBoundShaderState(BoundShaderStateCreateInfo{
		RootSignature: f.rs,
		VS:            f.vs,
		PS:            f.ps,
		InputLayout:   layout,
	})
}

func (f *fixture) highLevel(bss *BoundShaderState) HighLevelDescriptor {
	return HighLevelDescriptor{
		BoundShaderState:      bss,
		BlendState:            f.states.CreateOrRetrieveBlendState(BlendDescOpaque()),
		RasterizerState:       f.states.CreateOrRetrieveRasterizerState(DefaultRasterizerDesc()),
		DepthStencilState:     f.states.CreateOrRetrieveDepthStencilState(DefaultDepthStencilDesc()),
		SampleMask:            0xFFFFFFFF,
		PrimitiveTopologyType: PrimitiveTopologyTypeTriangle,
		NumRenderTargets:      1,
		RTFormats:             [MaxRenderTargets]gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
		DSVFormat:             gputypes.TextureFormatDepth32Float,
		SampleDesc:            SampleDesc{Count: 1},
	}
}

func (f *fixture) compute(code string) *ComputeDescriptor {
	d := &ComputeDescriptor{
		RootSignature: f.rs,
		CS:            NewShader(ShaderStageCompute, []byte(code)).Bytecode(),
	}
	d.Finalize()
	return d
}

// syncConfig builds pipelines on the calling goroutine and keeps no files.
func syncConfig() Config {
	c := DefaultConfig()
	c.AsyncCreation = false
	c.MaxWorkers = 4
	return c
}

func diskConfig(t *testing.T) Config {
	dir := t.TempDir()
	c := syncConfig()
	c.GraphicsCacheFile = filepath.Join(dir, "graphics.psocache")
	c.ComputeCacheFile = filepath.Join(dir, "compute.psocache")
	c.DiskCacheGrowSize = 256
	return c
}
