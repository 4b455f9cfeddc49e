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
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupAcrossHighLevelDescriptors(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	// Same content, different objects.
	a := f.highLevel(f.boundShaderState(f.layout))
	b := f.highLevel(f.boundShaderState(slices.Clone(f.layout)))
	require.False(t, EqualHighLevel(a, b))

	sa, err := c.FindOrCreateGraphics(a)
	require.NoError(t, err)
	sb, err := c.FindOrCreateGraphics(b)
	require.NoError(t, err)

	assert.Same(t, sa, sb)
	ha, err := sa.Handle()
	require.NoError(t, err)
	hb, err := sb.Handle()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	assert.Equal(t, 1, dev.creations())
	assert.Equal(t, 1, c.GraphicsEntryCount())
	assert.Equal(t, 2, c.HighLevelEntryCount())
	assert.Equal(t, uint64(1), c.Stats().LowLevelHits)
}

func TestRepeatedRequestsCreateOnce(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	hl := f.highLevel(f.boundShaderState(f.layout))
	first, err := c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	for range 9 {
		s, err := c.FindOrCreateGraphics(hl)
		require.NoError(t, err)
		assert.Same(t, first, s)
	}

	assert.Equal(t, 1, dev.creations())
	stats := c.Stats()
	assert.Equal(t, uint64(9), stats.HighLevelHits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestUnusedRenderTargetFormatsIgnored(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	bss := f.boundShaderState(f.layout)
	a := f.highLevel(bss)
	b := f.highLevel(bss)
	b.RTFormats[3] = gputypes.TextureFormatBGRA8Unorm

	assert.True(t, EqualHighLevel(a, b))
	sa, err := c.FindOrCreateGraphics(a)
	require.NoError(t, err)
	sb, err := c.FindOrCreateGraphics(b)
	require.NoError(t, err)
	assert.Same(t, sa, sb)
	assert.Equal(t, 1, c.HighLevelEntryCount())
}

func TestHashCollisionKeepsEntriesDistinct(t *testing.T) {
	f := newFixture()

	other := slices.Clone(f.layout)
	other[1].AlignedByteOffset = 16

	a := DescriptorFromHighLevel(f.highLevel(f.boundShaderState(f.layout)))
	b := DescriptorFromHighLevel(f.highLevel(f.boundShaderState(other)))
	b.combinedHash = a.combinedHash
	require.Equal(t, a.CombinedHash(), b.CombinedHash())
	assert.False(t, EqualGraphics(&a, &b))

	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	sa, err := c.FindOrCreateGraphicsDescriptor(&a)
	require.NoError(t, err)
	sb, err := c.FindOrCreateGraphicsDescriptor(&b)
	require.NoError(t, err)
	assert.NotSame(t, sa, sb)
	assert.Equal(t, 2, c.GraphicsEntryCount())
	assert.Equal(t, 2, dev.creations())

	again, err := c.FindOrCreateGraphicsDescriptor(&b)
	require.NoError(t, err)
	assert.Same(t, sb, again)
}

func TestHashCollisionWithPipelineLibrary(t *testing.T) {
	f := newFixture()

	other := slices.Clone(f.layout)
	other[1].AlignedByteOffset = 16

	a := DescriptorFromHighLevel(f.highLevel(f.boundShaderState(f.layout)))
	b := DescriptorFromHighLevel(f.highLevel(f.boundShaderState(other)))
	b.combinedHash = a.combinedHash

	dev := newLibraryDevice()
	c := NewCache(dev, syncConfig())

	handles := func(first, second *GraphicsDescriptor) (Handle, Handle) {
		s1, err := c.FindOrCreateGraphicsDescriptor(first)
		require.NoError(t, err)
		s2, err := c.FindOrCreateGraphicsDescriptor(second)
		require.NoError(t, err)
		assert.NotEqual(t, s1.Name(), s2.Name())
		h1, err := s1.Handle()
		require.NoError(t, err)
		h2, err := s2.Handle()
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
		return h1, h2
	}

	handles(&a, &b)
	assert.Equal(t, 2, dev.creations())
	assert.Len(t, dev.stored, 2)

	// Reversed, each descriptor gets the name the other was stored under and
	// the library must miss.
	c.Clear()
	handles(&b, &a)
	assert.Equal(t, 4, dev.creations())
	assert.Equal(t, 2, dev.rejected)
	assert.Zero(t, dev.loads)

	// Same order again, both names now hold the matching pipeline.
	c.Clear()
	handles(&b, &a)
	assert.Equal(t, 4, dev.creations())
	assert.Equal(t, 2, dev.loads)

	c.Close()
	calls, distinct := dev.releaseCount()
	assert.Equal(t, 6, calls)
	assert.Equal(t, 6, distinct)
}

func TestTruncatedHashSharesBucket(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()
	c.hashMask = 0

	other := slices.Clone(f.layout)
	other[0].SemanticIndex = 1

	hls := []HighLevelDescriptor{
		f.highLevel(f.boundShaderState(f.layout)),
		f.highLevel(f.boundShaderState(other)),
		f.highLevel(f.boundShaderState(f.layout)),
	}
	var states []*PipelineState
	for _, hl := range hls {
		s, err := c.FindOrCreateGraphics(hl)
		require.NoError(t, err)
		states = append(states, s)
	}

	assert.NotSame(t, states[0], states[1])
	assert.Same(t, states[0], states[2])
	assert.Len(t, c.graphics, 1)
	assert.Len(t, c.graphics[0], 2)
	assert.Equal(t, 2, dev.creations())
}

func TestMaterialsShareFieldIdenticalBlendState(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	bss := f.boundShaderState(f.layout)
	matA := f.highLevel(bss)
	matB := f.highLevel(bss)
	matB.BlendState = NewBlendState(BlendDescOpaque())
	require.NotSame(t, matA.BlendState, matB.BlendState)

	sa, err := c.FindOrCreateGraphics(matA)
	require.NoError(t, err)
	sb, err := c.FindOrCreateGraphics(matB)
	require.NoError(t, err)
	assert.Same(t, sa, sb)
	assert.Equal(t, 1, c.GraphicsEntryCount())

	matB.RTFormats[0] = gputypes.TextureFormatBGRA8Unorm
	sb, err = c.FindOrCreateGraphics(matB)
	require.NoError(t, err)
	assert.NotSame(t, sa, sb)
	assert.Equal(t, 2, c.GraphicsEntryCount())
	assert.Equal(t, 2, dev.creations())
}

func TestAsyncHandleBlocksUntilCreated(t *testing.T) {
	f := newFixture()
	hl := f.highLevel(f.boundShaderState(f.layout))

	want := func() Handle {
		c := NewCache(newMockDevice(), syncConfig())
		defer c.Close()
		s, err := c.FindOrCreateGraphics(hl)
		require.NoError(t, err)
		h, err := s.Handle()
		require.NoError(t, err)
		return h
	}()

	cfg := syncConfig()
	cfg.AsyncCreation = true
	dev := newMockDevice()
	unblock := dev.blockCreation()
	c := NewCache(dev, cfg)
	defer c.Close()

	state, err := c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	<-dev.started
	assert.False(t, state.Poll())

	again, err := c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	assert.Same(t, state, again)

	got := make(chan Handle, 1)
	go func() {
		h, err := state.Handle()
		assert.NoError(t, err)
		got <- h
	}()

	select {
	case <-got:
		t.Fatal("Handle returned before creation finished")
	case <-time.After(50 * time.Millisecond):
	}

	unblock()
	assert.Equal(t, want, <-got)
	assert.True(t, state.Poll())
	assert.Equal(t, 1, dev.creations())
}

func TestConcurrentRequestsShareEntry(t *testing.T) {
	f := newFixture()
	cfg := syncConfig()
	cfg.AsyncCreation = true
	cfg.MaxWorkers = 2
	dev := newMockDevice()
	c := NewCache(dev, cfg)
	defer c.Close()

	bss := f.boundShaderState(f.layout)
	states := make([]*PipelineState, 16)
	wg := sync.WaitGroup{}
	for i := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.FindOrCreateGraphics(f.highLevel(bss))
			assert.NoError(t, err)
			states[i] = s
		}()
	}
	wg.Wait()

	for _, s := range states {
		assert.Same(t, states[0], s)
		_, err := s.Handle()
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, dev.creations())
}

func TestClearReleasesEachEntryOnce(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	other := slices.Clone(f.layout)
	other[1].Format = gputypes.VertexFormatFloat32x2

	shared := f.highLevel(f.boundShaderState(f.layout))
	wide := f.highLevel(f.boundShaderState(f.layout))
	wide.RTFormats[0] = gputypes.TextureFormatBGRA8Unorm
	hls := []HighLevelDescriptor{
		shared,
		f.highLevel(f.boundShaderState(f.layout)),
		f.highLevel(f.boundShaderState(other)),
		wide,
	}
	var states []*PipelineState
	for _, hl := range hls {
		s, err := c.FindOrCreateGraphics(hl)
		require.NoError(t, err)
		states = append(states, s)
	}
	compute, err := c.FindOrCreateCompute(f.compute("cs_main"))
	require.NoError(t, err)

	require.Equal(t, 4, c.HighLevelEntryCount())
	require.Equal(t, 3, c.GraphicsEntryCount())

	c.Clear()

	calls, distinct := dev.releaseCount()
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, distinct)
	assert.Equal(t, 0, c.HighLevelEntryCount())
	assert.Equal(t, 0, c.GraphicsEntryCount())
	assert.Equal(t, 0, c.ComputeEntryCount())
	assert.Equal(t, uint64(4), c.Stats().Releases)

	for _, s := range append(states, compute) {
		assert.True(t, s.Released())
		_, err := s.Handle()
		assert.Error(t, err)
	}

	c.Clear()
	calls, _ = dev.releaseCount()
	assert.Equal(t, 4, calls)

	s, err := c.FindOrCreateGraphics(shared)
	require.NoError(t, err)
	assert.False(t, s.Released())
	assert.Equal(t, 5, dev.creations())
}

func TestCreationFailure(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	dev.failAll = true
	c := NewCache(dev, syncConfig())
	defer c.Close()

	hl := f.highLevel(f.boundShaderState(f.layout))
	s, err := c.FindOrCreateGraphics(hl)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrorPipelineCreation{}))
	assert.Contains(t, err.Error(), s.Name())
	assert.Equal(t, 0, c.GraphicsEntryCount())
	assert.Equal(t, uint64(1), c.Stats().CreationFailures)

	dev.mtx.Lock()
	dev.failAll = false
	dev.mtx.Unlock()

	s, err = c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	h, err := s.Handle()
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Equal(t, 1, c.GraphicsEntryCount())
}

func TestAsyncCreationFailure(t *testing.T) {
	f := newFixture()
	cfg := syncConfig()
	cfg.AsyncCreation = true
	dev := newMockDevice()
	dev.failAll = true
	c := NewCache(dev, cfg)
	defer c.Close()

	s, err := c.FindOrCreateCompute(f.compute("cs_broken"))
	if err == nil {
		_, err = s.Handle()
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrorPipelineCreation{})
	assert.Equal(t, 0, c.ComputeEntryCount())
}

func TestLibraryShortCircuitsCreation(t *testing.T) {
	f := newFixture()
	hl := f.highLevel(f.boundShaderState(f.layout))

	dev := newLibraryDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	s, err := c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	require.Len(t, dev.stored, 1)
	assert.Contains(t, dev.stored, s.Name())

	c.Clear()
	s, err = c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	_, err = s.Handle()
	require.NoError(t, err)
	assert.Equal(t, 1, dev.loads)
	assert.Equal(t, 1, dev.creations())

	cfg := syncConfig()
	cfg.UseAPILibraries = false
	dev = newLibraryDevice()
	noLibrary := NewCache(dev, cfg)
	defer noLibrary.Close()
	_, err = noLibrary.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	assert.Empty(t, dev.stored)
}

func TestStaleBlobRetriedWithoutHint(t *testing.T) {
	f := newFixture()
	cfg := diskConfig(t)
	hl := f.highLevel(f.boundShaderState(f.layout))

	{
		c := NewCache(blobDevice{newMockDevice()}, cfg)
		_, err := c.FindOrCreateGraphics(hl)
		require.NoError(t, err)
		c.Close()
	}

	dev := newMockDevice()
	dev.rejectBlobs = true
	c := NewCache(blobDevice{dev}, cfg)
	defer c.Close()

	s, err := c.FindOrCreateGraphics(hl)
	require.NoError(t, err)
	h, err := s.Handle()
	require.NoError(t, err)
	assert.NotZero(t, h)

	assert.Equal(t, 2, dev.creations())
	assert.Equal(t, 1, dev.blobHints)
	assert.Equal(t, uint64(1), c.Stats().DiskHints)
	desc := DescriptorFromHighLevel(hl)
	assert.Equal(t, []byte("native blob 1"), dev.hints[desc.CombinedHash()])
}

func TestComputeDedup(t *testing.T) {
	f := newFixture()
	dev := newMockDevice()
	c := NewCache(dev, syncConfig())
	defer c.Close()

	a, err := c.FindOrCreateCompute(f.compute("cs_main"))
	require.NoError(t, err)
	b, err := c.FindOrCreateCompute(f.compute("cs_main"))
	require.NoError(t, err)
	other, err := c.FindOrCreateCompute(f.compute("cs_other"))
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, c.ComputeEntryCount())
	assert.Equal(t, 2, dev.computeCalls)
}

func TestUnfinalizedDescriptorAborts(t *testing.T) {
	f := newFixture()
	c := NewCache(newMockDevice(), syncConfig())
	defer c.Close()

	assert.Panics(t, func() {
		_, _ = c.FindOrCreateGraphicsDescriptor(&GraphicsDescriptor{RootSignature: f.rs})
	})
	assert.Panics(t, func() {
		_, _ = c.FindOrCreateCompute(&ComputeDescriptor{RootSignature: f.rs})
	})
}

func TestClosedCacheAborts(t *testing.T) {
	f := newFixture()
	c := NewCache(newMockDevice(), syncConfig())
	c.Close()

	assert.Panics(t, func() {
		_, _ = c.FindOrCreateGraphics(f.highLevel(f.boundShaderState(f.layout)))
	})
}

func TestInvalidConfigAborts(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.MaxWorkers = 0 },
		func(c *Config) { c.HighLevelCacheSize = -1 },
		func(c *Config) { c.DiskCacheGrowSize = -1 },
		func(c *Config) { c.GraphicsCacheFile, c.ComputeCacheFile = "same", "same" },
	} {
		cfg := syncConfig()
		mutate(&cfg)
		assert.Panics(t, func() { NewCache(newMockDevice(), cfg) })
	}
}

func TestHighLevelEvictionFallsBackToTier2(t *testing.T) {
	f := newFixture()
	cfg := syncConfig()
	cfg.HighLevelCacheSize = 1
	dev := newMockDevice()
	c := NewCache(dev, cfg)
	defer c.Close()

	a := f.highLevel(f.boundShaderState(f.layout))
	b := f.highLevel(f.boundShaderState(f.layout))

	sa, err := c.FindOrCreateGraphics(a)
	require.NoError(t, err)
	_, err = c.FindOrCreateGraphics(b)
	require.NoError(t, err)
	assert.Equal(t, 1, c.HighLevelEntryCount())

	again, err := c.FindOrCreateGraphics(a)
	require.NoError(t, err)
	assert.Same(t, sa, again)
	assert.Equal(t, 1, dev.creations())
	assert.Equal(t, uint64(2), c.Stats().LowLevelHits)
}

func TestCacheMarshalJSON(t *testing.T) {
	f := newFixture()
	c := NewCache(newMockDevice(), syncConfig())
	defer c.Close()

	empty := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(c.String()), &empty))

	s, err := c.FindOrCreateGraphics(f.highLevel(f.boundShaderState(f.layout)))
	require.NoError(t, err)
	_, err = c.FindOrCreateCompute(f.compute("cs_main"))
	require.NoError(t, err)

	dump := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(c.String()), &dump))
	assert.EqualValues(t, 1, dump["highLevel"])
	graphics, ok := dump["graphics"].(map[string]any)
	require.True(t, ok)
	require.Len(t, graphics, 1)
	for _, names := range graphics {
		assert.Equal(t, []any{s.Name()}, names)
	}
	assert.Len(t, dump["compute"], 1)
}
