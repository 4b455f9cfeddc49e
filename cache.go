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
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"goarrg.com/rhi/pso/internal/container"
	"goarrg.com/rhi/pso/internal/diskcache"
	"goarrg.com/rhi/pso/internal/util"
)

type entry[D any] struct {
	desc       *D
	state      *PipelineState
	generation uint64
	// ordinal tells apart live entries whose full hash collides, it is part
	// of the library name.
	ordinal uint32
}

// highLevelRef does not own state, it is only valid while generation matches
// the cache's.
type highLevelRef struct {
	state      *PipelineState
	generation uint64
}

type Stats struct {
	HighLevelHits    uint64
	LowLevelHits     uint64
	Misses           uint64
	DiskHints        uint64
	CreationFailures uint64
	Releases         uint64
}

type cacheStats struct {
	highLevelHits    atomic.Uint64
	lowLevelHits     atomic.Uint64
	misses           atomic.Uint64
	diskHints        atomic.Uint64
	creationFailures atomic.Uint64
	releases         atomic.Uint64
}

// Cache deduplicates pipeline objects. Tier-1 maps high level descriptors to
// a back-reference, tier-2 maps low level descriptors to the owned pipeline
// and is authoritative. There is at most one live pipeline per distinct low
// level descriptor.
type Cache struct {
	noCopy     util.NoCopy
	device     Device
	library    PipelineLibrary
	serializer BlobSerializer
	config     config

	generation atomic.Uint64
	highLevel  *lru.Cache[HighLevelDescriptor, highLevelRef]

	// mtx guards the tier-2 maps and the pending queues, tier-2 is always
	// updated before tier-1 under it.
	mtx             sync.Mutex
	hashMask        uint64
	graphics        map[uint64][]*entry[GraphicsDescriptor]
	compute         map[uint64][]*entry[ComputeDescriptor]
	pendingGraphics container.Stack[*entry[GraphicsDescriptor]]
	pendingCompute  container.Stack[*entry[ComputeDescriptor]]

	workers *workerPool

	graphicsDisk *diskStore[GraphicsDescriptor]
	computeDisk  *diskStore[ComputeDescriptor]

	stats cacheStats
}

func NewCache(device Device, cfg Config) *Cache {
	if device == nil {
		abort("NewCache requires a device")
	}
	cfg.validate()

	c := &Cache{
		device:   device,
		hashMask: ^uint64(0),
		graphics: map[uint64][]*entry[GraphicsDescriptor]{},
		compute:  map[uint64][]*entry[ComputeDescriptor]{},
	}
	c.noCopy.Init()
	c.config.use(cfg)

	if c.config.useAPILibraries {
		c.library, _ = device.(PipelineLibrary)
	}
	if c.config.useCachedBlobs {
		c.serializer, _ = device.(BlobSerializer)
	}

	highLevel, err := lru.New[HighLevelDescriptor, highLevelRef](c.config.highLevelCacheSize)
	if err != nil {
		abort("Failed to create high level cache: %s", err)
	}
	c.highLevel = highLevel
	c.workers = newWorkerPool(c.config.maxWorkers)

	if c.config.graphicsCacheFile != "" {
		c.graphicsDisk = openStore[GraphicsDescriptor](graphicsCodec{}, c.config.graphicsCacheFile, c.diskOptions(DiskCacheGraphics))
	}
	if c.config.computeCacheFile != "" {
		c.computeDisk = openStore[ComputeDescriptor](computeCodec{}, c.config.computeCacheFile, c.diskOptions(DiskCacheCompute))
	}

	instance.logger.IPrintf("Created pipeline cache: %s", jsonString(&cfg))
	return c
}

func (c *Cache) diskOptions(kind DiskCacheKind) diskcache.Options {
	return diskcache.Options{
		Magic:               kind.magic(),
		Version:             c.config.headerVersion,
		UsesDriverLibraries: c.serializer != nil,
		GrowSize:            c.config.diskCacheGrowSize,
		ReadOnly:            c.config.readOnlyDiskCache,
	}
}

func openStore[D any](codec recordCodec[D], path string, opts diskcache.Options) *diskStore[D] {
	s, err := openDiskStore(codec, path, opts)
	if err != nil {
		instance.logger.WPrintf("Running without a %s disk cache: %v", codec.kind(), err)
		s.close()
		return nil
	}
	return s
}

func findEntry[D any](buckets map[uint64][]*entry[D], key uint64, d *D, equal func(a, b *D) bool) *entry[D] {
	for _, e := range buckets[key] {
		if equal(e.desc, d) {
			return e
		}
	}
	return nil
}

// nextOrdinal returns an ordinal no live entry with the same full hash uses.
func nextOrdinal[D any](bucket []*entry[D], hash uint64, hashOf func(*D) uint64) uint32 {
	n := uint32(0)
	for _, e := range bucket {
		if hashOf(e.desc) == hash && e.ordinal >= n {
			n = e.ordinal + 1
		}
	}
	return n
}

func removeEntry[D any](buckets map[uint64][]*entry[D], key uint64, e *entry[D]) bool {
	bucket := buckets[key]
	for i, b := range bucket {
		if b == e {
			bucket[i] = bucket[len(bucket)-1]
			bucket[len(bucket)-1] = nil
			bucket = bucket[:len(bucket)-1]
			if len(bucket) == 0 {
				delete(buckets, key)
			} else {
				buckets[key] = bucket
			}
			return true
		}
	}
	return false
}

// earlyError returns the creation error if the state already failed, an async
// creation that has not finished reports its error through Handle.
func earlyError(state *PipelineState) error {
	if state.failed() {
		_, err := state.Handle()
		return err
	}
	return nil
}

func (c *Cache) run(t *creationTask, inline bool) {
	if inline || !c.config.asyncCreation {
		t.doWork()
		return
	}
	c.workers.dispatch(t)
}

// FindOrCreateGraphics returns the pipeline for d, building it on a full miss.
// With async creation enabled the returned state may still be pending, its
// Handle blocks until it is ready.
func (c *Cache) FindOrCreateGraphics(d HighLevelDescriptor) (*PipelineState, error) {
	c.noCopy.Check()
	d = d.normalized()

	if ref, ok := c.highLevel.Get(d); ok {
		if ref.generation == c.generation.Load() && !ref.state.failed() {
			c.stats.highLevelHits.Add(1)
			return ref.state, nil
		}
		c.highLevel.Remove(d)
	}

	desc := descriptorFromHighLevel(d, c.config.reuseBoundShaderStateHashes)
	state := c.findOrCreateGraphics(&desc, &d, false)
	return state, earlyError(state)
}

// FindOrCreateGraphicsDescriptor skips tier-1, desc must be finalized.
func (c *Cache) FindOrCreateGraphicsDescriptor(desc *GraphicsDescriptor) (*PipelineState, error) {
	c.noCopy.Check()
	if !desc.Finalized() {
		abort("FindOrCreateGraphicsDescriptor called with a GraphicsDescriptor that was not finalized")
	}
	state := c.findOrCreateGraphics(desc, nil, false)
	return state, earlyError(state)
}

func (c *Cache) graphicsKey(desc *GraphicsDescriptor) uint64 {
	return desc.CombinedHash() & c.hashMask
}

func (c *Cache) findOrCreateGraphics(desc *GraphicsDescriptor, hl *HighLevelDescriptor, inline bool) *PipelineState {
	key := c.graphicsKey(desc)
	equal := func(a, b *GraphicsDescriptor) bool {
		return equalGraphics(a, b, c.config.equalOptions(false))
	}

	c.mtx.Lock()
	gen := c.generation.Load()
	if e := findEntry(c.graphics, key, desc, equal); e != nil {
		if hl != nil {
			c.highLevel.Add(*hl, highLevelRef{state: e.state, generation: gen})
		}
		c.mtx.Unlock()
		c.stats.lowLevelHits.Add(1)
		return e.state
	}

	e := &entry[GraphicsDescriptor]{
		desc:       desc.clone(),
		generation: gen,
		ordinal:    nextOrdinal(c.graphics[key], desc.CombinedHash(), (*GraphicsDescriptor).CombinedHash),
	}
	e.state = newPipelineState(graphicsPipelineName(desc.CombinedHash(), e.ordinal))
	c.graphics[key] = append(c.graphics[key], e)
	if hl != nil {
		c.highLevel.Add(*hl, highLevelRef{state: e.state, generation: gen})
	}
	c.mtx.Unlock()
	c.stats.misses.Add(1)

	args := graphicsCreationArgs{desc: e.desc, library: c.library}
	if blob := c.graphicsDisk.cachedBlob(e.desc); blob != nil {
		args.cachedBlob = blob
		c.stats.diskHints.Add(1)
	}
	c.run(&creationTask{
		device: c.device,
		state:  e.state,
		args:   args,
		onComplete: func(h Handle, err error) {
			c.mtx.Lock()
			defer c.mtx.Unlock()
			if err != nil {
				c.stats.creationFailures.Add(1)
				removeEntry(c.graphics, key, e)
				return
			}
			if c.graphicsDisk != nil && !c.config.readOnlyDiskCache && e.generation == c.generation.Load() {
				c.pendingGraphics.Push(e)
			}
		},
	}, inline)
	return e.state
}

// FindOrCreateCompute has no high level tier, desc must be finalized.
func (c *Cache) FindOrCreateCompute(desc *ComputeDescriptor) (*PipelineState, error) {
	c.noCopy.Check()
	if !desc.Finalized() {
		abort("FindOrCreateCompute called with a ComputeDescriptor that was not finalized")
	}
	state := c.findOrCreateCompute(desc, false)
	return state, earlyError(state)
}

func (c *Cache) findOrCreateCompute(desc *ComputeDescriptor, inline bool) *PipelineState {
	key := desc.CombinedHash() & c.hashMask
	equal := func(a, b *ComputeDescriptor) bool {
		return equalCompute(a, b, c.config.equalOptions(false))
	}

	c.mtx.Lock()
	if e := findEntry(c.compute, key, desc, equal); e != nil {
		c.mtx.Unlock()
		c.stats.lowLevelHits.Add(1)
		return e.state
	}

	e := &entry[ComputeDescriptor]{
		desc:       desc.clone(),
		generation: c.generation.Load(),
		ordinal:    nextOrdinal(c.compute[key], desc.CombinedHash(), (*ComputeDescriptor).CombinedHash),
	}
	e.state = newPipelineState(computePipelineName(desc.CombinedHash(), e.ordinal))
	c.compute[key] = append(c.compute[key], e)
	c.mtx.Unlock()
	c.stats.misses.Add(1)

	args := computeCreationArgs{desc: e.desc, library: c.library}
	if blob := c.computeDisk.cachedBlob(e.desc); blob != nil {
		args.cachedBlob = blob
		c.stats.diskHints.Add(1)
	}
	c.run(&creationTask{
		device: c.device,
		state:  e.state,
		args:   args,
		onComplete: func(h Handle, err error) {
			c.mtx.Lock()
			defer c.mtx.Unlock()
			if err != nil {
				c.stats.creationFailures.Add(1)
				removeEntry(c.compute, key, e)
				return
			}
			if c.computeDisk != nil && !c.config.readOnlyDiskCache && e.generation == c.generation.Load() {
				c.pendingCompute.Push(e)
			}
		},
	}, inline)
	return e.state
}

func (c *Cache) blobFor(state *PipelineState) []byte {
	if c.serializer == nil {
		return nil
	}
	h, err := state.Handle()
	if err != nil {
		return nil
	}
	blob, err := c.serializer.PipelineStateBlob(h)
	if err != nil {
		instance.logger.WPrintf("Failed to serialize pipeline %s: %v", state.name, err)
		return nil
	}
	return blob
}

// Flush writes every pipeline created since the last flush to the disk caches.
func (c *Cache) Flush() {
	c.noCopy.Check()

	c.mtx.Lock()
	graphics := c.pendingGraphics.Drain()
	compute := c.pendingCompute.Drain()
	c.mtx.Unlock()

	// Drain pops newest first, persist in creation order.
	for i := len(graphics) - 1; i >= 0; i-- {
		e := graphics[i]
		if e.state.Released() || c.graphicsDisk.contains(e.desc) {
			continue
		}
		if err := c.graphicsDisk.persist(e.desc, c.blobFor(e.state)); err != nil {
			break
		}
	}
	for i := len(compute) - 1; i >= 0; i-- {
		e := compute[i]
		if e.state.Released() || c.computeDisk.contains(e.desc) {
			continue
		}
		if err := c.computeDisk.persist(e.desc, c.blobFor(e.state)); err != nil {
			break
		}
	}

	c.graphicsDisk.flush()
	c.computeDisk.flush()
}

// Clear releases every owned pipeline exactly once and drops all
// back-references. Pipelines still being built are waited for.
func (c *Cache) Clear() {
	c.noCopy.Check()
	c.Flush()

	c.mtx.Lock()
	c.generation.Add(1)
	c.highLevel.Purge()
	var states []*PipelineState
	for _, b := range c.graphics {
		for _, e := range b {
			states = append(states, e.state)
		}
	}
	for _, b := range c.compute {
		for _, e := range b {
			states = append(states, e.state)
		}
	}
	c.graphics = map[uint64][]*entry[GraphicsDescriptor]{}
	c.compute = map[uint64][]*entry[ComputeDescriptor]{}
	c.pendingGraphics.Drain()
	c.pendingCompute.Drain()
	c.mtx.Unlock()

	for _, s := range states {
		if !s.Released() {
			s.release(c.device)
			c.stats.releases.Add(1)
		}
	}
	instance.logger.VPrintf("Cleared %d pipelines", len(states))
}

// Close waits for pending creations, persists them and releases everything.
func (c *Cache) Close() {
	c.noCopy.Check()
	c.workers.wait()
	c.Clear()
	c.graphicsDisk.close()
	c.computeDisk.close()
	c.noCopy.Close()
}

// RebuildFromDisk builds every persisted pipeline whose root signature is in
// rootSignatures and returns how many were warmed. Failures are logged and
// skipped.
func (c *Cache) RebuildFromDisk(rootSignatures ...*RootSignature) int {
	c.noCopy.Check()

	byHash := map[uint64]*RootSignature{}
	for _, r := range rootSignatures {
		byHash[r.hash] = r
	}

	var warmed atomic.Int64
	g := errgroup.Group{}
	g.SetLimit(c.config.maxWorkers)

	for _, r := range c.graphicsDisk.records() {
		rs, ok := byHash[r.meta.rootSignatureHash]
		if !ok {
			continue
		}
		g.Go(func() error {
			desc := r.desc.clone()
			desc.RootSignature = rs
			state := c.findOrCreateGraphics(desc, nil, true)
			if _, err := state.Handle(); err == nil {
				warmed.Add(1)
			}
			return nil
		})
	}
	for _, r := range c.computeDisk.records() {
		rs, ok := byHash[r.meta.rootSignatureHash]
		if !ok {
			continue
		}
		g.Go(func() error {
			desc := r.desc.clone()
			desc.RootSignature = rs
			state := c.findOrCreateCompute(desc, true)
			if _, err := state.Handle(); err == nil {
				warmed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	instance.logger.IPrintf("Warmed %d pipelines from disk", warmed.Load())
	return int(warmed.Load())
}

func (c *Cache) GraphicsEntryCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := 0
	for _, b := range c.graphics {
		n += len(b)
	}
	return n
}

func (c *Cache) ComputeEntryCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := 0
	for _, b := range c.compute {
		n += len(b)
	}
	return n
}

func (c *Cache) HighLevelEntryCount() int {
	return c.highLevel.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		HighLevelHits:    c.stats.highLevelHits.Load(),
		LowLevelHits:     c.stats.lowLevelHits.Load(),
		Misses:           c.stats.misses.Load(),
		DiskHints:        c.stats.diskHints.Load(),
		CreationFailures: c.stats.creationFailures.Load(),
		Releases:         c.stats.releases.Load(),
	}
}

func (s Stats) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"HighLevelHits\": %d,", s.HighLevelHits))
	buff.WriteString(fmt.Sprintf("\"LowLevelHits\": %d,", s.LowLevelHits))
	buff.WriteString(fmt.Sprintf("\"Misses\": %d,", s.Misses))
	buff.WriteString(fmt.Sprintf("\"DiskHints\": %d,", s.DiskHints))
	buff.WriteString(fmt.Sprintf("\"CreationFailures\": %d,", s.CreationFailures))
	buff.WriteString(fmt.Sprintf("\"Releases\": %d", s.Releases))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func marshalBuckets[D any](buff *bytes.Buffer, buckets map[uint64][]*entry[D]) {
	err := mapRunFuncSorted(buckets, func(k uint64, v []*entry[D]) error {
		buff.WriteString(fmt.Sprintf("%q: [", toHex(k)))
		for _, e := range v {
			buff.WriteString(fmt.Sprintf("%q,", e.state.name))
		}
		buff.Truncate(buff.Len() - 1)
		buff.WriteString("],")
		return nil
	})
	if err == nil {
		buff.Truncate(buff.Len() - 1)
	}
}

func (c *Cache) MarshalJSON() ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"generation\": %d,", c.generation.Load()))
	buff.WriteString(fmt.Sprintf("\"highLevel\": %d,", c.highLevel.Len()))
	buff.WriteString(fmt.Sprintf("\"stats\": %s,", jsonString(c.Stats())))

	{
		buff.WriteString("\"graphics\": {")
		marshalBuckets(&buff, c.graphics)
		buff.WriteString("},")
	}
	{
		buff.WriteString("\"compute\": {")
		marshalBuckets(&buff, c.compute)
		buff.WriteString("},")
	}

	buff.WriteString(fmt.Sprintf("\"graphicsDisk\": %d,", c.graphicsDisk.len()))
	buff.WriteString(fmt.Sprintf("\"computeDisk\": %d", c.computeDisk.len()))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *Cache) String() string {
	return prettyString(c)
}
