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
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/golang/snappy"
	"goarrg.com/debug"
	"goarrg.com/rhi/pso/internal/diskcache"
)

// CurrentHeaderVersion must be bumped whenever a hashed descriptor field or
// the record layout changes, older files are discarded rather than migrated.
const CurrentHeaderVersion uint32 = 1

const (
	graphicsCacheMagic uint32 = 0x47505350 // "PSPG"
	computeCacheMagic  uint32 = 0x43505350 // "PSPC"
)

const (
	tagShaderBytecode uint32 = iota + 1
	tagDriverBlob
	tagGraphicsRecord
	tagComputeRecord
)

type DiskCacheKind uint8

const (
	DiskCacheGraphics DiskCacheKind = iota
	DiskCacheCompute
)

func (k DiskCacheKind) String() string {
	switch k {
	case DiskCacheGraphics:
		return "graphics"
	case DiskCacheCompute:
		return "compute"
	}
	return "unknown"
}

func ParseDiskCacheKind(s string) (DiskCacheKind, error) {
	switch s {
	case "graphics":
		return DiskCacheGraphics, nil
	case "compute":
		return DiskCacheCompute, nil
	}
	return 0, debug.Errorf("Unknown disk cache kind %q, want graphics or compute", s)
}

func (k DiskCacheKind) magic() uint32 {
	if k == DiskCacheCompute {
		return computeCacheMagic
	}
	return graphicsCacheMagic
}

type recordMeta struct {
	combinedHash      uint64
	rootSignatureHash uint64
	blobOffset        uint64
}

type shaderResolver func(offset uint64, length uint32, hash ShaderHash) ([]byte, error)

// recordCodec describes how one descriptor kind is stored on disk.
type recordCodec[D any] interface {
	kind() DiskCacheKind
	tag() uint32
	name(d *D) string
	combinedHash(d *D) uint64
	rootSignatureHash(d *D) uint64
	equal(a, b *D) bool
	shaders(d *D) []*ShaderBytecode
	encode(w *bytes.Buffer, d *D, shaderOffsets []uint64, blobOffset uint64)
	decode(r *recordReader, resolve shaderResolver) (*D, recordMeta)
}

type recordReader struct {
	data []byte
	err  error
}

func (r *recordReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *recordReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data) < n {
		r.fail(debug.Errorf("Record truncated: want %d bytes, have %d", n, len(r.data)))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *recordReader) readUint8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *recordReader) readUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (r *recordReader) readUint64() uint64 {
	lo := r.readUint32()
	hi := r.readUint32()
	return uint64(lo) | uint64(hi)<<32
}

func (r *recordReader) readFloat32() float32 {
	return math.Float32frombits(r.readUint32())
}

func (r *recordReader) readBool() bool {
	return r.readUint8() != 0
}

func (r *recordReader) readString() string {
	n := r.readUint32()
	return string(r.next(int(n)))
}

func (r *recordReader) readShaderHash() ShaderHash {
	var h ShaderHash
	copy(h[:], r.next(len(h)))
	return h
}

// readCount reads an array length and rejects values that cannot fit in the
// remaining bytes given each element needs at least minSize of them.
func (r *recordReader) readCount(minSize int) int {
	n := int(r.readUint32())
	if r.err == nil && n*minSize > len(r.data) {
		r.fail(debug.Errorf("Record array of %d elements overruns record", n))
		return 0
	}
	return n
}

func (r *recordReader) readShaderBytecode(resolve shaderResolver) (ShaderBytecode, uint64) {
	length := r.readUint32()
	hash := r.readShaderHash()
	offset := r.readUint64()
	if r.err != nil || length == 0 {
		return ShaderBytecode{}, 0
	}
	code, err := resolve(offset, length, hash)
	if err != nil {
		r.fail(err)
		return ShaderBytecode{}, 0
	}
	return ShaderBytecode{Code: code, Hash: hash}, offset
}

func writeShaderBytecode(w *bytes.Buffer, b *ShaderBytecode, offset uint64) {
	writeUint32(w, uint32(b.Len()))
	w.Write(b.Hash[:])
	writeUint64(w, offset)
}

func readBlendDesc(r *recordReader, d *BlendDesc) {
	d.AlphaToCoverage = r.readBool()
	d.IndependentBlend = r.readBool()
	for i := range d.RenderTargets {
		rt := &d.RenderTargets[i]
		rt.BlendEnable = r.readBool()
		rt.Color.SrcFactor = gputypes.BlendFactor(r.readUint32())
		rt.Color.DstFactor = gputypes.BlendFactor(r.readUint32())
		rt.Color.Operation = gputypes.BlendOperation(r.readUint32())
		rt.Alpha.SrcFactor = gputypes.BlendFactor(r.readUint32())
		rt.Alpha.DstFactor = gputypes.BlendFactor(r.readUint32())
		rt.Alpha.Operation = gputypes.BlendOperation(r.readUint32())
		rt.WriteMask = gputypes.ColorWriteMask(r.readUint32())
	}
}

func readRasterizerDesc(r *recordReader, d *RasterizerDesc) {
	d.FillMode = FillMode(r.readUint8())
	d.CullMode = gputypes.CullMode(r.readUint32())
	d.FrontFace = gputypes.FrontFace(r.readUint32())
	d.DepthBias = int32(r.readUint32())
	d.DepthBiasClamp = r.readFloat32()
	d.SlopeScaledDepthBias = r.readFloat32()
	d.DepthClipEnable = r.readBool()
	d.MultisampleEnable = r.readBool()
	d.AntialiasedLineEnable = r.readBool()
	d.ForcedSampleCount = r.readUint32()
	d.ConservativeRaster = r.readBool()
}

func readDepthStencilDesc(r *recordReader, d *DepthStencilDesc) {
	d.DepthEnable = r.readBool()
	d.DepthWrite = r.readBool()
	d.DepthCompare = gputypes.CompareFunction(r.readUint32())
	d.StencilEnable = r.readBool()
	d.StencilReadMask = r.readUint8()
	d.StencilWriteMask = r.readUint8()
	for _, f := range []*gputypes.StencilFaceState{&d.Front, &d.Back} {
		f.Compare = gputypes.CompareFunction(r.readUint32())
		f.FailOp = gputypes.StencilOperation(r.readUint32())
		f.DepthFailOp = gputypes.StencilOperation(r.readUint32())
		f.PassOp = gputypes.StencilOperation(r.readUint32())
	}
}

func readFixedState(r *recordReader, d *GraphicsDescriptor) {
	readBlendDesc(r, &d.Blend)
	d.SampleMask = r.readUint32()
	readRasterizerDesc(r, &d.Rasterizer)
	readDepthStencilDesc(r, &d.DepthStencil)
	d.NumRenderTargets = r.readUint32()
	if d.NumRenderTargets > MaxRenderTargets {
		r.fail(debug.Errorf("Record has %d render targets", d.NumRenderTargets))
		return
	}
	for i := uint32(0); i < d.NumRenderTargets; i++ {
		d.RTFormats[i] = gputypes.TextureFormat(r.readUint32())
	}
	d.DSVFormat = gputypes.TextureFormat(r.readUint32())
	d.PrimitiveTopologyType = PrimitiveTopologyType(r.readUint8())
	d.SampleDesc.Count = r.readUint32()
	d.SampleDesc.Quality = r.readUint32()
	d.NodeMask = r.readUint32()
	d.Flags = PipelineFlags(r.readUint32())
}

func readInputLayout(r *recordReader) []InputElement {
	n := r.readCount(28)
	if n == 0 {
		return nil
	}
	ret := make([]InputElement, n)
	for i := range ret {
		e := &ret[i]
		e.SemanticName = r.readString()
		e.SemanticIndex = r.readUint32()
		e.Format = gputypes.VertexFormat(r.readUint32())
		e.InputSlot = r.readUint32()
		e.AlignedByteOffset = r.readUint32()
		e.SlotClass = gputypes.VertexStepMode(r.readUint32())
		e.InstanceDataStepRate = r.readUint32()
	}
	return ret
}

func readStreamOutput(r *recordReader) StreamOutputDesc {
	so := StreamOutputDesc{}
	if n := r.readCount(15); n > 0 {
		so.Entries = make([]StreamOutputDecl, n)
		for i := range so.Entries {
			e := &so.Entries[i]
			e.Stream = r.readUint32()
			e.SemanticName = r.readString()
			e.SemanticIndex = r.readUint32()
			e.StartComponent = r.readUint8()
			e.ComponentCount = r.readUint8()
			e.OutputSlot = r.readUint8()
		}
	}
	if n := r.readCount(4); n > 0 {
		so.BufferStrides = make([]uint32, n)
		for i := range so.BufferStrides {
			so.BufferStrides[i] = r.readUint32()
		}
	}
	so.RasterizedStream = r.readUint32()
	return so
}

type graphicsCodec struct{}

var _ recordCodec[GraphicsDescriptor] = graphicsCodec{}

func (graphicsCodec) kind() DiskCacheKind { return DiskCacheGraphics }
func (graphicsCodec) tag() uint32         { return tagGraphicsRecord }

func (graphicsCodec) name(d *GraphicsDescriptor) string {
	return graphicsPipelineName(d.CombinedHash(), 0)
}

func (graphicsCodec) combinedHash(d *GraphicsDescriptor) uint64 {
	return d.CombinedHash()
}

func (graphicsCodec) rootSignatureHash(d *GraphicsDescriptor) uint64 {
	return d.RootSignature.hash
}

func (graphicsCodec) equal(a, b *GraphicsDescriptor) bool {
	return equalGraphics(a, b, equalOptions{rootSignatureByHash: true})
}

func (graphicsCodec) shaders(d *GraphicsDescriptor) []*ShaderBytecode {
	s := d.stages()
	return s[:]
}

func (graphicsCodec) encode(w *bytes.Buffer, d *GraphicsDescriptor, shaderOffsets []uint64, blobOffset uint64) {
	writeUint64(w, d.CombinedHash())
	writeUint64(w, d.RootSignature.hash)
	for i, s := range d.stages() {
		writeShaderBytecode(w, s, shaderOffsets[i])
	}
	writeFixedState(w, d)
	writeInputLayout(w, d.InputLayout)
	writeStreamOutput(w, &d.StreamOutput)
	writeUint64(w, blobOffset)
}

func (graphicsCodec) decode(r *recordReader, resolve shaderResolver) (*GraphicsDescriptor, recordMeta) {
	meta := recordMeta{}
	d := &GraphicsDescriptor{}

	meta.combinedHash = r.readUint64()
	meta.rootSignatureHash = r.readUint64()
	for _, s := range d.stages() {
		*s, _ = r.readShaderBytecode(resolve)
	}
	readFixedState(r, d)
	d.InputLayout = readInputLayout(r)
	d.StreamOutput = readStreamOutput(r)
	meta.blobOffset = r.readUint64()
	if r.err != nil {
		return nil, meta
	}
	if len(r.data) != 0 {
		r.fail(debug.Errorf("Record has %d trailing bytes", len(r.data)))
		return nil, meta
	}

	d.RootSignature = &RootSignature{hash: meta.rootSignatureHash}
	if err := d.check(); err != nil {
		r.fail(err)
		return nil, meta
	}
	d.combinedHash = ComputeHash(d)
	d.finalized = true
	if d.combinedHash != meta.combinedHash {
		r.fail(debug.Errorf("Record hash %s does not match content hash %s", toHex(meta.combinedHash), toHex(d.combinedHash)))
		return nil, meta
	}
	return d, meta
}

type computeCodec struct{}

var _ recordCodec[ComputeDescriptor] = computeCodec{}

func (computeCodec) kind() DiskCacheKind { return DiskCacheCompute }
func (computeCodec) tag() uint32         { return tagComputeRecord }

func (computeCodec) name(d *ComputeDescriptor) string {
	return computePipelineName(d.CombinedHash(), 0)
}

func (computeCodec) combinedHash(d *ComputeDescriptor) uint64 {
	return d.CombinedHash()
}

func (computeCodec) rootSignatureHash(d *ComputeDescriptor) uint64 {
	return d.RootSignature.hash
}

func (computeCodec) equal(a, b *ComputeDescriptor) bool {
	return equalCompute(a, b, equalOptions{rootSignatureByHash: true})
}

func (computeCodec) shaders(d *ComputeDescriptor) []*ShaderBytecode {
	return []*ShaderBytecode{&d.CS}
}

func (computeCodec) encode(w *bytes.Buffer, d *ComputeDescriptor, shaderOffsets []uint64, blobOffset uint64) {
	writeUint64(w, d.CombinedHash())
	writeUint64(w, d.RootSignature.hash)
	writeShaderBytecode(w, &d.CS, shaderOffsets[0])
	writeUint32(w, d.NodeMask)
	writeUint32(w, uint32(d.Flags))
	writeUint64(w, blobOffset)
}

func (computeCodec) decode(r *recordReader, resolve shaderResolver) (*ComputeDescriptor, recordMeta) {
	meta := recordMeta{}
	d := &ComputeDescriptor{}

	meta.combinedHash = r.readUint64()
	meta.rootSignatureHash = r.readUint64()
	d.CS, _ = r.readShaderBytecode(resolve)
	d.NodeMask = r.readUint32()
	d.Flags = PipelineFlags(r.readUint32())
	meta.blobOffset = r.readUint64()
	if r.err != nil {
		return nil, meta
	}
	if len(r.data) != 0 {
		r.fail(debug.Errorf("Record has %d trailing bytes", len(r.data)))
		return nil, meta
	}

	d.RootSignature = &RootSignature{hash: meta.rootSignatureHash}
	if err := d.check(); err != nil {
		r.fail(err)
		return nil, meta
	}
	d.combinedHash = ComputeComputeHash(d)
	d.finalized = true
	if d.combinedHash != meta.combinedHash {
		r.fail(debug.Errorf("Record hash %s does not match content hash %s", toHex(meta.combinedHash), toHex(d.combinedHash)))
		return nil, meta
	}
	return d, meta
}

// encodeRecord returns the snappy compressed record for d.
func encodeRecord[D any](codec recordCodec[D], d *D, shaderOffsets []uint64, blobOffset uint64) []byte {
	buff := bytes.Buffer{}
	codec.encode(&buff, d, shaderOffsets, blobOffset)
	return snappy.Encode(nil, buff.Bytes())
}

func decodeRecord[D any](codec recordCodec[D], data []byte, resolve shaderResolver) (*D, recordMeta, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, recordMeta{}, debug.ErrorWrapf(err, "Failed to decompress record")
	}
	r := recordReader{data: raw}
	d, meta := codec.decode(&r, resolve)
	if r.err != nil {
		return nil, meta, r.err
	}
	return d, meta, nil
}

type diskRecord[D any] struct {
	offset uint64
	desc   *D
	meta   recordMeta
}

// diskStore is the in memory index over one disk cache file, rebuilt from the
// file at open. Shader bytecode is stored once per hash and copied out of the
// mapping so records stay valid as the file grows.
type diskStore[D any] struct {
	codec recordCodec[D]
	cache *diskcache.DiskCache

	mtx            sync.Mutex
	index          map[uint64][]*diskRecord[D]
	shaders        map[ShaderHash]uint64
	numRecords     int
	invalidRecords int
	driverBlobs    int
}

func openDiskStore[D any](codec recordCodec[D], path string, opts diskcache.Options) (*diskStore[D], error) {
	s := &diskStore[D]{
		codec:   codec,
		cache:   diskcache.Open(path, opts),
		index:   map[uint64][]*diskRecord[D]{},
		shaders: map[ShaderHash]uint64{},
	}
	if err := s.cache.Err(); err != nil {
		return s, err
	}
	if s.cache.Invalidated() {
		instance.logger.IPrintf("Disk cache %q was stale, pipelines will be rebuilt", path)
	}
	s.load()
	return s, nil
}

func (s *diskStore[D]) load() {
	type shaderBlob struct {
		code []byte
		hash ShaderHash
	}
	type rawRecord struct {
		offset uint64
		data   []byte
	}

	shaderBlobs := map[uint64]shaderBlob{}
	var records []rawRecord

	err := s.cache.Walk(func(offset uint64, tag uint32, data []byte) bool {
		switch tag {
		case tagShaderBytecode:
			code := slices.Clone(data)
			hash := ShaderHash(sha1.Sum(code))
			shaderBlobs[offset] = shaderBlob{code: code, hash: hash}
			s.shaders[hash] = offset
		case tagDriverBlob:
			s.driverBlobs++
		case s.codec.tag():
			records = append(records, rawRecord{offset: offset, data: slices.Clone(data)})
		default:
			instance.logger.VPrintf("Skipping blob with unknown tag %d at offset %d", tag, offset)
		}
		return true
	})
	if err != nil {
		instance.logger.WPrintf("Failed to read disk cache %q: %v", s.cache.Path(), err)
		return
	}

	resolve := func(offset uint64, length uint32, hash ShaderHash) ([]byte, error) {
		blob, ok := shaderBlobs[offset]
		if !ok {
			return nil, debug.Errorf("No shader bytecode at offset %d", offset)
		}
		if blob.hash != hash || len(blob.code) != int(length) {
			return nil, debug.Errorf("Shader bytecode at offset %d does not match %s", offset, hash)
		}
		return blob.code, nil
	}

	for _, raw := range records {
		d, meta, err := decodeRecord(s.codec, raw.data, resolve)
		if err != nil {
			s.invalidRecords++
			instance.logger.VPrintf("Skipping record at offset %d of %q: %v", raw.offset, s.cache.Path(), err)
			continue
		}
		s.index[meta.combinedHash] = append(s.index[meta.combinedHash], &diskRecord[D]{offset: raw.offset, desc: d, meta: meta})
		s.numRecords++
	}

	if s.invalidRecords > 0 {
		instance.logger.WPrintf("Skipped %d invalid records in %q", s.invalidRecords, s.cache.Path())
	}
	if n := s.cache.EntryCount(); int(n) != s.numRecords+s.invalidRecords {
		instance.logger.VPrintf("Disk cache %q header counts %d entries, found %d", s.cache.Path(), n, s.numRecords+s.invalidRecords)
	}
	instance.logger.IPrintf("Loaded %d %s pipelines from %q", s.numRecords, s.codec.kind(), s.cache.Path())
}

func (s *diskStore[D]) lookupLocked(d *D) *diskRecord[D] {
	for _, r := range s.index[s.codec.combinedHash(d)] {
		if s.codec.equal(r.desc, d) {
			return r
		}
	}
	return nil
}

func (s *diskStore[D]) contains(d *D) bool {
	if s == nil {
		return false
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lookupLocked(d) != nil
}

// cachedBlob returns a copy of the native blob stored with a record equal to d.
func (s *diskStore[D]) cachedBlob(d *D) []byte {
	if s == nil {
		return nil
	}
	s.mtx.Lock()
	r := s.lookupLocked(d)
	s.mtx.Unlock()
	if r == nil || r.meta.blobOffset == 0 {
		return nil
	}
	if tag, err := s.cache.TagAt(r.meta.blobOffset); err != nil || tag != tagDriverBlob {
		instance.logger.WPrintf("Ignoring driver blob of pipeline %s: no driver blob at offset %d", s.codec.name(r.desc), r.meta.blobOffset)
		return nil
	}
	blob, err := s.cache.ReadDataAt(r.meta.blobOffset)
	if err != nil {
		return nil
	}
	return blob
}

// persist appends d unless an equal record exists. Any disk error is sticky in
// the underlying cache and reported once there.
func (s *diskStore[D]) persist(d *D, blob []byte) error {
	if s == nil {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.lookupLocked(d) != nil {
		return nil
	}

	shaders := s.codec.shaders(d)
	offsets := make([]uint64, len(shaders))
	for i, b := range shaders {
		if b.Empty() {
			continue
		}
		off, ok := s.shaders[b.Hash]
		if !ok {
			var err error
			off, err = s.cache.AppendData(tagShaderBytecode, b.Code)
			if err != nil {
				return err
			}
			s.shaders[b.Hash] = off
		}
		offsets[i] = off
	}

	meta := recordMeta{
		combinedHash:      s.codec.combinedHash(d),
		rootSignatureHash: s.codec.rootSignatureHash(d),
	}
	if len(blob) > 0 {
		off, err := s.cache.AppendData(tagDriverBlob, blob)
		if err != nil {
			return err
		}
		meta.blobOffset = off
		s.driverBlobs++
	}

	off, err := s.cache.AppendData(s.codec.tag(), encodeRecord(s.codec, d, offsets, meta.blobOffset))
	if err != nil {
		return err
	}
	if err := s.cache.IncrementEntryCount(); err != nil {
		return err
	}

	s.index[meta.combinedHash] = append(s.index[meta.combinedHash], &diskRecord[D]{offset: off, desc: d, meta: meta})
	s.numRecords++
	instance.logger.VPrintf("Persisted pipeline %s at offset %d", s.codec.name(d), off)
	return nil
}

// records returns every valid record in file order.
func (s *diskStore[D]) records() []*diskRecord[D] {
	if s == nil {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ret := make([]*diskRecord[D], 0, s.numRecords)
	for _, b := range s.index {
		ret = append(ret, b...)
	}
	slices.SortFunc(ret, func(a, b *diskRecord[D]) int {
		switch {
		case a.offset < b.offset:
			return -1
		case a.offset > b.offset:
			return 1
		}
		return 0
	})
	return ret
}

func (s *diskStore[D]) flush() {
	if s == nil {
		return
	}
	_ = s.cache.Flush()
}

func (s *diskStore[D]) close() {
	if s == nil {
		return
	}
	if err := s.cache.Close(); err != nil {
		instance.logger.WPrintf("Failed to close disk cache %q: %v", s.cache.Path(), err)
	}
}

func (s *diskStore[D]) len() int {
	if s == nil {
		return 0
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.numRecords
}
