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

	"goarrg.com/rhi/pso/internal/diskcache"
)

type PipelineInfo struct {
	Name              string
	Offset            uint64
	RootSignatureHash uint64
	HasDriverBlob     bool
}

// DiskCacheInfo describes a disk cache file as the current build would see
// it. A Stale file would be discarded on the next writable open.
type DiskCacheInfo struct {
	Path                string
	Kind                DiskCacheKind
	Stale               bool
	Version             uint32
	UsesDriverLibraries bool
	EntryCount          uint32
	TotalPayloadBytes   uint32
	ShaderBlobs         int
	DriverBlobs         int
	InvalidRecords      int
	Pipelines           []PipelineInfo
}

// ReadDiskCacheInfo opens path read only, the file is never modified.
func ReadDiskCacheInfo(path string, kind DiskCacheKind) (DiskCacheInfo, error) {
	switch kind {
	case DiskCacheGraphics:
		return readDiskCacheInfo[GraphicsDescriptor](graphicsCodec{}, path)
	case DiskCacheCompute:
		return readDiskCacheInfo[ComputeDescriptor](computeCodec{}, path)
	}
	abort("Unknown disk cache kind: %d", kind)
	return DiskCacheInfo{}, nil
}

func readDiskCacheInfo[D any](codec recordCodec[D], path string) (DiskCacheInfo, error) {
	info := DiskCacheInfo{
		Path: path,
		Kind: codec.kind(),
	}

	s, err := openDiskStore(codec, path, diskcache.Options{
		Magic:              codec.kind().magic(),
		Version:            CurrentHeaderVersion,
		ReadOnly:           true,
		AnyDriverLibraries: true,
	})
	defer s.close()

	info.Version = s.cache.Version()
	if s.cache.Invalidated() {
		info.Stale = true
		return info, nil
	}
	if err != nil {
		return info, err
	}

	info.UsesDriverLibraries = s.cache.UsesDriverLibraries()
	info.EntryCount = s.cache.EntryCount()
	info.TotalPayloadBytes = s.cache.TotalPayloadBytes()

	s.mtx.Lock()
	info.ShaderBlobs = len(s.shaders)
	info.DriverBlobs = s.driverBlobs
	info.InvalidRecords = s.invalidRecords
	s.mtx.Unlock()

	for _, r := range s.records() {
		info.Pipelines = append(info.Pipelines, PipelineInfo{
			Name:              codec.name(r.desc),
			Offset:            r.offset,
			RootSignatureHash: r.meta.rootSignatureHash,
			HasDriverBlob:     r.meta.blobOffset != 0,
		})
	}
	return info, nil
}

func (p PipelineInfo) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Name\": %q,", p.Name))
	buff.WriteString(fmt.Sprintf("\"Offset\": %d,", p.Offset))
	buff.WriteString(fmt.Sprintf("\"RootSignatureHash\": %q,", toHex(p.RootSignatureHash)))
	buff.WriteString(fmt.Sprintf("\"HasDriverBlob\": %t", p.HasDriverBlob))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (i *DiskCacheInfo) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Path\": %q,", i.Path))
	buff.WriteString(fmt.Sprintf("\"Kind\": %q,", i.Kind))
	buff.WriteString(fmt.Sprintf("\"Stale\": %t,", i.Stale))
	buff.WriteString(fmt.Sprintf("\"Version\": %d,", i.Version))
	buff.WriteString(fmt.Sprintf("\"UsesDriverLibraries\": %t,", i.UsesDriverLibraries))
	buff.WriteString(fmt.Sprintf("\"EntryCount\": %d,", i.EntryCount))
	buff.WriteString(fmt.Sprintf("\"TotalPayloadBytes\": %d,", i.TotalPayloadBytes))
	buff.WriteString(fmt.Sprintf("\"ShaderBlobs\": %d,", i.ShaderBlobs))
	buff.WriteString(fmt.Sprintf("\"DriverBlobs\": %d,", i.DriverBlobs))
	buff.WriteString(fmt.Sprintf("\"InvalidRecords\": %d,", i.InvalidRecords))

	{
		buff.WriteString("\"Pipelines\": [")
		for _, p := range i.Pipelines {
			buff.WriteString(fmt.Sprintf("%s,", jsonString(p)))
		}
		if len(i.Pipelines) > 0 {
			buff.Truncate(buff.Len() - 1)
		}
		buff.WriteString("]")
	}

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (i *DiskCacheInfo) String() string {
	return prettyString(i)
}
