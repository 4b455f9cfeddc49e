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
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
	"goarrg.com/debug"
	"goarrg.com/rhi/pso/internal/diskcache"
)

type Config struct {
	// Empty paths disable the matching disk cache.
	GraphicsCacheFile string `toml:"graphics_cache_file"`
	ComputeCacheFile  string `toml:"compute_cache_file"`
	ReadOnlyDiskCache bool   `toml:"read_only_disk_cache"`
	DiskCacheGrowSize int64  `toml:"disk_cache_grow_size"`

	// UseAPILibraries loads and stores pipelines through the device's
	// PipelineLibrary when it implements one.
	UseAPILibraries bool `toml:"use_api_libraries"`
	// UseCachedBlobs persists native blobs through the device's
	// BlobSerializer and passes them back as creation hints.
	UseCachedBlobs bool `toml:"use_cached_blobs"`

	AsyncCreation      bool  `toml:"async_creation"`
	MaxWorkers         int32 `toml:"max_workers"`
	HighLevelCacheSize int32 `toml:"high_level_cache_size"`

	ReuseBoundShaderStateHashes bool `toml:"reuse_bound_shader_state_hashes"`
	VerifyBytecode              bool `toml:"verify_bytecode"`

	headerVersion uint32
}

func DefaultConfig() Config {
	return Config{
		DiskCacheGrowSize:  diskcache.DefaultGrowSize,
		UseAPILibraries:    true,
		UseCachedBlobs:     true,
		AsyncCreation:      true,
		MaxWorkers:         int32(runtime.NumCPU()),
		HighLevelCacheSize: 4096,
	}
}

func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, debug.ErrorWrapf(err, "Failed to load config %q", path)
	}
	for _, k := range md.Undecoded() {
		instance.logger.WPrintf("Unknown key in config %q: %s", path, k.String())
	}
	return c, nil
}

func WriteConfig(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return debug.ErrorWrapf(err, "Failed to create config %q", path)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return debug.ErrorWrapf(err, "Failed to write config %q", path)
	}
	if err := f.Close(); err != nil {
		return debug.ErrorWrapf(err, "Failed to write config %q", path)
	}
	return nil
}

func (c *Config) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"GraphicsCacheFile\": %q,", c.GraphicsCacheFile))
	buff.WriteString(fmt.Sprintf("\"ComputeCacheFile\": %q,", c.ComputeCacheFile))
	buff.WriteString(fmt.Sprintf("\"ReadOnlyDiskCache\": %t,", c.ReadOnlyDiskCache))
	buff.WriteString(fmt.Sprintf("\"DiskCacheGrowSize\": %d,", c.DiskCacheGrowSize))
	buff.WriteString(fmt.Sprintf("\"UseAPILibraries\": %t,", c.UseAPILibraries))
	buff.WriteString(fmt.Sprintf("\"UseCachedBlobs\": %t,", c.UseCachedBlobs))
	buff.WriteString(fmt.Sprintf("\"AsyncCreation\": %t,", c.AsyncCreation))
	buff.WriteString(fmt.Sprintf("\"MaxWorkers\": %d,", c.MaxWorkers))
	buff.WriteString(fmt.Sprintf("\"HighLevelCacheSize\": %d,", c.HighLevelCacheSize))
	buff.WriteString(fmt.Sprintf("\"ReuseBoundShaderStateHashes\": %t,", c.ReuseBoundShaderStateHashes))
	buff.WriteString(fmt.Sprintf("\"VerifyBytecode\": %t", c.VerifyBytecode))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *Config) validate() {
	if c.MaxWorkers <= 0 {
		abort("Config.MaxWorkers must be >= 1")
	}
	if c.HighLevelCacheSize <= 0 {
		abort("Config.HighLevelCacheSize must be >= 1")
	}
	if c.DiskCacheGrowSize < 0 {
		abort("Config.DiskCacheGrowSize must be >= 0")
	}
	if c.GraphicsCacheFile != "" && c.GraphicsCacheFile == c.ComputeCacheFile {
		abort("Config.GraphicsCacheFile and Config.ComputeCacheFile must differ: %q", c.GraphicsCacheFile)
	}
}

type config struct {
	graphicsCacheFile string
	computeCacheFile  string
	readOnlyDiskCache bool
	diskCacheGrowSize int64
	headerVersion     uint32

	useAPILibraries bool
	useCachedBlobs  bool

	asyncCreation      bool
	maxWorkers         int
	highLevelCacheSize int

	reuseBoundShaderStateHashes bool
	verifyBytecode              bool
}

func (c *config) use(user Config) {
	c.graphicsCacheFile = user.GraphicsCacheFile
	c.computeCacheFile = user.ComputeCacheFile
	c.readOnlyDiskCache = user.ReadOnlyDiskCache
	c.diskCacheGrowSize = user.DiskCacheGrowSize
	c.headerVersion = CurrentHeaderVersion
	if user.headerVersion != 0 {
		c.headerVersion = user.headerVersion
	}

	c.useAPILibraries = user.UseAPILibraries
	c.useCachedBlobs = user.UseCachedBlobs

	c.asyncCreation = user.AsyncCreation
	c.maxWorkers = int(user.MaxWorkers)
	c.highLevelCacheSize = int(user.HighLevelCacheSize)

	c.reuseBoundShaderStateHashes = user.ReuseBoundShaderStateHashes
	c.verifyBytecode = user.VerifyBytecode
}

func (c *config) equalOptions(rootSignatureByHash bool) equalOptions {
	return equalOptions{
		verifyBytecode:      c.verifyBytecode,
		rootSignatureByHash: rootSignatureByHash,
	}
}
