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

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goarrg.com/debug"
	"goarrg.com/rhi/pso"
)

var flags flag.FlagSet

type kind pso.DiskCacheKind

func (k *kind) UnmarshalText(data []byte) error {
	v, err := pso.ParseDiskCacheKind(string(data))
	if err != nil {
		return err
	}
	*k = kind(v)
	return nil
}

func (k kind) MarshalText() (text []byte, err error) {
	return ([]byte)(pso.DiskCacheKind(k).String()), nil
}

func main() {
	debug.SetLevel(debug.LogLevelWarn)

	flags.Usage = help
	flags.Init("", flag.ExitOnError)

	v := flags.Bool("v", false, "Verbose - Print high level tasks")
	vv := flags.Bool("vv", false, "Very Verbose - Print everything")

	k := kind(0)
	flags.TextVar(&k, "kind", kind(pso.DiskCacheGraphics), "Sets the kind of pipelines stored in <file>.\n"+
		"Valid values are \"graphics\" and \"compute\".")
	dumpJSON := flags.Bool("json", false, "Print every pipeline record as json instead of a summary.")
	initConfig := flags.String("init-config", "", "Writes the default pso.Config as toml to the given path and exits.")

	err := flags.Parse(os.Args[1:])
	if err != nil {
		panic(err)
	}

	if *v {
		debug.SetLevel(debug.LogLevelInfo)
	} else if *vv {
		debug.SetLevel(debug.LogLevelVerbose)
	}

	if *initConfig != "" {
		debug.IPrintf("Writing default config to: %q", *initConfig)
		if err := pso.WriteConfig(*initConfig, pso.DefaultConfig()); err != nil {
			debug.EPrintf("%s", err)
			os.Exit(1)
		}
		return
	}

	args := flags.Args()
	if len(args) == 0 {
		debug.EPrintf("No input file provided.")
		help()
		os.Exit(2)
	} else if len(args) > 1 {
		debug.EPrintf("psocache can only inspect one file at a time.")
		help()
		os.Exit(2)
	}

	info, err := pso.ReadDiskCacheInfo(args[0], pso.DiskCacheKind(k))
	if err != nil {
		debug.EPrintf("%s", err)
		os.Exit(1)
	}

	if *dumpJSON {
		fmt.Println(info.String())
	} else {
		printSummary(&info)
	}

	if info.Stale {
		os.Exit(1)
	}
}

func printSummary(info *pso.DiskCacheInfo) {
	if info.Stale {
		fmt.Printf("%s: stale %s cache [version %d, current %d], it will be rebuilt on next use\n",
			info.Path, info.Kind, info.Version, pso.CurrentHeaderVersion)
		return
	}
	fmt.Printf("%s: %s cache version %d\n", info.Path, info.Kind, info.Version)
	fmt.Printf("\tpipelines:       %d (header %d, invalid %d)\n", len(info.Pipelines), info.EntryCount, info.InvalidRecords)
	fmt.Printf("\tshader blobs:    %d\n", info.ShaderBlobs)
	fmt.Printf("\tdriver blobs:    %d (driver libraries %t)\n", info.DriverBlobs, info.UsesDriverLibraries)
	fmt.Printf("\tpayload bytes:   %d\n", info.TotalPayloadBytes)
}

func help() {
	fmt.Fprintf(os.Stderr, "psocache inspects a pipeline disk cache written by pso.Cache.\n"+
		"\nThe file is opened read only, a stale file (older version or another build's layout) exits with status 1.\n"+
		"\n")
	args := ""
	flags.VisitAll(func(f *flag.Flag) {
		n, u := flag.UnquoteUsage(f)
		if f.DefValue != "" {
			u += "\n\nDefaults to \"" + f.DefValue + "\"."
		}
		args += "\t-" + f.Name + " " + n + "\n\t\t" + strings.ReplaceAll(strings.TrimSpace(u), "\n", "\n\t\t") + "\n"
	})
	fmt.Fprintf(os.Stderr, "Usage:\n\t%s [arguments] <file>\n\nArguments:\n%s", filepath.Base(os.Args[0]), args)
}
