// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// gurthang-comux is the comux toolkit: it reads, creates, and modifies the
// comux files the harness consumes. "-" (or an empty path) means stdin for
// inputs and stdout for outputs, so the tool composes with shell pipelines
// when authoring seed corpora.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gurthang/gurthang/pkg/comux"
)

func main() {
	var (
		flagIn       = flag.String("i", "", "input file (empty or - means stdin)")
		flagOut      = flag.String("o", "", "output file (empty or - means stdout)")
		flagConn     = flag.Uint("conn", 0, "connection ID for the new chunk")
		flagNumConns = flag.Uint("num-conns", 1, "number of connections for a new file")
		flagSched    = flag.Uint("sched", 0, "schedule value for the new chunk")
		flagAwait    = flag.Bool("await", false, "set the AWAIT_RESPONSE flag on the new chunk")
		flagVerbose  = flag.Bool("v", false, "print chunk payloads too")
	)
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}
	switch args[0] {
	case "show":
		show(*flagIn, *flagVerbose)
	case "convert":
		convert(*flagIn, *flagOut, uint32(*flagNumConns), uint32(*flagConn), uint32(*flagSched), *flagAwait)
	case "add-chunk":
		addChunk(*flagIn, *flagOut, args[1:], uint32(*flagConn), uint32(*flagSched), *flagAwait)
	case "rm-chunk":
		rmChunk(*flagIn, *flagOut, args[1:])
	case "extract-chunk":
		extractChunk(*flagIn, *flagOut, args[1:])
	case "build":
		build(args[1:], *flagOut)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage (flags go before the command):\n")
	fmt.Fprintf(os.Stderr, "  gurthang-comux [-i file] [-v] show\n")
	fmt.Fprintf(os.Stderr, "  gurthang-comux [-i file] [-o file] [-num-conns N] [-conn C] [-sched S] [-await] convert\n")
	fmt.Fprintf(os.Stderr, "  gurthang-comux [-i file] [-o file] [-conn C] [-sched S] [-await] add-chunk data-file\n")
	fmt.Fprintf(os.Stderr, "  gurthang-comux [-i file] [-o file] rm-chunk index\n")
	fmt.Fprintf(os.Stderr, "  gurthang-comux [-i file] [-o file] extract-chunk index\n")
	fmt.Fprintf(os.Stderr, "  gurthang-comux [-o file] build spec.yaml\n")
	os.Exit(1)
}

func failf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}

func openIn(path string) *os.File {
	if path == "" || path == "-" {
		return os.Stdin
	}
	f, err := os.Open(path)
	if err != nil {
		failf("failed to open input file: %v", err)
	}
	return f
}

func readManifest(path string) *comux.Manifest {
	f := openIn(path)
	defer f.Close()
	m, err := comux.ReadManifest(f)
	if err != nil {
		failf("failed to parse %v: %v", name(path, "stdin"), err)
	}
	return m
}

func writeManifest(m *comux.Manifest, path string) {
	out := os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			failf("failed to create output file: %v", err)
		}
		defer f.Close()
		out = f
	}
	if _, err := m.WriteTo(out); err != nil {
		failf("failed to write %v: %v", name(path, "stdout"), err)
	}
}

func name(path, std string) string {
	if path == "" || path == "-" {
		return std
	}
	return path
}

func show(in string, verbose bool) {
	m := readManifest(in)
	fmt.Printf("comux file with %v connection(s) and %v chunk(s)\n",
		m.Header.NumConns, m.Header.NumChunks)
	for i, c := range m.Chunks {
		fmt.Printf("chunk %v: conn_id=%v, datalen=%v, sched=%v, flags=%#x\n",
			i, c.ConnID, c.Len, c.Sched, c.Flags)
		if verbose {
			fmt.Printf("%s\n", c.Data)
		}
	}
}

// convert wraps a plain file's bytes into a single-chunk comux file.
func convert(in, out string, numConns, conn, sched uint32, await bool) {
	f := openIn(in)
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		failf("failed to read input: %v", err)
	}
	m := &comux.Manifest{Header: comux.Header{NumConns: numConns}}
	c := &comux.Chunk{ConnID: conn, Sched: sched}
	if await {
		c.Flags |= comux.FlagAwaitResponse
	}
	c.SetData(data)
	m.Add(c)
	checkManifest(m)
	writeManifest(m, out)
}

func addChunk(in, out string, args []string, conn, sched uint32, await bool) {
	if len(args) != 1 {
		usage()
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		failf("failed to read chunk data file: %v", err)
	}
	m := readManifest(in)
	c := &comux.Chunk{ConnID: conn, Sched: sched}
	if await {
		c.Flags |= comux.FlagAwaitResponse
	}
	c.SetData(data)
	m.Add(c)
	checkManifest(m)
	writeManifest(m, out)
}

func rmChunk(in, out string, args []string) {
	idx := chunkIndex(args)
	m := readManifest(in)
	if m.Remove(idx) == nil {
		failf("chunk index %v is out of bounds", idx)
	}
	checkManifest(m)
	writeManifest(m, out)
}

func extractChunk(in, out string, args []string) {
	idx := chunkIndex(args)
	m := readManifest(in)
	if idx < 0 || idx >= len(m.Chunks) {
		failf("chunk index %v is out of bounds", idx)
	}
	dst := os.Stdout
	if out != "" && out != "-" {
		f, err := os.Create(out)
		if err != nil {
			failf("failed to create output file: %v", err)
		}
		defer f.Close()
		dst = f
	}
	if _, err := dst.Write(m.Chunks[idx].Data); err != nil {
		failf("failed to write chunk data: %v", err)
	}
}

func chunkIndex(args []string) int {
	if len(args) != 1 {
		usage()
	}
	var idx int
	if _, err := fmt.Sscanf(args[0], "%d", &idx); err != nil {
		failf("bad chunk index %q", args[0])
	}
	return idx
}

// buildSpec is the YAML description of a whole conversation, an easier way
// to author multi-connection seeds than chaining add-chunk invocations.
type buildSpec struct {
	NumConns uint32 `yaml:"num_conns"`
	Chunks   []struct {
		Conn  uint32 `yaml:"conn"`
		Sched uint32 `yaml:"sched"`
		Await bool   `yaml:"await"`
		Data  string `yaml:"data"`
		File  string `yaml:"file"`
	} `yaml:"chunks"`
}

func build(args []string, out string) {
	if len(args) != 1 {
		usage()
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		failf("failed to read spec file: %v", err)
	}
	var spec buildSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		failf("failed to parse spec file: %v", err)
	}
	m := &comux.Manifest{Header: comux.Header{NumConns: spec.NumConns}}
	for i, sc := range spec.Chunks {
		if sc.Data != "" && sc.File != "" {
			failf("chunk %v: data and file are mutually exclusive", i)
		}
		data := []byte(sc.Data)
		if sc.File != "" {
			if data, err = os.ReadFile(sc.File); err != nil {
				failf("chunk %v: %v", i, err)
			}
		}
		c := &comux.Chunk{ConnID: sc.Conn, Sched: sc.Sched}
		if sc.Await {
			c.Flags |= comux.FlagAwaitResponse
		}
		c.SetData(data)
		m.Add(c)
	}
	checkManifest(m)
	writeManifest(m, out)
}

func checkManifest(m *comux.Manifest) {
	if err := m.Validate(); err != nil {
		failf("refusing to write an invalid comux file: %v", err)
	}
}
