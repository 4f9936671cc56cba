// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator implements the structure-aware custom mutator: judging of
// queue candidates, the per-input fuzz budget, six comux-preserving
// mutation strategies, and the trimming state machine. The host fuzzer
// treats the Mutator as an opaque handle and calls the hook methods below;
// all per-call memory is owned here.
package mutator

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"

	"github.com/gurthang/gurthang/pkg/comux"
	"github.com/gurthang/gurthang/pkg/dict"
	"github.com/gurthang/gurthang/pkg/log"
	"github.com/gurthang/gurthang/pkg/stat"
)

// Environment variables understood by the mutator side.
const (
	EnvLog     = "GURTHANG_MUT_LOG"
	EnvDebug   = "GURTHANG_MUT_DEBUG"
	EnvFuzzMin = "GURTHANG_MUT_FUZZ_MIN"
	EnvFuzzMax = "GURTHANG_MUT_FUZZ_MAX"
	EnvTrimMax = "GURTHANG_MUT_TRIM_MAX"
	EnvDict    = "GURTHANG_MUT_DICT"
)

const (
	// DefaultFuzzMin and DefaultFuzzMax bound the per-input fuzz budget.
	DefaultFuzzMin = 512
	DefaultFuzzMax = 32768
	// DefaultTrimMax caps the steps of one trimming stage; -1 removes the
	// cap.
	DefaultTrimMax = 2500
)

var (
	statFuzzes   = stat.New("fuzzes", "inputs handed to the fuzz hook")
	statStrategy [numStrategies]*stat.Val
)

func init() {
	for s := Strategy(0); s < numStrategies; s++ {
		statStrategy[s] = stat.New("strategy "+s.String(), "mutations applied by "+s.String())
	}
}

// Options tunes a Mutator. The zero value is not usable; start from
// DefaultOptions or FromEnv.
type Options struct {
	FuzzMin uint32
	FuzzMax uint32
	TrimMax int
	Dicts   []*dict.Dict
}

func DefaultOptions() *Options {
	return &Options{
		FuzzMin: DefaultFuzzMin,
		FuzzMax: DefaultFuzzMax,
		TrimMax: DefaultTrimMax,
	}
}

// FromEnv builds Options from the GURTHANG_MUT_* environment variables.
// Invalid numeric values and unloadable dictionaries are errors; the init
// boundary treats them as fatal at startup.
func FromEnv() (*Options, error) {
	opts := DefaultOptions()
	if val := os.Getenv(EnvFuzzMin); val != "" {
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%v must be a positive integer", EnvFuzzMin)
		}
		opts.FuzzMin = uint32(n)
	}
	if val := os.Getenv(EnvFuzzMax); val != "" {
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%v must be a positive integer", EnvFuzzMax)
		}
		opts.FuzzMax = uint32(n)
	}
	if val := os.Getenv(EnvTrimMax); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("%v must be an integer", EnvTrimMax)
		}
		if n < 0 {
			n = -1
		}
		opts.TrimMax = n
	}
	if val := os.Getenv(EnvDict); val != "" {
		dicts, err := dict.LoadList(val)
		if err != nil {
			return nil, err
		}
		opts.Dicts = dicts
	}
	return opts, nil
}

// Mutator is the custom-mutator handle. It is single-threaded inside the
// fuzzer process and needs no synchronization.
type Mutator struct {
	rnd   *rand.Rand
	opts  Options
	dicts []*dict.Dict

	lastBudget uint32
	strat      Strategy
	desc       string

	trim trimState
}

// New creates a Mutator seeded by the host fuzzer.
func New(seed int64, opts *Options) *Mutator {
	return &Mutator{
		rnd:   rand.New(rand.NewSource(seed)),
		opts:  *opts,
		dicts: opts.Dicts,
		strat: StratUnknown,
	}
}

// Init builds a Mutator from the environment: the paired init hook.
// Invalid configuration is fatal. Debug logging requires a log sink.
func Init(seed int64) *Mutator {
	if err := log.Setup("gurthang-mut", EnvLog); err != nil {
		log.Fatalf("%v", err)
	}
	if os.Getenv(EnvDebug) != "" {
		if !log.Enabled() {
			log.Fatalf("please enable logging via %v before toggling %v", EnvLog, EnvDebug)
		}
		log.SetVerbosity(2)
	}
	opts, err := FromEnv()
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Logf(0, "mutator initialized")
	return New(seed, opts)
}

// Close is the paired deinit hook.
func (mut *Mutator) Close() {
	log.Logf(0, "mutator de-initialized")
	log.Close()
}

// Hooks.

// Judge vets one queue candidate by file path: the header and every chunk
// header must parse, connection ids must be in bounds, only defined flag
// bits may be set, and no declared payload may overrun the file. Payload
// bytes themselves are not read. A rejected candidate is dropped from the
// host's queue, keeping inputs the harness would refuse out of rotation.
func (mut *Mutator) Judge(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		log.Logf(1, "judge: failed to open %v: %v", path, err)
		return false
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	size := fi.Size()

	header, err := comux.ReadHeader(f)
	if err != nil {
		log.Logf(1, "judge: %v: denying", err)
		return false
	}
	pos := int64(comux.HeaderLen)
	for i := uint32(0); i < header.NumChunks; i++ {
		c, err := comux.ReadChunkHeader(f)
		if err != nil {
			log.Logf(1, "judge: chunk %v: %v: denying", i, err)
			return false
		}
		if err := c.Check(header); err != nil {
			log.Logf(1, "judge: chunk %v: %v: denying", i, err)
			return false
		}
		pos += comux.ChunkHeaderLen
		if c.Len > uint64(size-pos) {
			log.Logf(1, "judge: chunk %v's data overruns the file: denying", i)
			return false
		}
		pos += int64(c.Len)
		if _, err := f.Seek(int64(c.Len), io.SeekCurrent); err != nil {
			return false
		}
	}
	return true
}

// FuzzCount returns the fuzz budget for one input. More connections or
// finer chunking means richer orderings to explore, so those inputs get a
// bigger budget; a stale large budget on an uninteresting input decays.
func (mut *Mutator) FuzzCount(data []byte) uint32 {
	cur := max(mut.opts.FuzzMin, mut.lastBudget)
	reduced := max(mut.opts.FuzzMin, cur/8)
	adjusted := uint64(cur)
	threshold := (mut.opts.FuzzMax-mut.opts.FuzzMin)/4*3 + mut.opts.FuzzMin

	header, n, err := comux.DecodeHeader(data)
	if err != nil {
		log.Logf(1, "fuzz count: %v: reducing %v -> %v", err, cur, reduced)
		mut.lastBudget = reduced
		return reduced
	}
	pos := n

	if header.NumConns > 1 {
		adjusted *= uint64(max(3, header.NumConns))
	} else if mut.lastBudget >= threshold {
		adjusted /= 2
	}

	for i := uint32(0); i < header.NumChunks; i++ {
		rest := data[min(pos, len(data)):]
		c, n, err := comux.DecodeChunkHeader(rest)
		if err == nil {
			err = c.Check(header)
		}
		if err != nil {
			log.Logf(1, "fuzz count: chunk %v: %v: reducing %v -> %v", i, err, cur, reduced)
			mut.lastBudget = reduced
			return reduced
		}
		pos += n + int(c.Len)
	}

	if header.NumChunks > header.NumConns {
		adjusted *= uint64(max(3, header.NumChunks-header.NumConns))
	} else if mut.lastBudget >= threshold {
		adjusted /= 2
	}

	result := uint32(min(adjusted, uint64(mut.opts.FuzzMax)))
	result = max(result, mut.opts.FuzzMin)
	log.Logf(1, "fuzz count: adjusted %v -> %v", mut.lastBudget, result)
	mut.lastBudget = result
	return result
}

// Fuzz applies one structure-aware mutation to the input and re-encodes
// it. The version is forced to 0 and the no-shutdown flag is cleared on
// every chunk (it causes hangs under timed fuzzing). If the input does not
// parse, or the re-encoded output would not fit in maxLen, the input is
// returned unchanged.
func (mut *Mutator) Fuzz(data []byte, maxLen int) []byte {
	statFuzzes.Add(1)
	mut.desc = "ss_"
	m, ok := mut.parseLenient(data)
	if !ok {
		mut.strat = StratUnknown
		return data
	}
	strat := mut.mutateManifest(m)
	if strat == StratUnknown {
		return data
	}
	out := make([]byte, m.EncodedSize())
	if len(out) > maxLen {
		log.Logf(1, "not enough buffer space to re-encode, no mutations done")
		return data
	}
	m.Encode(out)
	statStrategy[strat].Add(1)
	mut.desc += strat.tag()
	return out
}

// HavocMutation is the havoc-stage hook: the same pipeline with the
// strategy pinned to CHUNK_DATA_HAVOC, stacked by the host with its own
// blind mutations.
func (mut *Mutator) HavocMutation(data []byte, maxLen int) []byte {
	mut.strat = StratChunkDataHavoc
	return mut.Fuzz(data, maxLen)
}

// HavocProbability asks the host to route every havoc invocation through
// HavocMutation.
func (mut *Mutator) HavocProbability() uint8 {
	return 100
}

// Describe names the last-applied mutation for corpus-file naming.
func (mut *Mutator) Describe() string {
	return mut.desc
}

// parseLenient decodes an input the way the fuzz hook needs it: the header
// counts must be sane and connection ids in bounds, but the version is
// forced to 0, reserved flag bits are dropped, the no-shutdown flag is
// cleared, and a declared length beyond the available bytes is clamped to
// what is actually there.
func (mut *Mutator) parseLenient(data []byte) (*comux.Manifest, bool) {
	header, pos, err := comux.DecodeHeader(data)
	if err != nil && err != comux.ErrBadVersion {
		log.Logf(1, "failed to read the header: %v", err)
		return nil, false
	}
	header.Version = 0
	if err := header.Check(); err != nil {
		log.Logf(1, "found an issue with the header: %v", err)
		return nil, false
	}

	m := &comux.Manifest{Header: header}
	numChunks := header.NumChunks
	m.Header.NumChunks = 0
	for i := uint32(0); i < numChunks; i++ {
		rest := data[min(pos, len(data)):]
		c, n, err := comux.DecodeChunkHeader(rest)
		if err != nil {
			log.Logf(1, "failed to read chunk %v: %v", i, err)
			return nil, false
		}
		pos += n
		c.Flags &= comux.FlagsAll
		c.Flags &^= comux.FlagNoShutdown
		if c.ConnID >= header.NumConns {
			log.Logf(1, "chunk %v has an out-of-bounds connection ID", i)
			return nil, false
		}
		pos += comux.DecodeChunkData(data[min(pos, len(data)):], c)
		m.Add(c)
	}
	return m, true
}
