// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"math"
	"sort"

	"github.com/gurthang/gurthang/pkg/comux"
	"github.com/gurthang/gurthang/pkg/log"
)

// The trimming state machine. One trimming stage targets a single randomly
// chosen chunk and repeatedly deletes a small batch of random payload bytes
// per step; the host re-runs the target after each step and reports back
// whether behavior was preserved. Steps that change behavior are rolled
// back. A stage that is not paying off is abandoned early.
//
// Effectively: "keep removing N random bytes unless we're accomplishing
// nothing."

type trimState struct {
	head     []byte       // bytes before the chosen chunk, never touched
	tail     []byte       // bytes after the chosen chunk, never touched
	chunk    *comux.Chunk // the chunk being trimmed
	snapshot []byte       // last-known-good payload

	bytesPerStep int
	steps        int
	count        int
	succeeded    bool
	successCount int
}

// InitTrim starts a trimming stage for one input, returning the number of
// steps the host should run (0 when the input cannot be trimmed).
func (mut *Mutator) InitTrim(data []byte) int {
	mut.trim = trimState{succeeded: true}
	t := &mut.trim

	header, pos, err := comux.DecodeHeader(data)
	if err != nil {
		log.Logf(1, "trim init: %v: no trimming will occur", err)
		return 0
	}

	cidx := mut.rnd.Intn(int(header.NumChunks))
	chunkOff := 0
	for i := 0; i <= cidx; i++ {
		if i == cidx {
			chunkOff = pos
		}
		c, n, err := comux.DecodeChunkHeader(data[min(pos, len(data)):])
		if err != nil {
			log.Logf(1, "trim init: chunk %v: %v: no trimming will occur", i, err)
			return 0
		}
		pos += n
		if c.Len > uint64(len(data)-pos) {
			log.Logf(1, "trim init: chunk %v overruns the input: no trimming will occur", i)
			return 0
		}
		if i == cidx {
			c.Offset = int64(chunkOff)
			c.SetData(append([]byte{}, data[pos:pos+int(c.Len)]...))
			t.chunk = c
		}
		pos += int(c.Len)
	}

	chunkTotal := comux.ChunkHeaderLen + len(t.chunk.Data)
	t.head = append([]byte{}, data[:chunkOff]...)
	t.tail = append([]byte{}, data[chunkOff+chunkTotal:]...)

	t.bytesPerStep = int(math.Max(1, 0.025*float64(len(t.chunk.Data))))
	t.steps = len(t.chunk.Data)/t.bytesPerStep - 1
	if mut.opts.TrimMax > -1 && t.steps > mut.opts.TrimMax {
		t.steps = mut.opts.TrimMax
	}
	if t.steps < 0 {
		t.steps = 0
	}
	log.Logf(1, "trim init: chunk %v, %v step(s), removing ~%v byte(s) per step",
		cidx, t.steps, t.bytesPerStep)
	return t.steps
}

// Trim performs one step: delete a batch of distinct random byte positions
// from the chunk's payload and re-encode head ∥ chunk ∥ tail. Duplicate
// positions collapse to a single deletion.
func (mut *Mutator) Trim() []byte {
	t := &mut.trim
	if t.succeeded {
		t.snapshot = append([]byte{}, t.chunk.Data...)
	}

	if n := len(t.chunk.Data); n > 0 {
		indexes := make([]int, t.bytesPerStep)
		for i := range indexes {
			indexes[i] = mut.rnd.Intn(n)
		}
		sort.Ints(indexes)
		data := make([]byte, 0, n)
		next := 0
		for i, b := range t.chunk.Data {
			for next < len(indexes) && indexes[next] < i {
				next++
			}
			if next < len(indexes) && indexes[next] == i {
				next++
				continue
			}
			data = append(data, b)
		}
		t.chunk.SetData(data)
	}

	out := make([]byte, 0, len(t.head)+comux.ChunkHeaderLen+len(t.chunk.Data)+len(t.tail))
	out = append(out, t.head...)
	var hdr [comux.ChunkHeaderLen]byte
	comux.EncodeChunkHeader(hdr[:], t.chunk)
	out = append(out, hdr[:]...)
	out = append(out, t.chunk.Data...)
	out = append(out, t.tail...)
	return out
}

// PostTrim records whether the host observed preserved behavior. A failed
// step rolls the chunk back to the snapshot. Once 100 steps or 25% of the
// stage have elapsed, whichever comes first, a success ratio below 10%
// returns the maximum step index to request early termination; otherwise
// the current index is returned.
func (mut *Mutator) PostTrim(success bool) int {
	t := &mut.trim
	if !success {
		t.chunk.SetData(append([]byte{}, t.snapshot...))
	}
	t.count++
	t.succeeded = success
	if success {
		t.successCount++
	}

	progress := float64(t.count) / float64(t.steps)
	checkSuccess := t.count >= 100 || progress >= 0.25
	ratio := float64(t.successCount) / float64(t.count)
	if checkSuccess && ratio < 0.1 {
		log.Logf(1, "trim: %.0f%% success rate after %v steps, bailing out early",
			ratio*100, t.count)
		return t.steps
	}
	if t.count == t.steps {
		log.Logf(1, "trim: concluded with %v successes and %v failures",
			t.successCount, t.steps-t.successCount)
	}
	return t.count
}
