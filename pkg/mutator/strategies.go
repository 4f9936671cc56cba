// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"bytes"
	"math/rand"
	"sort"

	"github.com/gurthang/gurthang/pkg/comux"
	"github.com/gurthang/gurthang/pkg/log"
)

// Strategy identifies one structure-aware transformation of a parsed comux
// input. Every strategy preserves the container invariants: connection
// coverage, in-connection delivery order, header/record consistency, and
// the defined flag bits.
type Strategy int

const (
	// StratChunkDataHavoc twiddles bytes inside one chunk's payload.
	StratChunkDataHavoc Strategy = iota
	// StratChunkDataExtra reverses a sub-range or swaps two bytes.
	StratChunkDataExtra
	// StratChunkSchedBump moves a chunk's schedule value within the range
	// that keeps its connection's relative order intact.
	StratChunkSchedBump
	// StratChunkSplit splits one chunk's payload into two chunks on the
	// same connection, delivered back to back.
	StratChunkSplit
	// StratChunkSplice merges two neighboring chunks of one connection.
	StratChunkSplice
	// StratChunkDictSwap swaps one dictionary word occurrence for another
	// word from the same dictionary.
	StratChunkDictSwap

	numStrategies

	// StratUnknown marks "no strategy selected".
	StratUnknown
)

func (s Strategy) String() string {
	switch s {
	case StratChunkDataHavoc:
		return "CHUNK_DATA_HAVOC"
	case StratChunkDataExtra:
		return "CHUNK_DATA_EXTRA"
	case StratChunkSchedBump:
		return "CHUNK_SCHED_BUMP"
	case StratChunkSplit:
		return "CHUNK_SPLIT"
	case StratChunkSplice:
		return "CHUNK_SPLICE"
	case StratChunkDictSwap:
		return "CHUNK_DICT_SWAP"
	}
	return "UNKNOWN"
}

// tag is the short name used for corpus-file naming via the describe hook.
func (s Strategy) tag() string {
	switch s {
	case StratChunkDataHavoc:
		return "chunk_havoc"
	case StratChunkDataExtra:
		return "chunk_extra"
	case StratChunkSchedBump:
		return "chunk_sched_bump"
	case StratChunkSplit:
		return "chunk_split"
	case StratChunkSplice:
		return "chunk_splice"
	case StratChunkDictSwap:
		return "chunk_dict_swap"
	}
	return "unknown"
}

// chooseStrategy picks a strategy that is not disqualified: it starts at a
// uniformly random strategy and walks forward to the first qualified one.
// Returns StratUnknown when every strategy is disqualified.
func chooseStrategy(r *rand.Rand, disqualified *[numStrategies]bool) Strategy {
	idx := r.Intn(int(numStrategies))
	for count := 0; count < int(numStrategies); count++ {
		if !disqualified[idx] {
			return Strategy(idx)
		}
		idx = (idx + 1) % int(numStrategies)
	}
	return StratUnknown
}

// mutateManifest applies one strategy to the manifest, retrying with other
// strategies when the chosen one finds no suitable chunk. Returns the
// strategy that took effect, or StratUnknown if the manifest defeated all
// of them (the input is then passed through unchanged).
func (mut *Mutator) mutateManifest(m *comux.Manifest) Strategy {
	var disqualified [numStrategies]bool
	if m.Header.NumConns < 2 {
		disqualified[StratChunkSchedBump] = true
	}
	if len(mut.dicts) == 0 {
		disqualified[StratChunkDictSwap] = true
	}

	strat := mut.strat
	if strat == StratUnknown {
		strat = chooseStrategy(mut.rnd, &disqualified)
	}
	mut.strat = StratUnknown

	for strat != StratUnknown {
		ok := false
		switch strat {
		case StratChunkDataHavoc:
			ok = mut.mutateDataHavoc(m)
		case StratChunkDataExtra:
			ok = mut.mutateDataExtra(m)
		case StratChunkSchedBump:
			ok = mut.mutateSchedBump(m)
		case StratChunkSplit:
			ok = mut.mutateSplit(m)
		case StratChunkSplice:
			ok = mut.mutateSplice(m)
		case StratChunkDictSwap:
			ok = mut.mutateDictSwap(m)
		}
		if ok {
			return strat
		}
		log.Logf(2, "strategy %v found no suitable chunk, switching", strat)
		disqualified[strat] = true
		strat = chooseStrategy(mut.rnd, &disqualified)
	}
	return StratUnknown
}

// mutateDataHavoc runs the havoc primitive over one nonempty chunk.
func (mut *Mutator) mutateDataHavoc(m *comux.Manifest) bool {
	idx, ok := mut.pickChunk(m, func(c *comux.Chunk) bool { return len(c.Data) > 0 })
	if !ok {
		return false
	}
	havocMutate(mut.rnd, m.Chunks[idx].Data)
	return true
}

// mutateDataExtra reverses a random sub-range of one chunk's payload, or
// swaps two distinct byte positions.
func (mut *Mutator) mutateDataExtra(m *comux.Manifest) bool {
	idx, ok := mut.pickChunk(m, func(c *comux.Chunk) bool { return len(c.Data) >= 2 })
	if !ok {
		return false
	}
	data := m.Chunks[idx].Data
	n := len(data)
	if mut.rnd.Intn(2) == 0 && n > 2 {
		size := mut.rnd.Intn(n)
		pos := mut.rnd.Intn(n - size)
		for i, j := pos, pos+size-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
	} else {
		i := mut.rnd.Intn(n)
		j := i
		for j == i {
			j = mut.rnd.Intn(n)
		}
		data[i], data[j] = data[j], data[i]
	}
	return true
}

// schedBounds computes the half-open range [lo, hi) in which chunk idx's
// schedule value can move without disturbing the relative order of its
// connection's chunks. Neighbors are taken in delivery order (ascending
// schedule, file order on ties). lo is one past the previous
// same-connection neighbor's value (or 0 if none); hi is the next
// neighbor's value (or one past the file's maximum schedule if none).
// Reports whether the range leaves at least one integer of wiggle room.
func schedBounds(m *comux.Manifest, idx int) (lo, hi uint32, ok bool) {
	cur := m.Chunks[idx]
	maxSched := uint32(0)
	var below, above int64 = -1, -1
	for i, c := range m.Chunks {
		if c.Sched > maxSched {
			maxSched = c.Sched
		}
		if i == idx || c.ConnID != cur.ConnID {
			continue
		}
		earlier := c.Sched < cur.Sched || (c.Sched == cur.Sched && i < idx)
		later := c.Sched > cur.Sched || (c.Sched == cur.Sched && i > idx)
		if earlier && (below == -1 || int64(c.Sched) > below) {
			below = int64(c.Sched)
		}
		if later && (above == -1 || int64(c.Sched) < above) {
			above = int64(c.Sched)
		}
	}
	if below == -1 {
		lo = 0
	} else {
		lo = uint32(below) + 1
	}
	if above == -1 {
		hi = maxSched + 1
	} else {
		hi = uint32(above)
	}
	return lo, hi, hi >= lo+2
}

// mutateSchedBump moves one chunk's schedule value to a different spot
// inside its wiggle range.
func (mut *Mutator) mutateSchedBump(m *comux.Manifest) bool {
	start := mut.rnd.Intn(len(m.Chunks))
	idx := start
	for {
		if lo, hi, ok := schedBounds(m, idx); ok {
			c := m.Chunks[idx]
			newSched := c.Sched
			for newSched == c.Sched {
				newSched = lo + uint32(mut.rnd.Intn(int(hi-lo)))
			}
			log.Logf(2, "bumping chunk %v's schedule %v -> %v (range [%v, %v))",
				idx, c.Sched, newSched, lo, hi)
			c.Sched = newSched
			return true
		}
		idx = (idx + 1) % len(m.Chunks)
		if idx == start {
			return false
		}
	}
}

// mutateSplit splits one chunk's payload at a random interior position.
// The original keeps the left half; a new chunk on the same connection
// carries the right half one schedule slot later, and inherits the
// await-response flag since the response wait belongs to the last piece.
func (mut *Mutator) mutateSplit(m *comux.Manifest) bool {
	start := mut.rnd.Intn(len(m.Chunks))
	idx := start
	for {
		if lo, hi, ok := schedBounds(m, idx); ok && len(m.Chunks[idx].Data) >= 2 {
			c := m.Chunks[idx]
			split := 1 + mut.rnd.Intn(len(c.Data)-1)
			right := append([]byte{}, c.Data[split:]...)
			c.SetData(c.Data[:split])

			nc := &comux.Chunk{ConnID: c.ConnID, Sched: c.Sched + 1}
			nc.SetData(right)
			for nc.Sched >= hi {
				c.Sched--
				nc.Sched--
			}
			if c.Flags&comux.FlagAwaitResponse != 0 {
				c.Flags &^= comux.FlagAwaitResponse
				nc.Flags |= comux.FlagAwaitResponse
			}
			m.Insert(idx+1, nc)
			log.Logf(2, "split chunk %v at %v (scheds %v, %v in range [%v, %v))",
				idx, split, c.Sched, nc.Sched, lo, hi)
			return true
		}
		idx = (idx + 1) % len(m.Chunks)
		if idx == start {
			return false
		}
	}
}

// mutateSplice merges two chunks of one connection that are adjacent in
// that connection's delivery order, appending the later payload onto the
// earlier chunk and dropping the later one.
func (mut *Mutator) mutateSplice(m *comux.Manifest) bool {
	if len(m.Chunks) < 2 {
		return false
	}
	counts := make([]int, m.Header.NumConns)
	for _, c := range m.Chunks {
		counts[c.ConnID]++
	}
	cid := uint32(mut.rnd.Intn(int(m.Header.NumConns)))
	found := false
	for range counts {
		if counts[cid] >= 2 {
			found = true
			break
		}
		cid = (cid + 1) % m.Header.NumConns
	}
	if !found {
		return false
	}

	// The connection's delivery order: ascending schedule, file order on
	// ties.
	var indices []int
	for i, c := range m.Chunks {
		if c.ConnID == cid {
			indices = append(indices, i)
		}
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return m.Chunks[indices[i]].Sched < m.Chunks[indices[j]].Sched
	})
	pair := mut.rnd.Intn(len(indices) - 1)
	first, second := m.Chunks[indices[pair]], m.Chunks[indices[pair+1]]

	first.SetData(append(first.Data, second.Data...))
	if second.Flags&comux.FlagAwaitResponse != 0 {
		first.Flags |= comux.FlagAwaitResponse
	}
	m.Remove(indices[pair+1])
	log.Logf(2, "spliced chunks %v and %v (conn_id=%v)", indices[pair], indices[pair+1], cid)
	return true
}

// mutateDictSwap finds a chunk containing any loaded dictionary word and
// replaces one occurrence with a different word from the same dictionary.
func (mut *Mutator) mutateDictSwap(m *comux.Manifest) bool {
	start := mut.rnd.Intn(len(m.Chunks))
	idx := start
	for {
		c := m.Chunks[idx]
		for _, d := range mut.dicts {
			wi := mut.rnd.Intn(len(d.Words))
			for cnt := 0; cnt < len(d.Words); cnt++ {
				word := d.Words[wi]
				if off := bytes.Index(c.Data, []byte(word)); off != -1 {
					swap := d.RandomOther(mut.rnd, word)
					data := make([]byte, 0, len(c.Data)-len(word)+len(swap))
					data = append(data, c.Data[:off]...)
					data = append(data, swap...)
					data = append(data, c.Data[off+len(word):]...)
					c.SetData(data)
					log.Logf(2, "swapped dictionary keyword %q for %q", word, swap)
					return true
				}
				wi = (wi + 1) % len(d.Words)
			}
		}
		idx = (idx + 1) % len(m.Chunks)
		if idx == start {
			return false
		}
	}
}

// pickChunk returns the index of a chunk satisfying ok: it starts at a
// uniformly random index and walks forward to the first match.
func (mut *Mutator) pickChunk(m *comux.Manifest, ok func(*comux.Chunk) bool) (int, bool) {
	if len(m.Chunks) == 0 {
		return 0, false
	}
	start := mut.rnd.Intn(len(m.Chunks))
	idx := start
	for {
		if ok(m.Chunks[idx]) {
			return idx, true
		}
		idx = (idx + 1) % len(m.Chunks)
		if idx == start {
			return 0, false
		}
	}
}
