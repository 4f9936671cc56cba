// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package comux implements the comux container format. A comux file encodes
// N concurrent socket conversations as an ordered set of scheduled chunks:
// a fixed header declaring the number of connections and chunks, followed by
// one record per chunk carrying the connection id, payload length, schedule
// value, flag bits and the payload itself. All integers are little-endian.
package comux

import (
	"fmt"
)

const (
	// Magic identifies a comux file ("comux" plus three exclamation marks).
	Magic    = "comux!!!"
	MagicLen = 8

	// HeaderLen is the encoded size of the file header.
	HeaderLen = MagicLen + 4 + 4 + 4
	// ChunkHeaderLen is the encoded size of one chunk header.
	ChunkHeaderLen = 4 + 8 + 4 + 4

	// MaxPayloadLen caps a single chunk's payload. DecodeChunkData and
	// Chunk.ReadData cap larger declared lengths; ReadManifest and
	// DecodeManifest reject them with ErrConnLenMismatch.
	MaxPayloadLen = 1 << 19
	// MaxConns and MaxChunks bound the header's declared counts.
	MaxConns  = 1 << 12
	MaxChunks = 1 << 13
)

// Flags is the chunk header's flag bitfield.
type Flags uint32

const (
	// FlagAwaitResponse makes the chunk's worker drain the server's response
	// to stdout after sending.
	FlagAwaitResponse Flags = 0x1
	// FlagNoShutdown suppresses the half-close after a connection's final
	// chunk. The mutator always clears this bit before re-emitting, as it
	// causes hangs under timed fuzzing.
	FlagNoShutdown Flags = 0x2

	// FlagsAll covers every defined bit; everything else is reserved.
	FlagsAll = FlagAwaitResponse | FlagNoShutdown
)

// ParseError is the closed taxonomy of recoverable decode failures.
type ParseError int

const (
	ErrEOF ParseError = iota
	ErrBadMagic
	ErrBadVersion
	ErrBadNumConns
	ErrBadNumChunks
	ErrBadConnID
	ErrBadConnLen
	ErrBadSched
	ErrBadFlags
	ErrConnLenMismatch
)

func (e ParseError) Error() string {
	switch e {
	case ErrEOF:
		return "reached end-of-file"
	case ErrBadMagic:
		return "the comux header had an invalid magic field"
	case ErrBadVersion:
		return "the comux header had an invalid version field"
	case ErrBadNumConns:
		return "the comux header had an invalid number-of-connections field"
	case ErrBadNumChunks:
		return "the comux header had an invalid number-of-chunks field"
	case ErrBadConnID:
		return "a comux chunk header had an invalid connection ID field"
	case ErrBadConnLen:
		return "a comux chunk header had an invalid data-length field"
	case ErrBadSched:
		return "a comux chunk header had an invalid schedule field"
	case ErrBadFlags:
		return "a comux chunk header had invalid flags"
	case ErrConnLenMismatch:
		return "a comux chunk header's data length didn't match the number of bytes read"
	}
	return fmt.Sprintf("unknown parsing error %d", int(e))
}

// Header is the comux file header. The magic is implicit; only version 0
// is accepted on read and the writer always emits 0.
type Header struct {
	Version   uint32
	NumConns  uint32
	NumChunks uint32
}

// Check validates the declared counts and the version.
func (h Header) Check() error {
	if h.Version != 0 {
		return ErrBadVersion
	}
	if h.NumConns == 0 || h.NumConns > MaxConns {
		return ErrBadNumConns
	}
	if h.NumChunks == 0 || h.NumChunks > MaxChunks {
		return ErrBadNumChunks
	}
	return nil
}

// Chunk is one parsed chunk record: the header fields, the owned payload,
// and the absolute file offset of the chunk header when decoded from a file
// (used to seek back to the payload on demand).
type Chunk struct {
	ConnID uint32
	Len    uint64
	Sched  uint32
	Flags  Flags

	Data   []byte
	Offset int64
}

// DataOffset returns the file offset of the chunk's payload.
func (c *Chunk) DataOffset() int64 {
	return c.Offset + ChunkHeaderLen
}

// SetData replaces the payload and keeps the declared length in sync.
func (c *Chunk) SetData(data []byte) {
	c.Data = data
	c.Len = uint64(len(data))
}

// Check validates the chunk header against its file header: the connection
// id must be in range and only defined flag bits may be set.
func (c *Chunk) Check(h Header) error {
	if c.ConnID >= h.NumConns {
		return ErrBadConnID
	}
	if c.Flags&^FlagsAll != 0 {
		return ErrBadFlags
	}
	return nil
}

// Manifest is the parsed, in-memory form of an entire comux input. Chunks
// preserve file order.
type Manifest struct {
	Header Header
	Chunks []*Chunk
}

// Add appends a chunk and bumps the header's chunk count.
func (m *Manifest) Add(c *Chunk) {
	m.Chunks = append(m.Chunks, c)
	m.Header.NumChunks++
}

// Insert places a chunk at the given index, shifting later chunks down.
func (m *Manifest) Insert(idx int, c *Chunk) {
	m.Chunks = append(m.Chunks, nil)
	copy(m.Chunks[idx+1:], m.Chunks[idx:])
	m.Chunks[idx] = c
	m.Header.NumChunks++
}

// Remove deletes the chunk at the given index and returns it, or nil if the
// index is out of bounds.
func (m *Manifest) Remove(idx int) *Chunk {
	if idx < 0 || idx >= len(m.Chunks) {
		return nil
	}
	c := m.Chunks[idx]
	m.Chunks = append(m.Chunks[:idx], m.Chunks[idx+1:]...)
	m.Header.NumChunks--
	return c
}

// Validate checks the whole-manifest invariants: a sane header, a chunk
// count matching the header, per-chunk header validity, and at least one
// chunk for every declared connection id.
func (m *Manifest) Validate() error {
	if err := m.Header.Check(); err != nil {
		return err
	}
	if uint32(len(m.Chunks)) != m.Header.NumChunks {
		return ErrBadNumChunks
	}
	counts := make([]int, m.Header.NumConns)
	for _, c := range m.Chunks {
		if err := c.Check(m.Header); err != nil {
			return err
		}
		counts[c.ConnID]++
	}
	for id, n := range counts {
		if n == 0 {
			return fmt.Errorf("connection ID %v is assigned zero chunks", id)
		}
	}
	return nil
}
