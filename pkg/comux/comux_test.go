// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package comux

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurthang/gurthang/pkg/testutil"
)

func genManifest(r *rand.Rand) *Manifest {
	numConns := uint32(1 + r.Intn(4))
	m := &Manifest{Header: Header{NumConns: numConns}}
	// Every connection gets at least one chunk, then a few extras continue
	// round-robin over the connections.
	numChunks := int(numConns) + r.Intn(4)
	for i := 0; i < numChunks; i++ {
		c := &Chunk{
			ConnID: uint32(i) % numConns,
			Sched:  uint32(r.Intn(10)),
		}
		if r.Intn(2) == 0 {
			c.Flags |= FlagAwaitResponse
		}
		data := make([]byte, 1+r.Intn(64))
		r.Read(data)
		c.SetData(data)
		m.Add(c)
	}
	return m
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		m := genManifest(r)
		buf := make([]byte, m.EncodedSize())
		n := m.Encode(buf)
		require.Equal(t, len(buf), n)

		got, consumed, err := DecodeManifest(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), consumed)
		if diff := cmp.Diff(m, got); diff != "" {
			t.Fatalf("decode(encode(M)) != M:\n%v", diff)
		}

		// Bit-exact the other way around too.
		buf2 := make([]byte, got.EncodedSize())
		got.Encode(buf2)
		assert.True(t, bytes.Equal(buf, buf2))
	}
}

func TestEncodeUndersizedBuffer(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := genManifest(r)
	size := m.EncodedSize()

	n := m.Encode(make([]byte, size-1))
	assert.Equal(t, -size, n)
	n = m.Encode(make([]byte, 0))
	assert.Equal(t, -size, n)
	n = m.Encode(make([]byte, size))
	assert.Equal(t, size, n)

	assert.Equal(t, -HeaderLen, EncodeHeader(make([]byte, HeaderLen-1), m.Header))
	c := m.Chunks[0]
	assert.Equal(t, -ChunkHeaderLen, EncodeChunkHeader(make([]byte, 3), c))
	assert.Equal(t, -len(c.Data), EncodeChunkData(make([]byte, len(c.Data)-1), c))
}

func encodeValid(t *testing.T, m *Manifest) []byte {
	buf := make([]byte, m.EncodedSize())
	n := m.Encode(buf)
	require.Equal(t, len(buf), n)
	return buf
}

func singleChunkManifest() *Manifest {
	m := &Manifest{Header: Header{NumConns: 1}}
	c := &Chunk{ConnID: 0, Sched: 0}
	c.SetData([]byte("PING"))
	m.Add(c)
	return m
}

func TestDecodeRejections(t *testing.T) {
	base := encodeValid(t, singleChunkManifest())
	tests := []struct {
		name    string
		corrupt func(buf []byte) []byte
		want    ParseError
	}{
		{"bad magic", func(buf []byte) []byte {
			buf[0] = 'x'
			return buf
		}, ErrBadMagic},
		{"truncated magic", func(buf []byte) []byte {
			return buf[:4]
		}, ErrBadMagic},
		{"nonzero version", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[MagicLen:], 7)
			return buf
		}, ErrBadVersion},
		{"zero conns", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[MagicLen+4:], 0)
			return buf
		}, ErrBadNumConns},
		{"excess conns", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[MagicLen+4:], MaxConns+1)
			return buf
		}, ErrBadNumConns},
		{"zero chunks", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[MagicLen+8:], 0)
			return buf
		}, ErrBadNumChunks},
		{"excess chunks", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[MagicLen+8:], MaxChunks+1)
			return buf
		}, ErrBadNumChunks},
		{"out-of-bounds conn id", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[HeaderLen:], 5)
			return buf
		}, ErrBadConnID},
		{"reserved flag bits", func(buf []byte) []byte {
			binary.LittleEndian.PutUint32(buf[HeaderLen+16:], 0x8)
			return buf
		}, ErrBadFlags},
		{"short payload", func(buf []byte) []byte {
			return buf[:len(buf)-2]
		}, ErrConnLenMismatch},
		{"oversized payload length", func(buf []byte) []byte {
			binary.LittleEndian.PutUint64(buf[HeaderLen+4:], MaxPayloadLen+1)
			return buf
		}, ErrConnLenMismatch},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := test.corrupt(append([]byte{}, base...))
			_, _, err := DecodeManifest(buf)
			require.Error(t, err)
			assert.ErrorIs(t, err, test.want)
		})
	}
}

func TestStreamCodec(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := genManifest(r)
	path := filepath.Join(t.TempDir(), "input.comux")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = m.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadManifest(f)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("file round trip mismatch:\n%v", diff)
	}
}

func TestChunkOffsets(t *testing.T) {
	// The decoder records each chunk's file offset, which must equal the
	// offset the writer stamped; loading a payload positionally must match
	// the inline bytes.
	r := rand.New(testutil.RandSource(t))
	m := genManifest(r)
	path := filepath.Join(t.TempDir(), "input.comux")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = m.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	header, err := ReadHeader(f)
	require.NoError(t, err)
	for i := uint32(0); i < header.NumChunks; i++ {
		c, err := ReadChunkHeaderFile(f)
		require.NoError(t, err)
		_, err = f.Seek(int64(c.Len), io.SeekCurrent)
		require.NoError(t, err)

		want := m.Chunks[i].Data
		assert.Equal(t, m.Chunks[i].Offset, c.Offset)
		n, err := c.ReadData(f)
		require.NoError(t, err)
		assert.Equal(t, len(want), n)
		assert.Equal(t, want, c.Data)
	}
}

func TestPayloadCap(t *testing.T) {
	c := &Chunk{Len: MaxPayloadLen + 100}
	buf := make([]byte, MaxPayloadLen+100)
	n := DecodeChunkData(buf, c)
	assert.Equal(t, MaxPayloadLen, n)
	assert.Equal(t, uint64(MaxPayloadLen), c.Len)
}

func TestManifestEdit(t *testing.T) {
	m := singleChunkManifest()
	c := &Chunk{ConnID: 0, Sched: 1}
	c.SetData([]byte("PONG"))
	m.Insert(1, c)
	assert.Equal(t, uint32(2), m.Header.NumChunks)
	require.NoError(t, m.Validate())

	removed := m.Remove(0)
	require.NotNil(t, removed)
	assert.Equal(t, []byte("PING"), removed.Data)
	assert.Equal(t, uint32(1), m.Header.NumChunks)
	require.NoError(t, m.Validate())

	assert.Nil(t, m.Remove(5))
}

func TestValidateCoverage(t *testing.T) {
	m := &Manifest{Header: Header{NumConns: 3}}
	for _, id := range []uint32{0, 2} {
		c := &Chunk{ConnID: id}
		c.SetData([]byte("x"))
		m.Add(c)
	}
	assert.Error(t, m.Validate())
}
