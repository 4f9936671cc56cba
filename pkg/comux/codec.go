// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package comux

import (
	"encoding/binary"
	"io"
	"os"
)

// Stream and buffer codecs for the comux format. The stream variants operate
// on readers/writers (the harness reads the input file this way); the buffer
// variants operate on byte slices (the mutator re-encodes in memory this
// way). Buffer encoders return a negative value whose magnitude is the
// total space required when the destination is too small.

// ReadHeader decodes and validates the file header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	magic := make([]byte, MagicLen)
	if err := readField(r, magic, ErrBadMagic); err != nil {
		return h, err
	}
	if string(magic) != Magic {
		return h, ErrBadMagic
	}
	var err error
	if h.Version, err = readU32(r, ErrBadVersion); err != nil {
		return h, err
	}
	if h.NumConns, err = readU32(r, ErrBadNumConns); err != nil {
		return h, err
	}
	if h.NumChunks, err = readU32(r, ErrBadNumChunks); err != nil {
		return h, err
	}
	return h, h.Check()
}

// WriteHeader encodes the header to w and returns the byte count.
func WriteHeader(w io.Writer, h Header) (int, error) {
	var buf [HeaderLen]byte
	EncodeHeader(buf[:], h)
	return w.Write(buf[:])
}

// EncodeHeader writes the header into buf, returning HeaderLen, or
// -HeaderLen if buf is too small.
func EncodeHeader(buf []byte, h Header) int {
	if len(buf) < HeaderLen {
		return -HeaderLen
	}
	copy(buf, Magic)
	binary.LittleEndian.PutUint32(buf[MagicLen:], h.Version)
	binary.LittleEndian.PutUint32(buf[MagicLen+4:], h.NumConns)
	binary.LittleEndian.PutUint32(buf[MagicLen+8:], h.NumChunks)
	return HeaderLen
}

// DecodeHeader decodes and validates the file header from buf, returning
// the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < MagicLen {
		return h, 0, ErrBadMagic
	}
	if string(buf[:MagicLen]) != Magic {
		return h, 0, ErrBadMagic
	}
	if len(buf) < MagicLen+4 {
		return h, 0, ErrBadVersion
	}
	h.Version = binary.LittleEndian.Uint32(buf[MagicLen:])
	if len(buf) < MagicLen+8 {
		return h, 0, ErrBadNumConns
	}
	h.NumConns = binary.LittleEndian.Uint32(buf[MagicLen+4:])
	if len(buf) < HeaderLen {
		return h, 0, ErrBadNumChunks
	}
	h.NumChunks = binary.LittleEndian.Uint32(buf[MagicLen+8:])
	return h, HeaderLen, h.Check()
}

// ReadChunkHeader decodes one chunk header from r. Validation against the
// file header is the caller's job (Chunk.Check).
func ReadChunkHeader(r io.Reader) (*Chunk, error) {
	c := new(Chunk)
	var err error
	if c.ConnID, err = readU32(r, ErrBadConnID); err != nil {
		return nil, err
	}
	if c.Len, err = readU64(r, ErrBadConnLen); err != nil {
		return nil, err
	}
	if c.Sched, err = readU32(r, ErrBadSched); err != nil {
		return nil, err
	}
	flags, err := readU32(r, ErrBadFlags)
	if err != nil {
		return nil, err
	}
	c.Flags = Flags(flags)
	return c, nil
}

// ReadChunkHeaderFile decodes one chunk header from f and records the
// header's absolute file offset in the chunk, so the payload can be loaded
// later with ReadData.
func ReadChunkHeaderFile(f *os.File) (*Chunk, error) {
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	c, err := ReadChunkHeader(f)
	if err != nil {
		return nil, err
	}
	c.Offset = off
	return c, nil
}

// WriteChunkHeader encodes the chunk header to w.
func WriteChunkHeader(w io.Writer, c *Chunk) (int, error) {
	var buf [ChunkHeaderLen]byte
	EncodeChunkHeader(buf[:], c)
	return w.Write(buf[:])
}

// EncodeChunkHeader writes the chunk header into buf, returning
// ChunkHeaderLen, or -ChunkHeaderLen if buf is too small.
func EncodeChunkHeader(buf []byte, c *Chunk) int {
	if len(buf) < ChunkHeaderLen {
		return -ChunkHeaderLen
	}
	binary.LittleEndian.PutUint32(buf, c.ConnID)
	binary.LittleEndian.PutUint64(buf[4:], c.Len)
	binary.LittleEndian.PutUint32(buf[12:], c.Sched)
	binary.LittleEndian.PutUint32(buf[16:], uint32(c.Flags))
	return ChunkHeaderLen
}

// DecodeChunkHeader decodes one chunk header from buf, returning the number
// of bytes consumed.
func DecodeChunkHeader(buf []byte) (*Chunk, int, error) {
	c := new(Chunk)
	if len(buf) < 4 {
		return nil, 0, ErrBadConnID
	}
	c.ConnID = binary.LittleEndian.Uint32(buf)
	if len(buf) < 12 {
		return nil, 0, ErrBadConnLen
	}
	c.Len = binary.LittleEndian.Uint64(buf[4:])
	if len(buf) < 16 {
		return nil, 0, ErrBadSched
	}
	c.Sched = binary.LittleEndian.Uint32(buf[12:])
	if len(buf) < ChunkHeaderLen {
		return nil, 0, ErrBadFlags
	}
	c.Flags = Flags(binary.LittleEndian.Uint32(buf[16:]))
	return c, ChunkHeaderLen, nil
}

// EncodeChunkData writes the chunk's payload into buf, returning the byte
// count, or the negated required size if buf is too small.
func EncodeChunkData(buf []byte, c *Chunk) int {
	if len(buf) < len(c.Data) {
		return -len(c.Data)
	}
	return copy(buf, c.Data)
}

// DecodeChunkData loads the chunk's payload from buf, honoring the
// MaxPayloadLen cap and the available bytes, and keeps Len in sync with what
// was actually read. Returns the number of bytes consumed.
func DecodeChunkData(buf []byte, c *Chunk) int {
	n := payloadCap(c.Len)
	if n > len(buf) {
		n = len(buf)
	}
	c.SetData(append([]byte{}, buf[:n]...))
	return n
}

// ReadData loads the chunk's payload from the recorded file offset. The
// read is positional, so concurrent workers sharing the input file do not
// race on the cursor. Short files yield short payloads; Len tracks the
// bytes actually read.
func (c *Chunk) ReadData(r io.ReaderAt) (int, error) {
	buf := make([]byte, payloadCap(c.Len))
	n, err := r.ReadAt(buf, c.DataOffset())
	if err != nil && err != io.EOF {
		return n, err
	}
	c.SetData(buf[:n])
	return n, nil
}

func payloadCap(declared uint64) int {
	if declared > MaxPayloadLen {
		return MaxPayloadLen
	}
	return int(declared)
}

// ReadManifest decodes an entire comux file: the header, then exactly
// NumChunks chunk records with their payloads. Chunk offsets are recorded
// as they are in the file.
func ReadManifest(f *os.File) (*Manifest, error) {
	m := new(Manifest)
	var err error
	if m.Header, err = ReadHeader(f); err != nil {
		return nil, err
	}
	numChunks := m.Header.NumChunks
	m.Header.NumChunks = 0
	for i := uint32(0); i < numChunks; i++ {
		c, err := ReadChunkHeaderFile(f)
		if err != nil {
			return nil, err
		}
		if err := c.Check(m.Header); err != nil {
			return nil, err
		}
		if c.Len > MaxPayloadLen {
			return nil, ErrConnLenMismatch
		}
		data := make([]byte, c.Len)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, ErrConnLenMismatch
		}
		c.Data = data
		m.Add(c)
	}
	return m, nil
}

// DecodeManifest decodes an entire comux input from buf, returning the
// number of bytes consumed. Chunk offsets are recorded relative to the
// start of buf.
func DecodeManifest(buf []byte) (*Manifest, int, error) {
	m := new(Manifest)
	h, pos, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	m.Header = h
	numChunks := h.NumChunks
	m.Header.NumChunks = 0
	for i := uint32(0); i < numChunks; i++ {
		c, n, err := DecodeChunkHeader(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		c.Offset = int64(pos)
		pos += n
		if err := c.Check(m.Header); err != nil {
			return nil, 0, err
		}
		if c.Len > MaxPayloadLen || c.Len > uint64(len(buf)-pos) {
			return nil, 0, ErrConnLenMismatch
		}
		c.Data = append([]byte{}, buf[pos:pos+int(c.Len)]...)
		pos += int(c.Len)
		m.Add(c)
	}
	return m, pos, nil
}

// EncodedSize returns the exact byte size of the encoded manifest.
func (m *Manifest) EncodedSize() int {
	size := HeaderLen
	for _, c := range m.Chunks {
		size += ChunkHeaderLen + len(c.Data)
	}
	return size
}

// Encode writes the manifest into buf and returns the byte count, or the
// negated required size if buf is too small. Chunk offsets are recomputed
// from the bytes actually written, so a decoder relying on them stays
// correct after mutation.
func (m *Manifest) Encode(buf []byte) int {
	size := m.EncodedSize()
	if len(buf) < size {
		return -size
	}
	pos := EncodeHeader(buf, m.Header)
	for _, c := range m.Chunks {
		c.Len = uint64(len(c.Data))
		c.Offset = int64(pos)
		pos += EncodeChunkHeader(buf[pos:], c)
		pos += EncodeChunkData(buf[pos:], c)
	}
	return pos
}

// WriteTo encodes the manifest to w, recomputing chunk offsets as it goes.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	pos, err := WriteHeader(w, m.Header)
	if err != nil {
		return int64(pos), err
	}
	total := int64(pos)
	for _, c := range m.Chunks {
		c.Len = uint64(len(c.Data))
		c.Offset = total
		n, err := WriteChunkHeader(w, c)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(c.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readField(r io.Reader, buf []byte, short ParseError) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return ErrEOF
		}
		if err == io.ErrUnexpectedEOF {
			return short
		}
		return err
	}
	return nil
}

func readU32(r io.Reader, short ParseError) (uint32, error) {
	var buf [4]byte
	if err := readField(r, buf[:], short); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readU64(r io.Reader, short ParseError) (uint64, error) {
	var buf [8]byte
	if err := readField(r, buf[:], short); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
