// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"encoding/binary"
	"math/rand"
)

// The havoc primitive: one blind, structure-agnostic twiddle of a byte
// range. The operation set mirrors the classic surgical havoc stage of
// grey-box fuzzers: bit flips, interesting-value writes of either
// endianness, small arithmetic, and byte XOR.

const arithMax = 35

var (
	interesting8 = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}

	interesting16 = []int16{-128, -1, 0, 1, 16, 32, 64, 100, 127,
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}

	interesting32 = []int32{-128, -1, 0, 1, 16, 32, 64, 100, 127,
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
		-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

// havocMutate performs a single random twiddle on data in place. Empty
// slices are left alone.
func havocMutate(r *rand.Rand, data []byte) {
	n := len(data)
	if n == 0 {
		return
	}
	switch r.Intn(12) {
	case 0:
		// Flip a single bit somewhere. Spooky!
		data[r.Intn(n)] ^= 1 << uint(r.Intn(8))
	case 1:
		data[r.Intn(n)] = byte(interesting8[r.Intn(len(interesting8))])
	case 2:
		if n < 2 {
			return
		}
		putOrder(r).PutUint16(data[r.Intn(n-1):], uint16(interesting16[r.Intn(len(interesting16))]))
	case 3:
		if n < 4 {
			return
		}
		putOrder(r).PutUint32(data[r.Intn(n-3):], uint32(interesting32[r.Intn(len(interesting32))]))
	case 4:
		if n < 8 {
			return
		}
		putOrder(r).PutUint64(data[r.Intn(n-7):], uint64(int64(interesting32[r.Intn(len(interesting32))])))
	case 5:
		data[r.Intn(n)] -= byte(1 + r.Intn(arithMax))
	case 6:
		data[r.Intn(n)] += byte(1 + r.Intn(arithMax))
	case 7:
		if n < 2 {
			return
		}
		pos, order := r.Intn(n-1), putOrder(r)
		order.PutUint16(data[pos:], order.Uint16(data[pos:])-uint16(1+r.Intn(arithMax)))
	case 8:
		if n < 2 {
			return
		}
		pos, order := r.Intn(n-1), putOrder(r)
		order.PutUint16(data[pos:], order.Uint16(data[pos:])+uint16(1+r.Intn(arithMax)))
	case 9:
		if n < 4 {
			return
		}
		pos, order := r.Intn(n-3), putOrder(r)
		order.PutUint32(data[pos:], order.Uint32(data[pos:])-uint32(1+r.Intn(arithMax)))
	case 10:
		if n < 4 {
			return
		}
		pos, order := r.Intn(n-3), putOrder(r)
		order.PutUint32(data[pos:], order.Uint32(data[pos:])+uint32(1+r.Intn(arithMax)))
	case 11:
		data[r.Intn(n)] ^= byte(1 + r.Intn(255))
	}
}

func putOrder(r *rand.Rand) binary.ByteOrder {
	if r.Intn(2) == 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
