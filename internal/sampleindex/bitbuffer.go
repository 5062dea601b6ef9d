package sampleindex

import "github.com/bits-and-blooms/bitset"

// bitBuffer packs fixed-width codes at bit offsets, least significant bit first
type bitBuffer []byte

func newBitBuffer(bitLen int) bitBuffer {
	return make(bitBuffer, (bitLen+7)/8)
}

// write stores the low width bits of v at offset
func (b bitBuffer) write(offset, width int, v uint64) {
	for i := 0; i < width; i++ {
		pos := offset + i
		if v&(1<<i) != 0 {
			b[pos/8] |= 1 << (pos % 8)
		} else {
			b[pos/8] &^= 1 << (pos % 8)
		}
	}
}

// read returns the width bits at offset
func (b bitBuffer) read(offset, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		pos := offset + i
		if b[pos/8]&(1<<(pos%8)) != 0 {
			v |= 1 << i
		}
	}
	return v
}

// writeSet copies the first width bits of set to offset
func (b bitBuffer) writeSet(offset, width int, set *bitset.BitSet) {
	for i, ok := set.NextSet(0); ok && int(i) < width; i, ok = set.NextSet(i + 1) {
		pos := offset + int(i)
		b[pos/8] |= 1 << (pos % 8)
	}
}

// readSet returns the width bits at offset as a bitset
func (b bitBuffer) readSet(offset, width int) *bitset.BitSet {
	set := bitset.New(uint(width))
	for i := 0; i < width; i++ {
		pos := offset + i
		if b[pos/8]&(1<<(pos%8)) != 0 {
			set.Set(uint(i))
		}
	}
	return set
}
