// Package bloom implements a double-hashed bloom filter sized from an
// expected cardinality and target false-positive rate, used for chunk-level
// pruning sidecars by the chunk store (C4); no import path uses it. See
// SPEC_FULL.md C3.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/dreamware/graphshard/internal/binenc"
)

// Version is the serialization format version written into a Filter's
// header.
const Version = 1

// Filter is a double-hashed bit-set bloom filter. Membership test
// (MightContain) is the classic h1 + i*h2 scheme over binenc's FNV-1a and
// its remix, so no extra hash implementation is pulled in.
type Filter struct {
	bits        []uint64
	m           uint64 // number of bits
	k           uint64 // number of hash functions
	expectedFPR float64
}

// New sizes a filter for expectedItems elements at the target false
// positive rate fpr (0,1), using the standard formulas:
//
//	m = ceil(-n*ln(p) / ln(2)^2)
//	k = round(m/n * ln(2))
func New(expectedItems int, fpr float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	n := float64(expectedItems)
	ln2 := math.Ln2
	m := math.Ceil(-n * math.Log(fpr) / (ln2 * ln2))
	if m < 64 {
		m = 64
	}
	k := math.Round((m / n) * ln2)
	if k < 1 {
		k = 1
	}
	words := (uint64(m) + 63) / 64
	return &Filter{
		bits:        make([]uint64, words),
		m:           words * 64,
		k:           uint64(k),
		expectedFPR: fpr,
	}
}

func (f *Filter) positions(key []byte) []uint64 {
	h1 := uint64(binenc.FNV1a(key))
	h2 := uint64(binenc.FNV1aRemix(binenc.FNV1a(key)))
	if h2 == 0 {
		h2 = 1
	}
	pos := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		pos[i] = (h1 + i*h2) % f.m
	}
	return pos
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for _, p := range f.positions(key) {
		f.bits[p/64] |= 1 << (p % 64)
	}
}

// MightContain returns true for every key that was Added, and false for
// most keys that were not, within the filter's configured false-positive
// rate.
func (f *Filter) MightContain(key []byte) bool {
	for _, p := range f.positions(key) {
		if f.bits[p/64]&(1<<(p%64)) == 0 {
			return false
		}
	}
	return true
}

// K returns the number of hash functions used.
func (f *Filter) K() uint64 { return f.k }

// M returns the number of bits in the filter.
func (f *Filter) M() uint64 { return f.m }

// SizeBytes returns the serialized size of the filter's bit array in bytes.
func (f *Filter) SizeBytes() int { return len(f.bits) * 8 }

// ErrBadHeader is returned by UnmarshalBinary when the header is truncated
// or carries an unsupported version.
var ErrBadHeader = errors.New("bloom: bad or unsupported header")

// MarshalBinary serializes the filter: a header {version, k, m, expectedFpr
// (as bits), sizeBytes} followed by the raw bit words.
func (f *Filter) MarshalBinary() ([]byte, error) {
	header := make([]byte, 0, 8+8+8+8+8)
	header = binenc.PutUvarint(header, uint64(Version))
	header = binenc.PutUvarint(header, f.k)
	header = binenc.PutUvarint(header, f.m)
	header = binenc.PutUvarint(header, math.Float64bits(f.expectedFPR))
	header = binenc.PutUvarint(header, uint64(f.SizeBytes()))

	buf := make([]byte, len(header)+len(f.bits)*8)
	copy(buf, header)
	off := len(header)
	for _, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	return buf, nil
}

// UnmarshalBinary decodes a filter previously produced by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	version, n1, err := binenc.Uvarint(data)
	if err != nil || version != Version {
		return ErrBadHeader
	}
	data = data[n1:]
	k, n2, err := binenc.Uvarint(data)
	if err != nil {
		return ErrBadHeader
	}
	data = data[n2:]
	m, n3, err := binenc.Uvarint(data)
	if err != nil {
		return ErrBadHeader
	}
	data = data[n3:]
	fprBits, n4, err := binenc.Uvarint(data)
	if err != nil {
		return ErrBadHeader
	}
	data = data[n4:]
	sizeBytes, n5, err := binenc.Uvarint(data)
	if err != nil {
		return ErrBadHeader
	}
	data = data[n5:]

	if uint64(len(data)) < sizeBytes || sizeBytes%8 != 0 {
		return ErrBadHeader
	}
	words := make([]uint64, sizeBytes/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}

	f.k = k
	f.m = m
	f.expectedFPR = math.Float64frombits(fprBits)
	f.bits = words
	return nil
}
