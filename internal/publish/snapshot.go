package publish

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Encoding names accepted by New.
const (
	EncodingSparse = "sparse"
	EncodingBitmap = "bitmap"

	// DefaultBitmapRange is the bitmap size in bits.
	DefaultBitmapRange = 1 << 23
)

// Snapshot is an immutable, published view of infection status.
type Snapshot interface {
	Encoding() string
	ContentType() string
	// Entries is the number of seeds (sparse) or set bits (bitmap).
	Entries() int
	WriteTo(w io.Writer) (int64, error)
}

// SparseMap maps beacon code seeds to the status of the reporting device.
type SparseMap struct {
	seeds map[string]string
	body  []byte
}

func newSparseMap(seeds map[string]string) (*SparseMap, error) {
	body, err := json.Marshal(seeds)
	if err != nil {
		return nil, fmt.Errorf("publish: encode sparse map: %w", err)
	}
	return &SparseMap{seeds: seeds, body: body}, nil
}

func (m *SparseMap) Encoding() string    { return EncodingSparse }
func (m *SparseMap) ContentType() string { return "application/json" }
func (m *SparseMap) Entries() int        { return len(m.seeds) }

func (m *SparseMap) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.body)
	return int64(n), err
}

// Status returns the published status of seed.
func (m *SparseMap) Status(seed int64) (string, bool) {
	s, ok := m.seeds[strconv.FormatInt(seed, 10)]
	return s, ok
}

// Bitmap holds one bit per residue of a day code modulo its range. A set bit
// only says that some reporting device has a day code with that residue.
type Bitmap struct {
	bits      []byte
	set       int
	rangeBits int64
}

func newBitmap(rangeBits int) *Bitmap {
	return &Bitmap{bits: make([]byte, rangeBits/8), rangeBits: int64(rangeBits)}
}

func (b *Bitmap) index(code int64) int64 {
	i := code % b.rangeBits
	if i < 0 {
		i = -i
	}
	return i
}

func (b *Bitmap) assign(code int64, on bool) {
	i := b.index(code)
	mask := byte(1) << (i % 8)
	was := b.bits[i/8]&mask != 0
	switch {
	case on && !was:
		b.bits[i/8] |= mask
		b.set++
	case !on && was:
		b.bits[i/8] &^= mask
		b.set--
	}
}

// Infected reports whether the bit for code is set.
func (b *Bitmap) Infected(code int64) bool {
	i := b.index(code)
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Range is the number of bits.
func (b *Bitmap) Range() int { return int(b.rangeBits) }

func (b *Bitmap) Encoding() string    { return EncodingBitmap }
func (b *Bitmap) ContentType() string { return "application/octet-stream" }
func (b *Bitmap) Entries() int        { return b.set }

func (b *Bitmap) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.bits)
	return int64(n), err
}
