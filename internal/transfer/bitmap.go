package transfer

// Bitmap is a compact bitset tracking which chunk indices have been seen.
type Bitmap struct {
	bits  int
	count int
	data  []byte
}

// NewBitmap allocates a bitmap sized for the given number of bits.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	byteLen := (bits + 7) / 8
	return &Bitmap{
		bits: bits,
		data: make([]byte, byteLen),
	}
}

// LenBits returns the number of bits in the bitmap.
func (b *Bitmap) LenBits() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks the bit at index i and reports whether it was newly set.
// Out-of-range indices are ignored.
func (b *Bitmap) Set(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	byteIndex := i / 8
	mask := byte(1) << uint(i%8)
	if b.data[byteIndex]&mask != 0 {
		return false
	}
	b.data[byteIndex] |= mask
	b.count++
	return true
}

// Get reports whether the bit at index i is set.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	byteIndex := i / 8
	bitIndex := uint(i % 8)
	return (b.data[byteIndex] & (1 << bitIndex)) != 0
}

// CountSet returns the number of set bits.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	return b.count
}

// Full reports whether every bit is set.
func (b *Bitmap) Full() bool {
	return b.CountSet() == b.LenBits()
}

// Missing returns up to limit unset indices in ascending order.
func (b *Bitmap) Missing(limit int) []int {
	if b == nil || limit <= 0 {
		return nil
	}
	var out []int
	for i := 0; i < b.bits && len(out) < limit; i++ {
		if !b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}
