package rsync

// Weak returns the rolling checksum of block: the low 16 bits hold the byte
// sum, the high 16 bits the position weighted sum, both modulo 65536.
func Weak(block []byte) uint32 {
	a, b := sums(block)
	return pack(a, b)
}

func sums(block []byte) (a, b uint32) {
	n := uint32(len(block))
	for i, x := range block {
		a += uint32(x)
		b += (n - uint32(i)) * uint32(x)
	}
	return a & 0xFFFF, b & 0xFFFF
}

func pack(a, b uint32) uint32 {
	return a | b<<16
}

// Rolling maintains the weak checksum of a fixed size window that slides over
// a byte sequence one byte at a time.
type Rolling struct {
	a, b   uint32
	window []byte
	pos    int
}

// Reset computes the checksum of window from scratch and makes it the current
// window. The window length stays fixed until the next Reset.
func (r *Rolling) Reset(window []byte) uint32 {
	r.a, r.b = sums(window)
	r.window = append(r.window[:0], window...)
	r.pos = 0
	return pack(r.a, r.b)
}

// Roll drops the oldest byte of the window, appends in and returns the
// checksum of the new window. Only the previous sums and the two bytes are
// used.
func (r *Rolling) Roll(in byte) uint32 {
	out := uint32(r.window[r.pos])
	n := uint32(len(r.window))
	r.a = (r.a - out + uint32(in)) & 0xFFFF
	r.b = (r.b - n*out + r.a) & 0xFFFF
	r.window[r.pos] = in
	r.pos++
	if r.pos == len(r.window) {
		r.pos = 0
	}
	return pack(r.a, r.b)
}

// Sum returns the checksum of the current window.
func (r *Rolling) Sum() uint32 {
	return pack(r.a, r.b)
}

// Window copies the current window contents, oldest byte first, into dst and
// returns the result.
func (r *Rolling) Window(dst []byte) []byte {
	dst = append(dst[:0], r.window[r.pos:]...)
	return append(dst, r.window[:r.pos]...)
}
