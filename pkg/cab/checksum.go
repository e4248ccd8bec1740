package cab

// checksum implements the CFDATA checksum: little endian 32 bit words
// xor'ed together, with the trailing bytes folded in most significant
// first.
func checksum(b []byte, seed uint32) uint32 {
	csum := seed
	n := len(b) / 4
	for i := 0; i < n; i++ {
		p := b[i*4:]
		csum ^= uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	}

	var ul uint32
	tail := b[n*4:]
	switch len(tail) {
	case 3:
		ul = uint32(tail[0])<<16 | uint32(tail[1])<<8 | uint32(tail[2])
	case 2:
		ul = uint32(tail[0])<<8 | uint32(tail[1])
	case 1:
		ul = uint32(tail[0])
	}

	return csum ^ ul
}

// blockChecksum is the value stored in a CFDATA header. It covers the
// compressed bytes followed by the cbData and cbUncomp fields.
func blockChecksum(data []byte, cbUncomp uint16) uint32 {
	sizes := []byte{
		byte(len(data)), byte(len(data) >> 8),
		byte(cbUncomp), byte(cbUncomp >> 8),
	}
	return checksum(sizes, checksum(data, 0))
}
