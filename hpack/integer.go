package hpack

// Prefixed integer representation (RFC 7541 §5.1). first carries the
// pattern bits of the representation; n is the prefix width in bits.

func appendVarint(dst []byte, first byte, n uint8, v uint64) []byte {
	max := uint64(1)<<n - 1
	if v < max {
		return append(dst, first|byte(v))
	}
	dst = append(dst, first|byte(max))
	v -= max
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func readVarint(buf []byte, n uint8) (v uint64, rest []byte, err error) {
	if len(buf) == 0 {
		return 0, nil, ErrInvalidEncoding
	}
	max := uint64(1)<<n - 1
	v = uint64(buf[0]) & max
	buf = buf[1:]
	if v < max {
		return v, buf, nil
	}

	var shift uint
	for i, b := range buf {
		v += uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, buf[i+1:], nil
		}
		shift += 7
		// 2^62 is far past any value the protocol can mean;
		// longer encodings are treated as malformed.
		if shift > 62 {
			return 0, nil, ErrInvalidEncoding
		}
	}
	return 0, nil, ErrInvalidEncoding
}
