package hpack

import "sync"

// Huffman string coding (RFC 7541 §5.2, Appendix B).

func appendHuffman(dst []byte, s string) []byte {
	var (
		cur   uint64
		nbits uint
	)
	for i := 0; i < len(s); i++ {
		c := huffmanCodes[s[i]]
		cur = cur<<c.bits | uint64(c.code)
		nbits += uint(c.bits)
		for nbits >= 8 {
			nbits -= 8
			dst = append(dst, byte(cur>>nbits))
		}
	}
	if nbits > 0 {
		// Pad the last octet with the most significant bits of EOS
		// (all ones).
		dst = append(dst, byte(cur<<(8-nbits))|byte(0xff>>nbits))
	}
	return dst
}

// huffmanEncodedLen reports the octet length of appendHuffman's output.
func huffmanEncodedLen(s string) int {
	var bits int
	for i := 0; i < len(s); i++ {
		bits += int(huffmanCodes[s[i]].bits)
	}
	return (bits + 7) / 8
}

type huffmanNode struct {
	children [2]*huffmanNode
	sym      byte
	leaf     bool
}

var (
	huffmanRootOnce sync.Once
	huffmanRootNode *huffmanNode
)

// huffmanRoot builds the decode tree for the 256 data symbols. EOS is
// deliberately not inserted: its code path dead-ends, so a complete
// EOS in the input fails as RFC 7541 §5.2 requires.
func huffmanRoot() *huffmanNode {
	huffmanRootOnce.Do(func() {
		huffmanRootNode = new(huffmanNode)
		for sym := 0; sym < 256; sym++ {
			c := huffmanCodes[sym]
			n := huffmanRootNode
			for bit := int(c.bits) - 1; bit >= 0; bit-- {
				b := c.code >> uint(bit) & 1
				if n.children[b] == nil {
					n.children[b] = new(huffmanNode)
				}
				n = n.children[b]
			}
			n.sym = byte(sym)
			n.leaf = true
		}
	})
	return huffmanRootNode
}

func huffmanDecode(dst, v []byte) ([]byte, error) {
	root := huffmanRoot()
	n := root

	// Bits consumed since the last emitted symbol; at the end of the
	// string they must be fewer than 8 and all ones (an EOS prefix).
	padBits := 0
	padOnes := true

	for _, b := range v {
		for mask := byte(1 << 7); mask != 0; mask >>= 1 {
			bit := 0
			if b&mask != 0 {
				bit = 1
			} else {
				padOnes = false
			}
			padBits++

			n = n.children[bit]
			if n == nil {
				return nil, ErrInvalidHuffman
			}
			if n.leaf {
				dst = append(dst, n.sym)
				n = root
				padBits = 0
				padOnes = true
			}
		}
	}

	if padBits > 7 || !padOnes {
		return nil, ErrInvalidHuffman
	}
	return dst, nil
}
