package hpack

import "math"

// Encoder compresses header lists into header blocks. It owns the
// encoder-side dynamic table; blocks must be written to the wire in
// the order they were encoded.
type Encoder struct {
	table *dynamicTable

	// Pending table size change, signaled at the start of the next
	// block. minSize remembers the lowest cap seen since the last
	// emission so a shrink-then-grow still evicts on the peer
	// (RFC 7541 §4.2).
	tableSizeUpdate bool
	minSize         uint32
}

// EncoderOption configures a new Encoder.
type EncoderOption interface {
	apply(*Encoder)
}

// WithMaxDynamicTableSize caps the encoder's dynamic table from the
// start instead of emitting a size update in the first block.
type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(e *Encoder) {
	e.table.setMaxSize(uint32(s))
}

func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{
		table:   newDynamicTable(defaultDynamicTableSize),
		minSize: math.MaxUint32,
	}
	for _, o := range opts {
		o.apply(e)
	}
	return e
}

const defaultDynamicTableSize = 4096

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
// The change is announced in-stream at the start of the next block.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	if v < e.minSize {
		e.minSize = v
	}
	e.tableSizeUpdate = true
	e.table.setMaxSize(v)
}

// Encode compresses fields into one header block.
func (e *Encoder) Encode(fields []HeaderField) []byte {
	return e.AppendBlock(nil, fields)
}

// AppendBlock is Encode writing into dst.
func (e *Encoder) AppendBlock(dst []byte, fields []HeaderField) []byte {
	if e.tableSizeUpdate {
		if e.minSize < e.table.maxSize {
			dst = appendVarint(dst, 0x20, 5, uint64(e.minSize))
		}
		dst = appendVarint(dst, 0x20, 5, uint64(e.table.maxSize))
		e.tableSizeUpdate = false
		e.minSize = math.MaxUint32
	}
	for _, f := range fields {
		dst = e.appendField(dst, f)
	}
	return dst
}

func (e *Encoder) appendField(dst []byte, f HeaderField) []byte {
	pair, name := e.table.search(f)

	switch {
	case f.Sensitive:
		// Literal never indexed (§6.2.3); must not enter any table.
		dst = appendVarint(dst, 0x10, 4, name)
		if name == 0 {
			dst = appendString(dst, f.Name)
		}
		return appendString(dst, f.Value)

	case pair != 0:
		// Indexed (§6.1).
		return appendVarint(dst, 0x80, 7, pair)

	case f.size() <= e.table.maxSize:
		// Literal with incremental indexing (§6.2.1).
		dst = appendVarint(dst, 0x40, 6, name)
		if name == 0 {
			dst = appendString(dst, f.Name)
		}
		dst = appendString(dst, f.Value)
		e.table.add(HeaderField{Name: f.Name, Value: f.Value})
		return dst

	default:
		// Literal without indexing (§6.2.2): the entry could never
		// stay in the table anyway.
		dst = appendVarint(dst, 0x00, 4, name)
		if name == 0 {
			dst = appendString(dst, f.Name)
		}
		return appendString(dst, f.Value)
	}
}

// appendString writes a string literal, Huffman-coded when that is
// shorter.
func appendString(dst []byte, s string) []byte {
	if hl := huffmanEncodedLen(s); hl < len(s) {
		dst = appendVarint(dst, 0x80, 7, uint64(hl))
		return appendHuffman(dst, s)
	}
	dst = appendVarint(dst, 0x00, 7, uint64(len(s)))
	return append(dst, s...)
}
