package hpack

// Decoder decompresses header blocks. It owns the decoder-side dynamic
// table; blocks must be fed in wire order, each as one complete unit
// (HEADERS plus its CONTINUATIONs already concatenated).
//
// Any error is final for the connection: a partially applied block
// leaves the table in an undefined state, so callers must tear the
// connection down with COMPRESSION_ERROR instead of decoding further.
type Decoder struct {
	table *dynamicTable

	// allowedMaxSize is the cap this endpoint advertised via
	// SETTINGS_HEADER_TABLE_SIZE; in-stream size updates above it are
	// invalid.
	allowedMaxSize uint32
}

func NewDecoder(maxTableSize uint32) *Decoder {
	return &Decoder{
		table:          newDynamicTable(maxTableSize),
		allowedMaxSize: maxTableSize,
	}
}

// SetAllowedMaxDynamicTableSize lowers (or raises) the advertised cap.
// Takes effect immediately: our own SETTINGS frame is on the wire
// before any block the peer encodes against it.
func (d *Decoder) SetAllowedMaxDynamicTableSize(v uint32) {
	d.allowedMaxSize = v
	if d.table.maxSize > v {
		d.table.setMaxSize(v)
	}
}

// DecodeFull decompresses one complete header block.
func (d *Decoder) DecodeFull(block []byte) ([]HeaderField, error) {
	var (
		fields    []HeaderField
		seenField bool
	)

	buf := block
	for len(buf) > 0 {
		b := buf[0]
		switch {
		case b&0x80 != 0:
			// Indexed field (§6.1).
			i, rest, err := readVarint(buf, 7)
			if err != nil {
				return nil, err
			}
			f, ok := d.table.lookup(i)
			if !ok {
				return nil, ErrInvalidIndex
			}
			fields = append(fields, HeaderField{Name: f.Name, Value: f.Value})
			buf = rest
			seenField = true

		case b&0xc0 == 0x40:
			// Literal with incremental indexing (§6.2.1).
			f, rest, err := d.readLiteral(buf, 6)
			if err != nil {
				return nil, err
			}
			d.table.add(HeaderField{Name: f.Name, Value: f.Value})
			fields = append(fields, f)
			buf = rest
			seenField = true

		case b&0xe0 == 0x20:
			// Dynamic table size update (§6.3). Must precede every
			// field of the block it appears in.
			if seenField {
				return nil, ErrInvalidTableSizeUpdate
			}
			v, rest, err := readVarint(buf, 5)
			if err != nil {
				return nil, err
			}
			if v > uint64(d.allowedMaxSize) {
				return nil, ErrInvalidTableSizeUpdate
			}
			d.table.setMaxSize(uint32(v))
			buf = rest

		case b&0xf0 == 0x10:
			// Literal never indexed (§6.2.3).
			f, rest, err := d.readLiteral(buf, 4)
			if err != nil {
				return nil, err
			}
			f.Sensitive = true
			fields = append(fields, f)
			buf = rest
			seenField = true

		default:
			// Literal without indexing (§6.2.2).
			f, rest, err := d.readLiteral(buf, 4)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
			buf = rest
			seenField = true
		}
	}

	return fields, nil
}

// readLiteral parses a literal representation with an n-bit name
// index prefix.
func (d *Decoder) readLiteral(buf []byte, n uint8) (f HeaderField, rest []byte, err error) {
	i, rest, err := readVarint(buf, n)
	if err != nil {
		return f, nil, err
	}
	if i != 0 {
		e, ok := d.table.lookup(i)
		if !ok {
			return f, nil, ErrInvalidIndex
		}
		f.Name = e.Name
	} else {
		f.Name, rest, err = readString(rest)
		if err != nil {
			return f, nil, err
		}
	}
	f.Value, rest, err = readString(rest)
	return f, rest, err
}

func readString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) == 0 {
		return "", nil, ErrInvalidEncoding
	}
	huffman := buf[0]&0x80 != 0
	l, rest, err := readVarint(buf, 7)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < l {
		return "", nil, ErrInvalidEncoding
	}
	raw := rest[:l]
	rest = rest[l:]
	if !huffman {
		return string(raw), rest, nil
	}
	decoded, err := huffmanDecode(nil, raw)
	if err != nil {
		return "", nil, err
	}
	return string(decoded), rest, nil
}
