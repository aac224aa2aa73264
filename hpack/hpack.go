// Package hpack implements RFC 7541 header compression for the client
// side of an HTTP/2 connection: the 5-bit-prefix integer and Huffman
// string codings, the 61-entry static table, the FIFO dynamic table,
// and Encoder/Decoder working on whole header blocks.
//
// Encoder and decoder are independent instances with independent
// dynamic tables; a connection owns exactly one of each, and all
// blocks must pass through them in wire order.
package hpack

import "errors"

// HeaderField is one name/value pair of a header list. Sensitive
// fields are encoded never-indexed and are never inserted into either
// dynamic table (RFC 7541 §7.1.3).
type HeaderField struct {
	Name      string
	Value     string
	Sensitive bool
}

// size is the table-accounting size of the entry (RFC 7541 §4.1).
func (f HeaderField) size() uint32 {
	return uint32(len(f.Name)+len(f.Value)) + 32
}

func (f HeaderField) String() string {
	v := f.Value
	if f.Sensitive {
		v = "<sensitive>"
	}
	return f.Name + ": " + v
}

// Decoding errors. All of them are connection-fatal COMPRESSION_ERRORs:
// a failed block leaves the dynamic table in an undefined state.
var (
	// ErrInvalidIndex marks an indexed representation outside the
	// bounds of the static and dynamic tables.
	ErrInvalidIndex = errors.New("hpack: index out of table bounds")
	// ErrInvalidTableSizeUpdate marks a dynamic table size update that
	// appears after the first field of a block, or exceeds the cap set
	// via SETTINGS_HEADER_TABLE_SIZE.
	ErrInvalidTableSizeUpdate = errors.New("hpack: invalid dynamic table size update")
	// ErrInvalidEncoding marks truncated or over-long representations.
	ErrInvalidEncoding = errors.New("hpack: malformed header block")
	// ErrInvalidHuffman marks a Huffman string with an unknown code,
	// an EOS symbol, or bad padding.
	ErrInvalidHuffman = errors.New("hpack: invalid huffman-coded string")
)
