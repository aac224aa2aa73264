package hpack

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhpack "golang.org/x/net/http2/hpack"
)

func mustHex(tb testing.TB, s string) []byte {
	tb.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(tb, err)
	return b
}

// xDecode runs a block through the x/net decoder, the reference for
// our encoder's output.
func xDecode(tb testing.TB, maxTableSize uint32, block []byte) []HeaderField {
	tb.Helper()
	var fields []HeaderField
	d := xhpack.NewDecoder(maxTableSize, func(f xhpack.HeaderField) {
		fields = append(fields, HeaderField{Name: f.Name, Value: f.Value, Sensitive: f.Sensitive})
	})
	_, err := d.Write(block)
	require.NoError(tb, err)
	require.NoError(tb, d.Close())
	return fields
}

// xEncode produces a block with the x/net encoder, the reference input
// for our decoder.
func xEncode(tb testing.TB, fields []HeaderField) []byte {
	tb.Helper()
	var buf bytes.Buffer
	e := xhpack.NewEncoder(&buf)
	for _, f := range fields {
		require.NoError(tb, e.WriteField(xhpack.HeaderField{
			Name: f.Name, Value: f.Value, Sensitive: f.Sensitive,
		}))
	}
	return buf.Bytes()
}

func TestIntegerCoding(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// RFC 7541 C.1.1: 10 in a 5-bit prefix.
	a.Equal([]byte{0x0a}, appendVarint(nil, 0, 5, 10))
	// C.1.2: 1337 in a 5-bit prefix.
	a.Equal([]byte{0x1f, 0x9a, 0x0a}, appendVarint(nil, 0, 5, 1337))
	// C.1.3: 42 on a full octet.
	a.Equal([]byte{0x2a}, appendVarint(nil, 0, 8, 42))

	v, rest, err := readVarint([]byte{0x1f, 0x9a, 0x0a}, 5)
	require.NoError(t, err)
	a.Equal(uint64(1337), v)
	a.Empty(rest)

	// Continuation that never terminates.
	_, _, err = readVarint([]byte{0x1f, 0x80, 0x80}, 5)
	a.ErrorIs(err, ErrInvalidEncoding)

	// Shift overflow.
	_, _, err = readVarint([]byte{0x1f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}, 5)
	a.ErrorIs(err, ErrInvalidEncoding)
}

func TestHuffmanVector(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// RFC 7541 C.4.1.
	want := mustHex(t, "f1e3 c2e5 f23a 6ba0 ab90 f4ff")
	a.Equal(want, appendHuffman(nil, "www.example.com"))
	a.Equal(len(want), huffmanEncodedLen("www.example.com"))

	got, err := huffmanDecode(nil, want)
	require.NoError(t, err)
	a.Equal("www.example.com", string(got))
}

func TestHuffmanPadding(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// 'o' is 00111 (5 bits); valid padding is three 1-bits.
	got, err := huffmanDecode(nil, []byte{0x3f})
	require.NoError(t, err)
	a.Equal("o", string(got))

	// Zero bit inside the padding.
	_, err = huffmanDecode(nil, []byte{0x3d})
	a.ErrorIs(err, ErrInvalidHuffman)

	// A full octet of 1s is padding longer than 7 bits.
	_, err = huffmanDecode(nil, []byte{0x3f, 0xff})
	a.ErrorIs(err, ErrInvalidHuffman)
}

func TestEncodeRequestVectors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// RFC 7541 C.3: three requests on one connection, no Huffman in
	// C.3 but our encoder picks Huffman when shorter, so compare
	// against C.4 (the Huffman-coded variant of the same requests).
	e := NewEncoder()

	first := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
	}
	a.Equal(mustHex(t, "8286 8441 8cf1 e3c2 e5f2 3a6b a0ab 90f4 ff"), e.Encode(first))

	second := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "cache-control", Value: "no-cache"},
	}
	a.Equal(mustHex(t, "8286 84be 5886 a8eb 1064 9cbf"), e.Encode(second))

	third := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/index.html"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "custom-key", Value: "custom-value"},
	}
	a.Equal(mustHex(t, "8287 85bf 4088 25a8 49e9 5ba9 7d7f 8925 a849 e95b b8e8 b4bf"), e.Encode(third))
}

func TestDecodeRequestVectors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// RFC 7541 C.4: Huffman-coded requests.
	d := NewDecoder(4096)

	fields, err := d.DecodeFull(mustHex(t, "8286 8441 8cf1 e3c2 e5f2 3a6b a0ab 90f4 ff"))
	require.NoError(t, err)
	a.Equal([]HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
	}, fields)

	fields, err = d.DecodeFull(mustHex(t, "8286 84be 5886 a8eb 1064 9cbf"))
	require.NoError(t, err)
	a.Equal([]HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "cache-control", Value: "no-cache"},
	}, fields)

	fields, err = d.DecodeFull(mustHex(t, "8287 85bf 4088 25a8 49e9 5ba9 7d7f 8925 a849 e95b b8e8 b4bf"))
	require.NoError(t, err)
	a.Equal([]HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/index.html"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "custom-key", Value: "custom-value"},
	}, fields)
}

func TestEncodeInteropsWithNetHTTP2(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	e := NewEncoder()
	fields := []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/submit?q=1"},
		{Name: "content-type", Value: "application/json"},
		{Name: "x-request-id", Value: "0f32cab1"},
		{Name: "authorization", Value: "Bearer s3cr3t", Sensitive: true},
	}

	// Two blocks to exercise dynamic table hits on the second; the
	// decoder persists across blocks so its table carries over.
	var got []HeaderField
	d := xhpack.NewDecoder(4096, func(f xhpack.HeaderField) {
		got = append(got, HeaderField{Name: f.Name, Value: f.Value, Sensitive: f.Sensitive})
	})
	for i := 0; i < 2; i++ {
		got = got[:0]
		_, err := d.Write(e.Encode(fields))
		require.NoError(t, err)
		require.NoError(t, d.Close())
		a.Equal(fields, got)
	}
}

func TestDecodeInteropsWithNetHTTP2(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDecoder(4096)
	fields := []HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/html; charset=utf-8"},
		{Name: "set-cookie", Value: "id=deadbeef", Sensitive: true},
		{Name: "x-zero", Value: ""},
	}

	for i := 0; i < 2; i++ {
		got, err := d.DecodeFull(xEncode(t, fields))
		require.NoError(t, err)
		a.Equal(fields, got)
	}
}

func TestSensitiveNeverIndexed(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	e := NewEncoder()
	block := e.Encode([]HeaderField{{Name: "authorization", Value: "token", Sensitive: true}})

	// 0x10 prefix, and nothing entered the dynamic table.
	a.Equal(byte(0x10), block[0]&0xf0)
	a.Equal(0, e.table.len())

	// Re-encoding is byte-identical: no table state to diverge.
	a.Equal(block, e.Encode([]HeaderField{{Name: "authorization", Value: "token", Sensitive: true}}))
}

func TestDynamicTableEviction(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// Each entry is 10+6+32 = 48 octets; cap the table at two entries.
	table := newDynamicTable(96)
	table.add(HeaderField{Name: "x-header-1", Value: "value1"})
	table.add(HeaderField{Name: "x-header-2", Value: "value2"})
	a.Equal(2, table.len())

	table.add(HeaderField{Name: "x-header-3", Value: "value3"})
	a.Equal(2, table.len())

	// Oldest gone, newest at index 1.
	f, ok := table.lookup(62)
	a.True(ok)
	a.Equal("x-header-3", f.Name)
	f, ok = table.lookup(63)
	a.True(ok)
	a.Equal("x-header-2", f.Name)
	_, ok = table.lookup(64)
	a.False(ok)
}

func TestDynamicTableOversizedEntryEmptiesTable(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	table := newDynamicTable(64)
	table.add(HeaderField{Name: "small", Value: "v"})
	a.Equal(1, table.len())

	table.add(HeaderField{Name: strings.Repeat("n", 64), Value: "v"})
	a.Equal(0, table.len())
	a.Equal(uint32(0), table.size)
}

func TestDecoderTableSizeUpdateRules(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// Size update after a field.
	d := NewDecoder(4096)
	block := append(xEncode(t, []HeaderField{{Name: ":method", Value: "GET"}}), 0x20)
	_, err := d.DecodeFull(block)
	a.ErrorIs(err, ErrInvalidTableSizeUpdate)

	// Size update above the advertised cap.
	d = NewDecoder(4096)
	_, err = d.DecodeFull(appendVarint(nil, 0x20, 5, 8192))
	a.ErrorIs(err, ErrInvalidTableSizeUpdate)

	// At the cap is fine.
	d = NewDecoder(4096)
	_, err = d.DecodeFull(appendVarint(nil, 0x20, 5, 4096))
	a.NoError(err)
}

func TestDecoderInvalidIndex(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDecoder(4096)

	// Index 62: dynamic table is empty.
	_, err := d.DecodeFull([]byte{0xbe})
	a.ErrorIs(err, ErrInvalidIndex)

	// Index 0 is never valid in an indexed representation.
	_, err = d.DecodeFull([]byte{0x80})
	a.ErrorIs(err, ErrInvalidIndex)
}

func TestDecoderTruncatedBlock(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDecoder(4096)

	// Literal with a string length past the end of the block.
	_, err := d.DecodeFull([]byte{0x40, 0x0a, 'x'})
	a.ErrorIs(err, ErrInvalidEncoding)
}

func TestEncoderTableSizeUpdateEmission(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	e := NewEncoder()
	e.SetMaxDynamicTableSize(256)

	block := e.Encode([]HeaderField{{Name: ":method", Value: "GET"}})
	// Update first, then the indexed field.
	a.Equal(byte(0x20), block[0]&0xe0)

	// Decodes cleanly with a cap that admits 256.
	d := NewDecoder(4096)
	fields, err := d.DecodeFull(block)
	require.NoError(t, err)
	a.Equal([]HeaderField{{Name: ":method", Value: "GET"}}, fields)

	// Shrink then grow within one flight announces the minimum too.
	e.SetMaxDynamicTableSize(0)
	e.SetMaxDynamicTableSize(512)
	block = e.Encode([]HeaderField{{Name: ":method", Value: "GET"}})
	got := xDecode(t, 4096, block)
	a.Equal([]HeaderField{{Name: ":method", Value: "GET"}}, got)
	a.Equal(byte(0x20), block[0]&0xe0)
}

func TestStaticTableLookup(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDecoder(4096)

	// Index 2 is :method GET, index 61 is www-authenticate.
	fields, err := d.DecodeFull([]byte{0x82, 0x80 | 61})
	require.NoError(t, err)
	a.Equal([]HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: "www-authenticate", Value: ""},
	}, fields)
}
