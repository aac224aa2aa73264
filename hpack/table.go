package hpack

// dynamicTable is the FIFO table of RFC 7541 §2.3.2/§4. Entries are
// appended newest-last; wire indices count from the newest entry and
// start right after the static table.
type dynamicTable struct {
	entries []HeaderField
	size    uint32
	maxSize uint32
}

func newDynamicTable(maxSize uint32) *dynamicTable {
	return &dynamicTable{maxSize: maxSize}
}

func (t *dynamicTable) len() int { return len(t.entries) }

// at returns the entry for 1-based distance from the newest insertion.
func (t *dynamicTable) at(i int) HeaderField {
	return t.entries[len(t.entries)-i]
}

// add inserts f, evicting oldest-first until it fits. An entry larger
// than the whole table empties the table and is not inserted
// (RFC 7541 §4.4).
func (t *dynamicTable) add(f HeaderField) {
	size := f.size()
	if size > t.maxSize {
		t.entries = t.entries[:0]
		t.size = 0
		return
	}
	t.evict(t.maxSize - size)
	t.entries = append(t.entries, f)
	t.size += size
}

// setMaxSize applies a table size change, evicting as needed.
func (t *dynamicTable) setMaxSize(maxSize uint32) {
	t.maxSize = maxSize
	t.evict(maxSize)
}

func (t *dynamicTable) evict(limit uint32) {
	var n int
	for t.size > limit {
		t.size -= t.entries[n].size()
		n++
	}
	if n > 0 {
		t.entries = append(t.entries[:0], t.entries[n:]...)
	}
}

// search reports the wire index of an exact pair match, or of a name
// match, in the combined index space. 0 means no match.
func (t *dynamicTable) search(f HeaderField) (pair uint64, name uint64) {
	if i, ok := staticPairIndex[pairKey{f.Name, f.Value}]; ok {
		pair = i
	}
	if i, ok := staticNameIndex[f.Name]; ok {
		name = i
	}
	if pair != 0 {
		return pair, name
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Name != f.Name {
			continue
		}
		idx := uint64(len(staticTable) + len(t.entries) - i)
		if e.Value == f.Value {
			return idx, name
		}
		if name == 0 {
			name = idx
		}
	}
	return 0, name
}

// lookup resolves a wire index against static + dynamic tables.
func (t *dynamicTable) lookup(i uint64) (HeaderField, bool) {
	if i == 0 {
		return HeaderField{}, false
	}
	if i <= uint64(len(staticTable)) {
		return staticTable[i-1], true
	}
	d := int(i) - len(staticTable)
	if d > len(t.entries) {
		return HeaderField{}, false
	}
	return t.at(d), true
}
