package frame

// Splitter cuts a stream of read chunks into complete frames. Fill
// hands it the bytes of one transport read, Next yields frames until
// the buffered bytes run out.
//
// Returned header and payload slices point into the internal buffer
// and stay valid until the next Fill.
type Splitter struct {
	maxPayload int
	pending    []byte
	off        int
}

// NewSplitter bounds accepted frames at maxPayload, normally the
// SETTINGS_MAX_FRAME_SIZE this endpoint advertised. A peer declaring a
// longer frame kills the connection before the payload is buffered.
func NewSplitter(maxPayload int) *Splitter {
	return &Splitter{maxPayload: maxPayload}
}

// SetMaxPayload raises the bound after a SETTINGS update.
func (s *Splitter) SetMaxPayload(maxPayload int) { s.maxPayload = maxPayload }

func (s *Splitter) Fill(b []byte) {
	if s.off > 0 {
		s.pending = append(s.pending[:0], s.pending[s.off:]...)
		s.off = 0
	}
	s.pending = append(s.pending, b...)
}

// Next returns the next buffered frame. ok is false when more bytes
// are needed.
func (s *Splitter) Next() (h Header, payload []byte, ok bool, err error) {
	avail := len(s.pending) - s.off
	if avail < HeaderLen {
		return nil, nil, false, nil
	}

	h = Header(s.pending[s.off : s.off+HeaderLen])
	length := h.Length()
	if length > s.maxPayload {
		return nil, nil, false, errMalformed("%s frame: %d byte payload exceeds advertised max %d",
			h.Type(), length, s.maxPayload)
	}
	if avail < HeaderLen+length {
		return nil, nil, false, nil
	}

	payload = s.pending[s.off+HeaderLen : s.off+HeaderLen+length]
	s.off += HeaderLen + length
	return h, payload, true, nil
}
