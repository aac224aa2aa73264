package consts

import "time"

// Protocol defaults from RFC 7540 §6.5.2 and limits from §4.1/§6.9.
const (
	DefaultHeaderTableSize   = 4096
	DefaultInitialWindowSize = 65_535
	DefaultMaxFrameSize      = 16_384
	DefaultMaxHeaderListSize = 1 << 20

	MinMaxFrameSize = 16_384
	MaxMaxFrameSize = 1<<24 - 1

	MaxWindowSize = 1<<31 - 1
	MaxStreamID   = 1<<31 - 1
)

const (
	ReceiveBufferSize = 2048

	DefaultDialTimeout = 11 * time.Second
)
