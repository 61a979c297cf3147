package p2p

import (
	"encoding/binary"
	"fmt"
)

// frameHeaderSize is the length of the sync+length header that prefixes
// every frame on the wire.
const frameHeaderSize = 8

// maxFramePayload bounds the length field so a corrupt or hostile peer
// cannot make a session allocate an unbounded buffer.
const maxFramePayload = 16 * 1024 * 1024

// syncToken is the four-byte magic that opens every frame.
var syncToken = [4]byte{0x22, 0x40, 0x08, 0x91}

// ErrBadMagic is returned by unsealHeader when the header's sync bytes do
// not match syncToken.
var ErrBadMagic = fmt.Errorf("p2p: bad frame magic")

// ErrFrameTooLarge is returned when a frame's declared payload length
// exceeds maxFramePayload.
var ErrFrameTooLarge = fmt.Errorf("p2p: frame payload too large")

// sealFrame writes the sync token and big-endian payload length into the
// first 8 bytes of b, given that b's length minus 8 is the payload size.
// b must be at least frameHeaderSize bytes long.
func sealFrame(b []byte) {
	copy(b[:4], syncToken[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)-frameHeaderSize))
}

// newFrame allocates a buffer with the 8-byte header reserved and the
// payload appended, then seals it.
func newFrame(payload []byte) []byte {
	b := make([]byte, frameHeaderSize+len(payload))
	copy(b[frameHeaderSize:], payload)
	sealFrame(b)
	return b
}

// unsealHeader parses an 8-byte frame header and returns the declared
// payload length. It does not read the payload itself.
func unsealHeader(header []byte) (payloadLen uint32, err error) {
	if len(header) != frameHeaderSize {
		return 0, fmt.Errorf("p2p: short frame header (%d bytes)", len(header))
	}
	var got [4]byte
	copy(got[:], header[:4])
	if got != syncToken {
		return 0, ErrBadMagic
	}
	payloadLen = binary.BigEndian.Uint32(header[4:8])
	if payloadLen > maxFramePayload {
		return 0, ErrFrameTooLarge
	}
	return payloadLen, nil
}
