package p2p

import (
	"bytes"
	"io"

	"github.com/aliakbarRashidi/eris/rlp"
)

// Base p2p opcodes, in [0x00, baseProtocolLength). Everything from
// baseProtocolLength up belongs to a negotiated capability, offset by the
// order in which capabilities were negotiated for the session.
const (
	OpHello      = 0x00
	OpDisconnect = 0x01
	OpPing       = 0x02
	OpPong       = 0x03
	OpGetPeers   = 0x04
	OpPeers      = 0x05
)

// baseProtocolLength is the number of opcodes reserved for p2p control
// messages; capability opcodes start here.
const baseProtocolLength = 0x10

// Msg is a decoded frame: an opcode plus its RLP-encoded field list.
type Msg struct {
	Code    uint64
	Size    uint32
	Payload io.Reader
}

// Decode reads msg's RLP fields into dest, in order.
func (msg Msg) Decode(dest ...interface{}) error {
	buf, err := io.ReadAll(io.LimitReader(msg.Payload, int64(msg.Size)))
	if err != nil {
		return err
	}
	s := rlp.NewStream(bytes.NewReader(buf))
	for _, d := range dest {
		if err := s.Decode(d); err != nil {
			return err
		}
	}
	return nil
}

// Discard reads and throws away any payload bytes the caller doesn't need.
func (msg Msg) Discard() error {
	_, err := io.Copy(io.Discard, io.LimitReader(msg.Payload, int64(msg.Size)))
	return err
}

// encodePacket serializes the message code followed by its field list as a
// single RLP list, ready to be wrapped in a frame by sealFrame.
func encodePacket(code uint64, params ...interface{}) ([]byte, error) {
	items := make(rlp.List, 0, len(params)+1)
	items = append(items, code)
	items = append(items, params...)
	return rlp.EncodeToBytes(items)
}
