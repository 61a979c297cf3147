package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/aliakbarRashidi/eris/rlp"
)

// NodeIDBits is the bit length of a NodeId.
const NodeIDBits = 512

// NodeID is a 512-bit opaque identifier chosen uniformly at random when a
// host starts. It is used only to de-duplicate peers and to gossip
// addresses; it carries no cryptographic authentication.
type NodeID [NodeIDBits / 8]byte

// RandomNodeID returns a freshly generated NodeID.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("p2p: failed to read random bytes: %v", err))
	}
	return id
}

// String renders the full identifier as hex.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Abridged renders a short prefix of the identifier, suitable for logging.
func (n NodeID) Abridged() string {
	return hex.EncodeToString(n[:4])
}

// IsZero reports whether n is the zero value, i.e. never assigned.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

func bytesToNodeID(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return id, fmt.Errorf("p2p: invalid NodeID length %d, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// EncodeRLP encodes the NodeID as a 64-byte RLP string.
func (n NodeID) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(n[:])
}

// DecodeRLP decodes a 64-byte RLP string into the NodeID.
func (n *NodeID) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	id, err := bytesToNodeID(b)
	if err != nil {
		return err
	}
	*n = id
	return nil
}
