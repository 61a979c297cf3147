// Package eth implements the chain-synchronization capability: a
// host-resident coordinator plus a per-peer sub-protocol handler that
// partitions a range of block hashes across peers, downloads their
// bodies, and gossips new transactions and blocks.
package eth

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/aliakbarRashidi/eris/log"
	"github.com/aliakbarRashidi/eris/rlp"
)

var logger = log.New("module", "eth")

// Hash is a 256-bit block or transaction digest. The eth capability never
// computes hashes itself; it only compares, stores, and forwards the ones
// Chain/TxPool/BlockQueue give it.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(h[:])
}

func (h *Hash) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("eth: invalid hash length %d, want %d", len(b), len(*h))
	}
	copy(h[:], b)
	return nil
}

// BlockBody is the RLP-opaque payload of one block, as carried in a Blocks
// packet. The eth capability does not interpret it; Chain/BlockQueue do.
type BlockBody []byte

// Chain answers questions about locally-known chain state. It is provided
// by the surrounding client; the sync capability never mutates it directly.
type Chain interface {
	// GenesisHash returns the hash of the chain's genesis block.
	GenesisHash() Hash

	// HeadHash and HeadTotalDifficulty describe the current best-known
	// local chain tip.
	HeadHash() Hash
	HeadTotalDifficulty() *big.Int

	// HasBlock reports whether hash is already known locally.
	HasBlock(hash Hash) bool

	// HashesFrom returns up to count hashes of the canonical chain
	// starting immediately after from, for answering GetBlockHashes.
	HashesFrom(from Hash, count uint64) []Hash

	// Body returns the RLP-encoded body of a locally-known block, for
	// answering GetBlocks.
	Body(hash Hash) (BlockBody, bool)
}

// BlockQueue receives block bodies that have been matched to a requested
// hash (or arrived unsolicited via gossip) and are awaiting import.
type BlockQueue interface {
	Import(hash Hash, body BlockBody) error
}

// TxPool is diffed against each peer's "already sent" memo on every
// maintenance tick so that new transactions get gossiped exactly once per
// peer. Add is how transactions received from peers are fed back in; the
// pool computes its own hash for raw, since the sync capability never
// hashes anything itself.
type TxPool interface {
	Pending() []Hash
	Get(hash Hash) ([]byte, bool)
	Add(raw []byte) (Hash, bool)
}
