// Package chain provides a minimal in-memory stand-in for the block
// database, transaction pool, and pending-block queue that the eth
// capability treats as external collaborators. It exists so that the
// ethnode binary has something concrete to wire up; a real client
// replaces it with its own persistent chain implementation.
package chain

import (
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/aliakbarRashidi/eris/eth"
)

// Memory is a trivial, non-persistent implementation of eth.Chain,
// eth.TxPool, and eth.BlockQueue all at once.
type Memory struct {
	mu sync.RWMutex

	genesis Hash
	head    Hash
	order   []Hash
	bodies  map[Hash]eth.BlockBody
	td      *big.Int

	pending map[Hash][]byte
}

type Hash = eth.Hash

// NewMemory seeds a chain containing only its genesis block.
func NewMemory(genesis Hash) *Memory {
	m := &Memory{
		genesis: genesis,
		head:    genesis,
		order:   []Hash{genesis},
		bodies:  map[Hash]eth.BlockBody{genesis: nil},
		td:      new(big.Int),
		pending: make(map[Hash][]byte),
	}
	return m
}

func (m *Memory) GenesisHash() Hash { return m.genesis }

func (m *Memory) HeadHash() Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head
}

func (m *Memory) HeadTotalDifficulty() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.td)
}

func (m *Memory) HasBlock(hash Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bodies[hash]
	return ok
}

func (m *Memory) HashesFrom(from Hash, count uint64) []Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := -1
	for i, h := range m.order {
		if h == from {
			start = i + 1
			break
		}
	}
	if start < 0 || uint64(start) >= uint64(len(m.order)) {
		return nil
	}
	end := start + int(count)
	if end > len(m.order) {
		end = len(m.order)
	}
	out := make([]Hash, end-start)
	copy(out, m.order[start:end])
	return out
}

func (m *Memory) Body(hash Hash) (eth.BlockBody, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bodies[hash]
	return b, ok
}

// Import appends hash to the chain with the given body, advancing the head
// and total difficulty by one unit per block. It never rejects a block;
// production chains would validate against parent linkage and difficulty
// here.
func (m *Memory) Import(hash Hash, body eth.BlockBody) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bodies[hash]; ok {
		return nil
	}
	m.bodies[hash] = body
	m.order = append(m.order, hash)
	m.head = hash
	m.td.Add(m.td, big.NewInt(1))
	return nil
}

// AddPending inserts a transaction into the pool, keyed by the hash the
// caller has already computed for it.
func (m *Memory) AddPending(hash Hash, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[hash] = raw
}

func (m *Memory) Pending() []Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Hash, 0, len(m.pending))
	for h := range m.pending {
		out = append(out, h)
	}
	return out
}

func (m *Memory) Get(hash Hash) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.pending[hash]
	return raw, ok
}

// Add hashes raw and inserts it into the pool, reporting whether it was
// newly added. Transactions arrive from peers with no hash attached, so the
// pool computes its own.
func (m *Memory) Add(raw []byte) (Hash, bool) {
	hash := Hash(sha256.Sum256(raw))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[hash]; ok {
		return hash, false
	}
	m.pending[hash] = raw
	return hash, true
}
