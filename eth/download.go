package eth

import (
	"sync"

	"github.com/aliakbarRashidi/eris/p2p"
)

// DownloadManager is the shared progress ledger for a single in-flight
// chain fetch: the ordered hash list under fetch, which indices into it
// are still needed, and which peer currently holds a lease on which
// indices. All methods are safe for concurrent use; the lock makes lease
// mutation atomic with respect to the needed-set.
type DownloadManager struct {
	mu sync.Mutex

	hashes []Hash
	need   map[int]bool
	leases map[p2p.NodeID]map[int]bool
}

// NewDownloadManager returns an empty manager with no chain under fetch.
func NewDownloadManager() *DownloadManager {
	return &DownloadManager{
		need:   make(map[int]bool),
		leases: make(map[p2p.NodeID]map[int]bool),
	}
}

// ResetToChain adopts hashes as the chain under fetch: every index becomes
// needed and every existing lease is dropped.
func (m *DownloadManager) ResetToChain(hashes []Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes = hashes
	m.need = make(map[int]bool, len(hashes))
	for i := range hashes {
		m.need[i] = true
	}
	m.leases = make(map[p2p.NodeID]map[int]bool)
}

// TaskGrabbed leases a contiguous, currently-unleased sub-range of need to
// peer, choosing the lowest unleased index first and bounding the lease to
// maxBlocksAsk hashes. It returns nil if nothing is left to lease.
func (m *DownloadManager) TaskGrabbed(peer p2p.NodeID) []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	leased := make(map[int]bool)
	for _, l := range m.leases {
		for i := range l {
			leased[i] = true
		}
	}

	var indices []int
	for i := 0; i < len(m.hashes) && len(indices) < maxBlocksAsk; i++ {
		if !m.need[i] || leased[i] {
			if len(indices) > 0 {
				break // keep the run contiguous
			}
			continue
		}
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return nil
	}

	lease := m.leases[peer]
	if lease == nil {
		lease = make(map[int]bool)
		m.leases[peer] = lease
	}
	out := make([]Hash, len(indices))
	for j, i := range indices {
		lease[i] = true
		out[j] = m.hashes[i]
	}
	return out
}

// NoteBlock records a successfully decoded block body for hash: if hash is
// still needed it is submitted to q, removed from need, and released from
// whichever peer's lease held it. A hash outside need (already satisfied,
// or never part of the chain under fetch) is ignored.
func (m *DownloadManager) NoteBlock(hash Hash, body BlockBody, q BlockQueue) error {
	m.mu.Lock()
	idx := -1
	for i, h := range m.hashes {
		if h == hash && m.need[i] {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.need, idx)
	for _, lease := range m.leases {
		delete(lease, idx)
	}
	m.mu.Unlock()

	return q.Import(hash, body)
}

// PeerGone returns every index leased to peer back to the unleased pool.
func (m *DownloadManager) PeerGone(peer p2p.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, peer)
}

// Complete reports whether every index of the chain under fetch has been
// satisfied.
func (m *DownloadManager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.need) == 0
}
