package eth

import (
	"testing"

	"github.com/aliakbarRashidi/eris/p2p"
)

func testHashes(n int) []Hash {
	out := make([]Hash, n)
	for i := range out {
		out[i][0] = byte(i >> 8)
		out[i][1] = byte(i)
	}
	return out
}

func TestTaskGrabbedLeasesDisjointRanges(t *testing.T) {
	m := NewDownloadManager()
	hashes := testHashes(10)
	m.ResetToChain(hashes)

	var a, b p2p.NodeID
	a[0], b[0] = 1, 2

	leaseA := m.TaskGrabbed(a)
	if len(leaseA) != len(hashes) {
		t.Fatalf("expected the whole chain leased to the first peer, got %d of %d", len(leaseA), len(hashes))
	}

	leaseB := m.TaskGrabbed(b)
	if leaseB != nil {
		t.Fatalf("expected no lease left for a second peer while the first peer's lease is outstanding, got %v", leaseB)
	}
}

func TestTaskGrabbedPicksLowestUnleasedIndexFirst(t *testing.T) {
	m := NewDownloadManager()
	hashes := testHashes(5)
	m.ResetToChain(hashes)

	var a p2p.NodeID
	a[0] = 1
	lease := m.TaskGrabbed(a)
	if len(lease) != 5 || lease[0] != hashes[0] {
		t.Fatalf("expected a contiguous lease starting at index 0, got %v", lease)
	}

	// Satisfy the first three indices, freeing them, then release the peer
	// entirely. A fresh lease must restart from the lowest still-needed
	// index, not continue where the old lease left off.
	q := &collectingQueue{}
	for i := 0; i < 3; i++ {
		if err := m.NoteBlock(hashes[i], BlockBody{byte(i)}, q); err != nil {
			t.Fatalf("NoteBlock: %v", err)
		}
	}
	m.PeerGone(a)

	var b p2p.NodeID
	b[0] = 2
	lease2 := m.TaskGrabbed(b)
	if len(lease2) != 2 || lease2[0] != hashes[3] || lease2[1] != hashes[4] {
		t.Fatalf("expected the remaining two indices leased in order, got %v", lease2)
	}
}

func TestNoteBlockIgnoresHashOutsideNeed(t *testing.T) {
	m := NewDownloadManager()
	hashes := testHashes(3)
	m.ResetToChain(hashes)

	var unknown Hash
	unknown[0] = 0xff
	q := &collectingQueue{}
	if err := m.NoteBlock(unknown, BlockBody{1}, q); err != nil {
		t.Fatalf("NoteBlock on an unknown hash should not error: %v", err)
	}
	if len(q.imported) != 0 {
		t.Fatalf("unknown hash must not reach the block queue, got %v", q.imported)
	}
}

func TestCompleteBecomesTrueOnceEveryHashIsSatisfied(t *testing.T) {
	m := NewDownloadManager()
	hashes := testHashes(2)
	m.ResetToChain(hashes)
	if m.Complete() {
		t.Fatalf("manager should not be complete immediately after ResetToChain")
	}

	q := &collectingQueue{}
	m.NoteBlock(hashes[0], BlockBody{0}, q)
	if m.Complete() {
		t.Fatalf("manager should not be complete with one hash still needed")
	}
	m.NoteBlock(hashes[1], BlockBody{1}, q)
	if !m.Complete() {
		t.Fatalf("manager should be complete once every hash has been satisfied")
	}
}

type collectingQueue struct {
	imported []Hash
}

func (q *collectingQueue) Import(hash Hash, body BlockBody) error {
	q.imported = append(q.imported, hash)
	return nil
}
