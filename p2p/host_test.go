package p2p

import (
	"net"
	"testing"
	"time"
)

// pipeSession builds a Session backed by an in-memory net.Pipe, with id and
// rating set directly for white-box testing of Host's peer-set maintenance
// without a real listener or handshake.
func pipeSession(t *testing.T, host *Host, id NodeID, rating int32, age time.Duration, port uint16) *Session {
	t.Helper()
	client, _ := net.Pipe()
	s := newSession(client, host, false, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: port})
	s.id = id
	s.rating = rating
	s.connectTime = time.Now().Add(-age)
	s.listenPort = port
	return s
}

func newTestHost(ideal uint) *Host {
	return &Host{
		config:        Config{IdealPeerCount: ideal},
		peers:         make(map[NodeID]*Session),
		incomingPeers: make(map[NodeID]*incomingPeerRecord),
	}
}

func TestPrunePeersEvictsWorstRatedAgedPeersFirst(t *testing.T) {
	// ideal=1 means pruning only kicks in once the set exceeds 2*ideal=2
	// peers, and it evicts back down to ideal=1, so of three aged peers the
	// two worst-rated must go and the best-rated must survive.
	h := newTestHost(1)

	var worstID, midID, bestID NodeID
	worstID[0], midID[0], bestID[0] = 1, 2, 3

	worst := pipeSession(t, h, worstID, -5, 20*time.Second, 30303)
	mid := pipeSession(t, h, midID, 0, 20*time.Second, 30304)
	best := pipeSession(t, h, bestID, 10, 20*time.Second, 30305)
	h.peers[worstID] = worst
	h.peers[midID] = mid
	h.peers[bestID] = best

	h.prunePeers()

	// prunePeers disconnects asynchronously; give the goroutines a moment
	// to close their pipes.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.peersMu.Lock()
		n := len(h.peers)
		h.peersMu.Unlock()
		if n <= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if _, ok := h.peers[worstID]; ok {
		t.Fatalf("expected the worst-rated peer to be pruned")
	}
	if _, ok := h.peers[midID]; ok {
		t.Fatalf("expected the middle-rated peer to be pruned")
	}
	if _, ok := h.peers[bestID]; !ok {
		t.Fatalf("expected the best-rated peer to survive pruning")
	}
}

func TestPrunePeersLeavesSetAloneWhenUnderTwiceIdeal(t *testing.T) {
	h := newTestHost(5)

	var id NodeID
	id[0] = 1
	s := pipeSession(t, h, id, 0, time.Minute, 30303)
	h.peers[id] = s

	h.prunePeers()

	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if _, ok := h.peers[id]; !ok {
		t.Fatalf("expected prunePeers to leave a peer set under the 2*ideal threshold untouched")
	}
}

func TestSavePeersRestorePeersRoundTrip(t *testing.T) {
	h := newTestHost(25)

	var id NodeID
	id[0] = 0xaa
	s := pipeSession(t, h, id, 0, time.Minute, 40404)
	h.peers[id] = s

	blob := h.SavePeers()
	if len(blob) == 0 {
		t.Fatalf("expected a non-empty saved-peers blob")
	}

	fresh := newTestHost(25)
	fresh.RestorePeers(blob)

	if len(fresh.incomingPeers) != 1 {
		t.Fatalf("expected one restored incoming peer, got %d", len(fresh.incomingPeers))
	}
	rec, ok := fresh.incomingPeers[id]
	if !ok {
		t.Fatalf("expected the restored peer to be keyed by its original NodeID")
	}
	if rec.endpoint.Port != 40404 {
		t.Fatalf("expected the restored endpoint port to match, got %d", rec.endpoint.Port)
	}
	if len(fresh.freePeers) != 1 || fresh.freePeers[0] != id {
		t.Fatalf("expected the restored peer to be enqueued on freePeers")
	}
}

func TestHandlePeersFiltersUnusableAndPrivateAddresses(t *testing.T) {
	h := newTestHost(25)
	h.config.LocalNetworking = false

	endpoints := []Endpoint{
		{IP: net.ParseIP("8.8.8.8"), Port: 30303},  // usable, public
		{IP: net.ParseIP("10.0.0.5"), Port: 30303}, // private, rejected
		{IP: net.ParseIP("9.9.9.9"), Port: 0},      // no port, unusable
	}
	h.handlePeers(nil, endpoints)

	if len(h.freePeers) != 1 {
		t.Fatalf("expected exactly one endpoint to survive filtering, got %d", len(h.freePeers))
	}
}
