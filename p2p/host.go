package p2p

import (
	"bytes"
	"fmt"
	mathrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/aliakbarRashidi/eris/log"
	"github.com/aliakbarRashidi/eris/p2p/nat"
	"github.com/aliakbarRashidi/eris/rlp"
)

var logger = log.New("module", "p2p")

const peersRequestInterval = 10 * time.Second

// incomingPeerRecord remembers a gossiped or restored endpoint that has not
// yet become a live session, plus how many times dialing it has failed.
type incomingPeerRecord struct {
	endpoint Endpoint
	attempts int
}

// Host owns the listening socket and the live peer set. It accepts inbound
// connections, dials outbound ones to fill out the ideal peer count, and
// periodically prunes the set back down when it overshoots.
type Host struct {
	config   Config
	id       NodeID
	name     string
	listener net.Listener

	listenPort uint16
	public     Endpoint

	addresses     []net.IP
	peerAddresses []net.IP

	natIface        nat.Interface
	natExternalPort uint16

	caps []Capability

	peersMu          sync.Mutex
	peers            map[NodeID]*Session
	incomingPeers    map[NodeID]*incomingPeerRecord
	freePeers        []NodeID
	lastPeersRequest time.Time

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewHost constructs a Host with a random identity. Capabilities are fixed
// for the lifetime of the host; name is advertised in Hello as the client
// version string.
func NewHost(config Config, name string, caps []Capability) *Host {
	if config.IdealPeerCount == 0 {
		config.IdealPeerCount = DefaultIdealPeerCount
	}
	h := &Host{
		config:        config,
		id:            RandomNodeID(),
		name:          name,
		caps:          caps,
		peers:         make(map[NodeID]*Session),
		incomingPeers: make(map[NodeID]*incomingPeerRecord),
	}
	logger.Info("host identity", "id", h.id.Abridged())
	return h
}

// Start binds the listening socket, determines the address advertised to
// peers, and begins accepting connections and maintaining the peer count.
// If binding the configured port fails, it retries once on an ephemeral
// port, matching the reference client's fallback.
func (h *Host) Start() error {
	addresses, peerAddresses, err := discoverAddresses()
	if err != nil {
		return err
	}
	h.addresses, h.peerAddresses = addresses, peerAddresses

	var l net.Listener
	for attempt := 0; attempt < 2; attempt++ {
		port := h.config.ListenPort
		if attempt == 1 {
			port = 0
		}
		l, err = net.Listen("tcp4", fmt.Sprintf(":%d", port))
		if err == nil {
			break
		}
		logger.Warn("failed to bind listen port, retrying on an ephemeral port", "port", port, "err", err)
	}
	if err != nil {
		return newError(NoNetworking, "could not bind any listen port: %v", err)
	}
	h.listener = l
	h.listenPort = uint16(l.Addr().(*net.TCPAddr).Port)

	h.public = h.determinePublic()
	h.quit = make(chan struct{})
	h.incomingPeers = make(map[NodeID]*incomingPeerRecord)
	h.freePeers = nil
	h.lastPeersRequest = time.Time{}

	for _, c := range h.caps {
		c.OnStarting()
	}

	logger.Info("listening", "port", h.listenPort, "public", h.public)

	h.wg.Add(2)
	go h.acceptLoop()
	go h.maintainLoop()
	return nil
}

// Stop disconnects every live session, releases any NAT mapping, and closes
// the listening socket. It blocks until background goroutines have exited.
func (h *Host) Stop() {
	for _, c := range h.caps {
		c.OnStopping()
	}
	h.quitOnce.Do(func() { close(h.quit) })
	if h.listener != nil {
		h.listener.Close()
	}
	h.disconnectAllPeers()
	h.releaseNAT()
	h.wg.Wait()
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.quit:
				return
			default:
				logger.Debug("accept error", "err", err)
				continue
			}
		}
		remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		endpoint := Endpoint{IP: net.ParseIP(remoteIP)}
		logger.Debug("accepted connection", "addr", conn.RemoteAddr())
		s := newSession(conn, h, true, endpoint)
		go func() {
			if err := s.start(); err != nil {
				logger.Debug("inbound handshake failed", "addr", conn.RemoteAddr(), "err", err)
				conn.Close()
			}
		}()
	}
}

// maintainLoop drives growPeers/prunePeers at a steady cadence, mirroring
// the reference client's doWork tick.
func (h *Host) maintainLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			h.growPeers()
			h.prunePeers()
		}
	}
}

// Connect dials addr:port directly, bypassing the free-peer queue. The
// caller does not learn the outcome; failures are only logged, matching
// the reference client's fire-and-forget connect().
func (h *Host) Connect(addr string, port uint16) {
	go h.connect(addr, port)
}

func (h *Host) connect(addr string, port uint16) {
	target := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
	logger.Debug("attempting connection", "addr", target)
	conn, err := net.DialTimeout("tcp4", target, 10*time.Second)
	if err != nil {
		logger.Debug("connection refused", "addr", target, "err", err)
		h.requeueFailedDial(addr, port)
		return
	}
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	endpoint := Endpoint{IP: net.ParseIP(remoteIP), Port: port}
	s := newSession(conn, h, false, endpoint)
	if err := s.start(); err != nil {
		logger.Debug("outbound handshake failed", "addr", target, "err", err)
		conn.Close()
	}
}

// requeueFailedDial puts id back on the free-peer queue if it has failed
// fewer than three times, so growPeers will retry it later; after the third
// failure the endpoint is given up on.
func (h *Host) requeueFailedDial(addr string, port uint16) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	for id, rec := range h.incomingPeers {
		if rec.endpoint.IP.String() == addr && rec.endpoint.Port == port && rec.attempts < 3 {
			h.freePeers = append(h.freePeers, id)
			return
		}
	}
}

// registerPeer adds a freshly handshaken session to the live peer set. If
// id is already live, the duplicate is dropped.
func (h *Host) registerPeer(s *Session) {
	h.peersMu.Lock()
	if existing, ok := h.peers[s.id]; ok && existing.IsOpen() {
		h.peersMu.Unlock()
		s.disconnect(DiscDuplicatePeer)
		return
	}
	h.peers[s.id] = s
	delete(h.incomingPeers, s.id)
	h.peersMu.Unlock()
	logger.Debug("peer registered", "id", s.id.Abridged(), "caps", h.selfCaps())
}

// unregisterPeer drops s from the live peer set if it is still the entry
// recorded for its id (a newer session may have since replaced it).
func (h *Host) unregisterPeer(s *Session) {
	h.peersMu.Lock()
	if h.peers[s.id] == s {
		delete(h.peers, s.id)
	}
	h.peersMu.Unlock()
	logger.Debug("peer disconnected", "id", s.id.Abridged())
}

// HavePeer reports whether id names a currently live session, sweeping any
// sessions that have since closed out of the map first.
func (h *Host) HavePeer(id NodeID) bool {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	h.sweepDeadPeersLocked()
	_, ok := h.peers[id]
	return ok
}

func (h *Host) sweepDeadPeersLocked() {
	for id, s := range h.peers {
		if !s.IsOpen() {
			delete(h.peers, id)
		}
	}
}

// growPeers dials or requests more peers until the live count reaches
// IdealPeerCount. If the free-peer queue is empty it instead broadcasts a
// GetPeers request, at most once per peersRequestInterval, and returns;
// inbound connections keep being accepted by acceptLoop independently.
func (h *Host) growPeers() {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	h.sweepDeadPeersLocked()

	for uint(len(h.peers)) < h.config.IdealPeerCount {
		if len(h.freePeers) == 0 {
			if time.Since(h.lastPeersRequest) > peersRequestInterval {
				h.broadcastLocked(OpGetPeers)
				h.lastPeersRequest = time.Now()
			}
			return
		}
		i := mathrand.Intn(len(h.freePeers)) // uniformly random, matching the reference client's selection
		id := h.freePeers[i]
		rec := h.incomingPeers[id]
		rec.attempts++
		if _, live := h.peers[id]; !live {
			go h.connect(rec.endpoint.IP.String(), rec.endpoint.Port)
		}
		h.freePeers = append(h.freePeers[:i], h.freePeers[i+1:]...)
	}
}

func (h *Host) broadcastLocked(code uint64, params ...interface{}) {
	for _, s := range h.peers {
		if s.IsOpen() {
			s.writeFrame(code, params...)
		}
	}
}

// prunePeers evicts the worst-rated peers once the live set exceeds twice
// IdealPeerCount, relaxing the "too young to kill" age threshold from
// 15000ms down to a 100ms floor, halving on each outer pass, so that a
// sudden burst of connections does not starve eviction.
func (h *Host) prunePeers() {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()

	ideal := h.config.IdealPeerCount
	for age := 15000 * time.Millisecond; uint(len(h.peers)) > ideal*2 && age > 100*time.Millisecond; age /= 2 {
		for uint(len(h.peers)) > ideal {
			var worst *Session
			agedPeers := 0
			now := time.Now()
			for _, s := range h.peers {
				if now.Sub(s.ConnectTime()) <= age {
					continue
				}
				agedPeers++
				if worst == nil || s.Rating() < worst.Rating() ||
					(s.Rating() == worst.Rating() && s.ConnectTime().After(worst.ConnectTime())) {
					worst = s
				}
			}
			if worst == nil || uint(agedPeers) <= ideal {
				break
			}
			delete(h.peers, worst.id)
			go worst.disconnect(DiscTooManyPeers)
		}
	}
	h.sweepDeadPeersLocked()
}

// disconnectAllPeers sends Disconnect to every live session and waits,
// briefly and repeatedly, for them to actually close.
func (h *Host) disconnectAllPeers() {
	for {
		h.peersMu.Lock()
		var live []*Session
		for _, s := range h.peers {
			if s.IsOpen() {
				live = append(live, s)
			}
		}
		h.peersMu.Unlock()
		if len(live) == 0 {
			return
		}
		for _, s := range live {
			go s.disconnect(DiscQuitting)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// handleGetPeers replies to requester with the host's current potential
// peer set.
func (h *Host) handleGetPeers(requester *Session) {
	eps := h.potentialPeers()
	params := make([]interface{}, 0, len(eps))
	for _, ep := range eps {
		params = append(params, ep)
	}
	requester.writeFrame(OpPeers, params...)
}

// handlePeers folds a batch of gossiped endpoints into the free-peer queue,
// skipping ones already live or already known.
func (h *Host) handlePeers(from *Session, endpoints []Endpoint) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	for _, ep := range endpoints {
		if !ep.Usable() {
			continue
		}
		if !h.config.LocalNetworking && isPrivateAddress(ep.IP) {
			continue
		}
		id := syntheticPeerKey(ep)
		if _, known := h.incomingPeers[id]; known {
			continue
		}
		live := false
		for _, s := range h.peers {
			if se := s.Endpoint(); se.Port == ep.Port && se.IP.Equal(ep.IP) {
				live = true
				break
			}
		}
		if live {
			continue
		}
		h.incomingPeers[id] = &incomingPeerRecord{endpoint: ep}
		h.freePeers = append(h.freePeers, id)
	}
}

// syntheticPeerKey derives a stable map key for a gossiped endpoint whose
// NodeID isn't known yet. The entry keeps this key: registerPeer removes
// incoming-peer entries only under a session's real NodeID, so a completed
// handshake to that address leaves the synthetic entry in place.
func syntheticPeerKey(ep Endpoint) NodeID {
	var id NodeID
	copy(id[:], ep.IP.To4())
	id[4] = byte(ep.Port >> 8)
	id[5] = byte(ep.Port)
	return id
}

// potentialPeers returns the host's own public endpoint (if usable) plus
// the advertisable endpoint of every live, on-net peer.
func (h *Host) potentialPeers() []Endpoint {
	var out []Endpoint
	if h.public.Usable() && !h.public.IP.IsUnspecified() {
		out = append(out, h.public)
	}
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	for _, s := range h.peers {
		ep := s.Endpoint()
		onNet := ep.Port != 0 && (!isPrivateAddress(ep.IP) || h.config.LocalNetworking)
		if onNet && ep.Usable() {
			out = append(out, ep)
		}
	}
	return out
}

// Peers returns a snapshot of the live, open sessions. If updatePing is
// true it pings every peer first and gives them a moment to respond before
// taking the snapshot, the way the reference client refreshes PeerInfo.
func (h *Host) Peers(updatePing bool) []*Session {
	if updatePing {
		h.PingAll()
		time.Sleep(200 * time.Millisecond)
	}
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	out := make([]*Session, 0, len(h.peers))
	for _, s := range h.peers {
		if s.IsOpen() {
			out = append(out, s)
		}
	}
	return out
}

// PingAll sends a Ping frame to every live session.
func (h *Host) PingAll() {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	h.broadcastLocked(OpPing)
}

// SavePeers serializes every live peer with a known listen port as an RLP
// list of [ipv4, port, id] triples, suitable for RestorePeers on the next
// startup.
func (h *Host) SavePeers() []byte {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	items := make(rlp.List, 0, len(h.peers))
	for _, s := range h.peers {
		ep := s.Endpoint()
		if !s.IsOpen() || ep.Port == 0 {
			continue
		}
		ip4 := ep.IP.To4()
		if ip4 == nil {
			continue
		}
		items = append(items, rlp.List{[]byte(ip4), uint64(ep.Port), s.id})
	}
	b, err := rlp.EncodeToBytes(items)
	if err != nil {
		logger.Warn("failed to encode saved peers", "err", err)
		return nil
	}
	return b
}

// RestorePeers decodes a buffer produced by SavePeers and enqueues any
// endpoint not already known onto the free-peer queue.
func (h *Host) RestorePeers(b []byte) {
	st := rlp.NewStream(bytes.NewReader(b))
	if _, err := st.List(); err != nil {
		logger.Warn("failed to decode saved peers", "err", err)
		return
	}
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	for st.More() {
		if _, err := st.List(); err != nil {
			return
		}
		var ipBytes []byte
		var port uint64
		var id NodeID
		if err := st.Decode(&ipBytes); err != nil {
			return
		}
		if err := st.Decode(&port); err != nil {
			return
		}
		if err := id.DecodeRLP(st); err != nil {
			return
		}
		st.ListEnd()
		if len(ipBytes) != 4 {
			continue
		}
		if _, known := h.incomingPeers[id]; known {
			continue
		}
		h.incomingPeers[id] = &incomingPeerRecord{endpoint: Endpoint{IP: net.IP(ipBytes), Port: uint16(port)}}
		h.freePeers = append(h.freePeers, id)
	}
	st.ListEnd()
}

func (h *Host) capabilities() []Capability { return h.caps }
func (h *Host) selfID() NodeID             { return h.id }
func (h *Host) selfName() string           { return h.name }
func (h *Host) selfListenPort() uint16     { return h.listenPort }

func (h *Host) selfCaps() []string {
	names := make([]string, len(h.caps))
	for i, c := range h.caps {
		names[i] = c.Name()
	}
	return names
}
