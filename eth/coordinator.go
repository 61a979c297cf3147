package eth

import (
	"math/big"
	"sync"
	"time"

	"github.com/aliakbarRashidi/eris/p2p"
)

const (
	syncTickInterval = 1 * time.Second
	requestTimeout   = 4 * time.Second
)

// SyncCoordinator is the host-wide singleton driving chain synchronization:
// it elects a peer to pull the hash-chain from, fans body requests out to
// every capable peer through the DownloadManager, and gossips transactions
// and new blocks on a steady tick.
type SyncCoordinator struct {
	chain      Chain
	txPool     TxPool
	blockQueue BlockQueue
	networkID  uint64

	manager *DownloadManager

	mu sync.Mutex

	peers map[p2p.NodeID]*peerState

	electedPeer p2p.NodeID
	hasElected  bool

	latestBlockSent Hash

	incomingMu           sync.Mutex
	incomingTransactions [][]byte

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewSyncCoordinator wires the capability to its out-of-scope collaborators.
func NewSyncCoordinator(chain Chain, txPool TxPool, blockQueue BlockQueue, networkID uint64) *SyncCoordinator {
	return &SyncCoordinator{
		chain:            chain,
		txPool:           txPool,
		blockQueue:       blockQueue,
		networkID:        networkID,
		manager: NewDownloadManager(),
		peers:   make(map[p2p.NodeID]*peerState),
	}
}

// NewCapability returns the p2p.Capability that registers this coordinator
// on a Host; one SyncCoordinator backs exactly one Capability instance.
func (c *SyncCoordinator) NewCapability() p2p.Capability {
	return &syncCapability{coordinator: c}
}

// DownloadManager exposes the coordinator's shared lease ledger, mainly
// for tests that want to inspect progress directly.
func (c *SyncCoordinator) DownloadManager() *DownloadManager { return c.manager }

type syncCapability struct {
	coordinator *SyncCoordinator
}

func (s *syncCapability) Name() string  { return ProtocolName }
func (s *syncCapability) Length() uint64 { return protocolLength }

func (s *syncCapability) NewPeer(session *p2p.Session) p2p.CapabilityPeer {
	return newPeerState(session, s.coordinator)
}

func (s *syncCapability) OnStarting() { s.coordinator.start() }
func (s *syncCapability) OnStopping() { s.coordinator.stop() }

func (c *SyncCoordinator) start() {
	c.quit = make(chan struct{})
	c.wg.Add(1)
	go c.tickLoop()
}

func (c *SyncCoordinator) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
}

func (c *SyncCoordinator) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(syncTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.drainIncomingTransactions()
			c.maintainTransactions()
			c.maintainHashChain()
			c.maintainBlocks()
		}
	}
}

func (c *SyncCoordinator) addPeer(p *peerState) {
	c.mu.Lock()
	c.peers[p.session.ID()] = p
	c.mu.Unlock()
}

func (c *SyncCoordinator) removePeer(p *peerState) {
	c.mu.Lock()
	id := p.session.ID()
	delete(c.peers, id)
	wasElected := c.hasElected && c.electedPeer == id
	if wasElected {
		c.hasElected = false
	}
	c.mu.Unlock()
	c.manager.PeerGone(id)
	if wasElected {
		logger.Debug("elected peer disconnected mid hash-chain acquisition, re-electing", "peer", id.Abridged())
		c.maintainHashChain()
	}
}

func (c *SyncCoordinator) noteGotStatus(p *peerState) {
	logger.Debug("peer status received", "peer", p.session.ID().Abridged())
	c.maintainHashChain()
}

// maintainHashChain elects the peer with the highest total difficulty
// exceeding the local chain's, if no election is already in progress, and
// asks it for the hash chain leading to its claimed best block.
func (c *SyncCoordinator) maintainHashChain() {
	c.mu.Lock()
	if c.hasElected {
		c.mu.Unlock()
		return
	}
	localTD := c.chain.HeadTotalDifficulty()
	var best *peerState
	for _, p := range c.peers {
		if p.getState() != stateGotStatus {
			continue
		}
		p.mu.Lock()
		td := p.totalDifficulty
		p.mu.Unlock()
		if td != nil && td.Cmp(localTD) > 0 {
			if best == nil {
				best = p
				continue
			}
			best.mu.Lock()
			bestTD := best.totalDifficulty
			best.mu.Unlock()
			if td.Cmp(bestTD) > 0 {
				best = p
			}
		}
	}
	if best == nil {
		c.mu.Unlock()
		return
	}
	c.electedPeer = best.session.ID()
	c.hasElected = true
	c.mu.Unlock()

	best.mu.Lock()
	best.state = stateAskingHashes
	best.hashAcc = nil
	from := best.bestHash
	best.mu.Unlock()

	logger.Debug("electing peer for hash-chain acquisition", "peer", best.session.ID().Abridged())
	if err := best.session.WriteCapabilityMsg(ProtocolName, GetBlockHashesMsg, from, uint64(hashBatchSize)); err != nil {
		logger.Debug("failed to request hashes", "err", err)
	}
}

// noteHaveChain is called once the elected peer's hash-chain response is
// complete (shorter than a full batch): the accumulated list becomes the
// chain under fetch and every capable peer is put to work on bodies.
func (c *SyncCoordinator) noteHaveChain(p *peerState, hashes []Hash) {
	c.manager.ResetToChain(hashes)
	p.setState(stateIdle)

	c.mu.Lock()
	c.hasElected = false
	c.mu.Unlock()

	logger.Info("hash chain acquired", "peer", p.session.ID().Abridged(), "count", len(hashes))
	c.maintainBlocks()
}

// maintainBlocks leases work from the DownloadManager to every peer ready
// to take more — either already Idle, or still sitting in GotStatus
// because it was never the elected hash-chain source — so the whole
// GotStatus cohort fans out across the chain under fetch, not just the
// single peer that happened to be elected.
func (c *SyncCoordinator) maintainBlocks() {
	c.mu.Lock()
	peers := make([]*peerState, 0, len(c.peers))
	for _, p := range c.peers {
		switch p.getState() {
		case stateIdle, stateGotStatus:
			peers = append(peers, p)
		}
	}
	c.mu.Unlock()

	for _, p := range peers {
		p := p // each timeout closure below must see its own peer
		hashes := c.manager.TaskGrabbed(p.session.ID())
		if len(hashes) == 0 {
			continue
		}
		p.setState(stateAskingBlocks)
		p.mu.Lock()
		p.leasedHashes = hashes
		p.mu.Unlock()
		params := make([]interface{}, len(hashes))
		for i, h := range hashes {
			params[i] = h
		}
		if err := p.session.WriteCapabilityMsg(ProtocolName, GetBlocksMsg, params...); err != nil {
			logger.Debug("failed to request blocks", "err", err)
			c.manager.PeerGone(p.session.ID())
			p.setState(stateIdle)
			continue
		}
		time.AfterFunc(requestTimeout, func() { c.timeoutBlockRequest(p, hashes) })
	}
}

// timeoutBlockRequest releases p's lease if its GetBlocks request for hashes
// is still outstanding after requestTimeout; a reply that arrived in the
// meantime already moved p out of stateAskingBlocks or replaced its lease
// with a newer one, making this a no-op.
func (c *SyncCoordinator) timeoutBlockRequest(p *peerState, hashes []Hash) {
	p.mu.Lock()
	stale := p.state != stateAskingBlocks || len(p.leasedHashes) == 0 || &p.leasedHashes[0] != &hashes[0]
	p.mu.Unlock()
	if stale {
		return
	}
	logger.Debug("block request timed out", "peer", p.session.ID().Abridged())
	c.noteDoneBlocks(p)
}

// noteBlocks hands every body in a Blocks response to the DownloadManager,
// matching each one positionally to the hash requested in the GetBlocks
// this reply answers, then looks for more work for this peer or for the
// whole round if the chain is now complete.
func (c *SyncCoordinator) noteBlocks(p *peerState, bodies [][]byte) {
	p.mu.Lock()
	leased := p.leasedHashes
	p.leasedHashes = nil
	p.mu.Unlock()
	p.setState(stateIdle)

	// The wire protocol carries no hash alongside each body, so a reply
	// that omits bodies for hashes the peer turned out to lack (rather
	// than sending the full leased count) can't be trusted positionally —
	// every later body would land on the wrong hash. Release the lease
	// untouched and let the next maintenance round re-offer it to someone
	// else instead of risking a wrong match.
	if len(bodies) != len(leased) {
		logger.Warn("peer replied with a body count that does not match its lease, discarding", "peer", p.session.ID().Abridged(), "leased", len(leased), "got", len(bodies))
		c.manager.PeerGone(p.session.ID())
		c.maintainBlocks()
		return
	}

	for i, body := range bodies {
		if err := c.manager.NoteBlock(leased[i], BlockBody(body), c.blockQueue); err != nil {
			logger.Warn("rejected block body", "peer", p.session.ID().Abridged(), "hash", leased[i], "err", err)
		}
	}
	if c.manager.Complete() {
		c.announceCompletion()
		return
	}
	c.maintainBlocks()
}

// noteDoneBlocks releases p's lease when it replies with no bodies at all;
// it is not reassigned until the next maintenance round.
func (c *SyncCoordinator) noteDoneBlocks(p *peerState) {
	c.manager.PeerGone(p.session.ID())
	p.setState(stateIdle)
}

func (c *SyncCoordinator) announceCompletion() {
	head := c.chain.HeadHash()
	logger.Info("chain sync complete", "head", head)
	c.mu.Lock()
	c.latestBlockSent = head
	peers := make([]*peerState, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.setState(stateIdle)
		c.sendNewBlock(p, head, nil)
	}
}

// noteAnnouncedHash handles a gossiped NewBlockHashes entry: if it isn't
// already known, it is not fetched eagerly here; it surfaces on the next
// hash-chain acquisition against this peer if it turns out to be ahead.
func (c *SyncCoordinator) noteAnnouncedHash(p *peerState, hash Hash) {
	if c.chain.HasBlock(hash) {
		return
	}
	logger.Debug("peer announced unknown block hash", "peer", p.session.ID().Abridged(), "hash", hash)
}

// noteNewBlock handles an unsolicited NewBlock: it is handed to the
// BlockQueue unconditionally, and if it extends the chain it is
// rebroadcast to every peer that has not already seen that hash.
func (c *SyncCoordinator) noteNewBlock(from *peerState, hash Hash, body BlockBody) {
	if err := c.blockQueue.Import(hash, body); err != nil {
		logger.Debug("rejected gossiped block", "peer", from.session.ID().Abridged(), "err", err)
		return
	}
	if c.chain.HeadHash() != hash {
		return
	}
	c.mu.Lock()
	c.latestBlockSent = hash
	peers := make([]*peerState, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	td := c.chain.HeadTotalDifficulty()
	for _, p := range peers {
		p.mu.Lock()
		already := p.sentBlocks[hash]
		if !already {
			p.sentBlocks[hash] = true
		}
		p.mu.Unlock()
		if !already {
			c.sendNewBlock(p, hash, td)
		}
	}
}

func (c *SyncCoordinator) sendNewBlock(p *peerState, hash Hash, td *big.Int) {
	if td == nil {
		td = c.chain.HeadTotalDifficulty()
	}
	if err := p.session.WriteCapabilityMsg(ProtocolName, NewBlockMsg, []byte(nil), hash, td.Bytes()); err != nil {
		logger.Debug("failed to announce new block", "err", err)
	}
}

func (c *SyncCoordinator) noteIncomingTransactions(raws [][]byte) {
	c.incomingMu.Lock()
	c.incomingTransactions = append(c.incomingTransactions, raws...)
	c.incomingMu.Unlock()
}

// drainIncomingTransactions hands every transaction buffered by
// noteIncomingTransactions since the last tick to the pool, mirroring
// the original's doWork draining m_incomingTransactions into the
// TransactionQueue.
func (c *SyncCoordinator) drainIncomingTransactions() {
	c.incomingMu.Lock()
	raws := c.incomingTransactions
	c.incomingTransactions = nil
	c.incomingMu.Unlock()

	for _, raw := range raws {
		c.txPool.Add(raw)
	}
}

// maintainTransactions diffs the pool against each peer's sent-memo and
// forwards anything new, so the same hash is never sent to the same peer
// twice.
func (c *SyncCoordinator) maintainTransactions() {
	pending := c.txPool.Pending()
	if len(pending) == 0 {
		return
	}
	c.mu.Lock()
	peers := make([]*peerState, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		var fresh []interface{}
		p.mu.Lock()
		for _, h := range pending {
			if p.sentTxs[h] {
				continue
			}
			raw, ok := c.txPool.Get(h)
			if !ok {
				continue
			}
			p.sentTxs[h] = true
			fresh = append(fresh, raw)
		}
		p.mu.Unlock()
		if len(fresh) == 0 {
			continue
		}
		if err := p.session.WriteCapabilityMsg(ProtocolName, TransactionsMsg, fresh...); err != nil {
			logger.Debug("failed to gossip transactions", "peer", p.session.ID().Abridged(), "err", err)
		}
	}
}

func (c *SyncCoordinator) chainHashesFrom(from Hash, count uint64) []Hash {
	return c.chain.HashesFrom(from, count)
}

func (c *SyncCoordinator) bodiesFor(hashes []Hash) []BlockBody {
	out := make([]BlockBody, 0, len(hashes))
	for _, h := range hashes {
		if body, ok := c.chain.Body(h); ok {
			out = append(out, body)
		}
	}
	return out
}
