package eth

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/aliakbarRashidi/eris/p2p"
	"github.com/aliakbarRashidi/eris/rlp"
)

// state is a peer's position in the per-peer sync state machine described
// by the coordinator's hash-chain and body-fetch protocol.
type state int32

const (
	stateNew state = iota
	stateGotStatus
	stateIdle
	stateAskingHashes
	stateAskingBlocks
	stateDisconnected
)

// peerSession is the slice of *p2p.Session the eth capability actually
// depends on. Narrowing it to an interface keeps the coordinator's
// state-machine logic testable without a live socket.
type peerSession interface {
	ID() p2p.NodeID
	WriteCapabilityMsg(name string, code uint64, params ...interface{}) error
	Disconnect(reason p2p.DiscReason)
}

// peerState is the per-session instance of the eth capability: one is
// created by Capability.NewPeer for every session that negotiates "eth",
// and destroyed when that session disconnects.
type peerState struct {
	session     peerSession
	coordinator *SyncCoordinator

	mu    sync.Mutex
	state state

	totalDifficulty *big.Int
	bestHash        Hash

	hashAcc []Hash // accumulating during stateAskingHashes

	// leasedHashes remembers, in request order, the hashes a GetBlocks
	// request to this peer covered, so the positional Blocks reply can be
	// matched back to the hash each body answers.
	leasedHashes []Hash

	sentTxs    map[Hash]bool
	sentBlocks map[Hash]bool
}

func newPeerState(session *p2p.Session, c *SyncCoordinator) *peerState {
	p := &peerState{
		session:     session,
		coordinator: c,
		state:       stateNew,
		sentTxs:     make(map[Hash]bool),
		sentBlocks: make(map[Hash]bool),
	}
	c.addPeer(p)
	p.sendStatus()
	return p
}

func (p *peerState) sendStatus() {
	td := p.coordinator.chain.HeadTotalDifficulty()
	pkt := statusPacket{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       p.coordinator.networkID,
		TotalDifficulty: td.Bytes(),
		BestHash:        p.coordinator.chain.HeadHash(),
		GenesisHash:     p.coordinator.chain.GenesisHash(),
	}
	p.writeStatus(pkt)
}

func (p *peerState) writeStatus(pkt statusPacket) {
	if err := p.session.WriteCapabilityMsg(ProtocolName, StatusMsg,
		pkt.ProtocolVersion, pkt.NetworkID, pkt.TotalDifficulty, pkt.BestHash, pkt.GenesisHash); err != nil {
		logger.Debug("failed to send status", "peer", p.session.ID().Abridged(), "err", err)
	}
}

func (p *peerState) setState(s state) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *peerState) getState() state {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HandleMsg dispatches one capability-relative packet to the matching
// stage of the per-peer state machine.
func (p *peerState) HandleMsg(msg p2p.Msg) error {
	switch msg.Code {
	case StatusMsg:
		return p.handleStatus(msg)
	case NewBlockHashesMsg:
		return p.handleNewBlockHashes(msg)
	case TransactionsMsg:
		return p.handleTransactions(msg)
	case GetBlockHashesMsg:
		return p.handleGetBlockHashes(msg)
	case BlockHashesMsg:
		return p.handleBlockHashes(msg)
	case GetBlocksMsg:
		return p.handleGetBlocks(msg)
	case BlocksMsg:
		return p.handleBlocks(msg)
	case NewBlockMsg:
		return p.handleNewBlock(msg)
	default:
		return msg.Discard()
	}
}

// Disconnected releases this peer's DownloadManager lease and removes it
// from the coordinator's live set.
func (p *peerState) Disconnected() {
	p.setState(stateDisconnected)
	p.coordinator.removePeer(p)
}

func (p *peerState) handleStatus(msg p2p.Msg) error {
	var pkt statusPacket
	if err := msg.Decode(&pkt.ProtocolVersion, &pkt.NetworkID, &pkt.TotalDifficulty, &pkt.BestHash, &pkt.GenesisHash); err != nil {
		return fmt.Errorf("eth: decoding status: %w", err)
	}
	if pkt.NetworkID != p.coordinator.networkID {
		logger.Debug("peer network id mismatch, disconnecting", "peer", p.session.ID().Abridged(), "peer-network", pkt.NetworkID, "local-network", p.coordinator.networkID)
		p.session.Disconnect(p2p.DiscBadProtocol)
		return io.EOF
	}
	if pkt.GenesisHash != p.coordinator.chain.GenesisHash() {
		logger.Debug("peer genesis hash mismatch, disconnecting", "peer", p.session.ID().Abridged())
		p.session.Disconnect(p2p.DiscBadProtocol)
		return io.EOF
	}
	p.mu.Lock()
	p.totalDifficulty = new(big.Int).SetBytes(pkt.TotalDifficulty)
	p.bestHash = pkt.BestHash
	p.state = stateGotStatus
	p.mu.Unlock()
	p.coordinator.noteGotStatus(p)
	return nil
}

func (p *peerState) handleNewBlockHashes(msg p2p.Msg) error {
	hashes, err := decodeHashFields(msg)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		p.coordinator.noteAnnouncedHash(p, h)
	}
	return nil
}

func (p *peerState) handleTransactions(msg p2p.Msg) error {
	raws, err := decodeByteFields(msg)
	if err != nil {
		return fmt.Errorf("eth: decoding transactions: %w", err)
	}
	p.coordinator.noteIncomingTransactions(raws)
	return nil
}

func (p *peerState) handleGetBlockHashes(msg p2p.Msg) error {
	var from Hash
	var count uint64
	if err := msg.Decode(&from, &count); err != nil {
		return fmt.Errorf("eth: decoding get-block-hashes: %w", err)
	}
	if count > hashBatchSize {
		count = hashBatchSize
	}
	hashes := p.coordinator.chainHashesFrom(from, count)
	params := make([]interface{}, len(hashes))
	for i, h := range hashes {
		params[i] = h
	}
	return p.session.WriteCapabilityMsg(ProtocolName, BlockHashesMsg, params...)
}

func (p *peerState) handleBlockHashes(msg p2p.Msg) error {
	if p.getState() != stateAskingHashes {
		return msg.Discard()
	}
	hashes, err := decodeHashFields(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.hashAcc = append(p.hashAcc, hashes...)
	acc := append([]Hash(nil), p.hashAcc...)
	p.mu.Unlock()

	if len(hashes) >= hashBatchSize && len(hashes) > 0 {
		// batch was full: peer may have more, ask again from the last hash
		return p.session.WriteCapabilityMsg(ProtocolName, GetBlockHashesMsg, hashes[len(hashes)-1], uint64(hashBatchSize))
	}
	p.coordinator.noteHaveChain(p, acc)
	return nil
}

func (p *peerState) handleGetBlocks(msg p2p.Msg) error {
	hashes, err := decodeHashFields(msg)
	if err != nil {
		return err
	}
	bodies := p.coordinator.bodiesFor(hashes)
	params := make([]interface{}, len(bodies))
	for i, b := range bodies {
		params[i] = []byte(b)
	}
	return p.session.WriteCapabilityMsg(ProtocolName, BlocksMsg, params...)
}

func (p *peerState) handleBlocks(msg p2p.Msg) error {
	bodies, err := decodeByteFields(msg)
	if err != nil {
		return fmt.Errorf("eth: decoding blocks: %w", err)
	}
	if len(bodies) == 0 {
		p.coordinator.noteDoneBlocks(p)
		return nil
	}
	p.coordinator.noteBlocks(p, bodies)
	return nil
}

func (p *peerState) handleNewBlock(msg p2p.Msg) error {
	var body []byte
	var hash Hash
	var td []byte
	if err := msg.Decode(&body, &hash, &td); err != nil {
		return fmt.Errorf("eth: decoding new-block: %w", err)
	}
	p.mu.Lock()
	p.totalDifficulty = new(big.Int).SetBytes(td)
	p.bestHash = hash
	p.sentBlocks[hash] = true
	p.mu.Unlock()
	p.coordinator.noteNewBlock(p, hash, BlockBody(body))
	return nil
}

// fieldStream opens an rlp.Stream positioned at the first remaining field
// of msg's payload. Capability packets carry their fields as a flat,
// variable-length run (one hash or body per field), not a nested list, so
// callers loop with More() rather than decoding a fixed shape.
func fieldStream(msg p2p.Msg) (*rlp.Stream, error) {
	buf, err := io.ReadAll(io.LimitReader(msg.Payload, int64(msg.Size)))
	if err != nil {
		return nil, err
	}
	return rlp.NewListStream(bytes.NewReader(buf), uint64(len(buf))), nil
}

func decodeHashFields(msg p2p.Msg) ([]Hash, error) {
	st, err := fieldStream(msg)
	if err != nil {
		return nil, fmt.Errorf("eth: reading packet: %w", err)
	}
	var out []Hash
	for st.More() {
		var h Hash
		if err := h.DecodeRLP(st); err != nil {
			return nil, fmt.Errorf("eth: decoding hash field: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func decodeByteFields(msg p2p.Msg) ([][]byte, error) {
	st, err := fieldStream(msg)
	if err != nil {
		return nil, fmt.Errorf("eth: reading packet: %w", err)
	}
	var out [][]byte
	for st.More() {
		b, err := st.Bytes()
		if err != nil {
			return nil, fmt.Errorf("eth: decoding byte field: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}
