package eth

// ProtocolName is the capability name advertised in Hello and matched
// against peers' advertised capability lists.
const ProtocolName = "eth"

// ProtocolVersion is this capability's wire version, sent in Status.
const ProtocolVersion = 60

// Capability-relative packet opcodes. A session rebases these against the
// offset assigned during negotiation before they ever reach HandleMsg.
const (
	StatusMsg         = 0x00
	NewBlockHashesMsg = 0x01
	TransactionsMsg   = 0x02
	GetBlockHashesMsg = 0x03
	BlockHashesMsg    = 0x04
	GetBlocksMsg      = 0x05
	BlocksMsg         = 0x06
	NewBlockMsg       = 0x07
)

// protocolLength is the number of opcodes this capability reserves.
const protocolLength = 0x08

// hashBatchSize bounds a single GetBlockHashes request/response round.
const hashBatchSize = 256

// maxBlocksAsk bounds the size of a single DownloadManager lease, mirroring
// the reference client's c_maxBlocksAsk.
const maxBlocksAsk = 256

// statusPacket is the handshake payload exchanged once a session's Hello
// has completed and both sides have negotiated this capability.
type statusPacket struct {
	ProtocolVersion uint64
	NetworkID       uint64
	TotalDifficulty []byte // big.Int bytes, big-endian
	BestHash        Hash
	GenesisHash     Hash
}
