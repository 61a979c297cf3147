package p2p

// Capability is a named sub-protocol multiplexed over a session, such as
// the chain-synchronization "eth" capability. A Host is configured with a
// fixed set of Capabilities; a Session negotiates the subset advertised by
// both ends during the Hello exchange and instantiates one CapabilityPeer
// per negotiated name.
type Capability interface {
	// Name identifies the capability, e.g. "eth".
	Name() string

	// Length is the number of opcodes the capability reserves for itself.
	// Opcodes below baseProtocolLength are always reserved for p2p control
	// messages; a session assigns each negotiated capability a contiguous
	// block of the remaining opcode space, in negotiation order.
	Length() uint64

	// NewPeer constructs per-session state for a freshly negotiated peer.
	// It is called during the Hello handshake, once this capability has
	// been matched against the remote Hello and given its opcode offset,
	// and before the session is registered with the host.
	NewPeer(peer *Session) CapabilityPeer

	// OnStarting and OnStopping are host lifecycle hooks, called once each
	// when the host starts and stops, independent of any particular peer.
	OnStarting()
	OnStopping()
}

// CapabilityPeer is the per-peer state machine for a negotiated capability.
// HandleMsg receives packets with Code already rebased to 0 for this
// capability's opcode space.
type CapabilityPeer interface {
	HandleMsg(msg Msg) error

	// Disconnected is called once the owning session has closed, so the
	// capability can release any resources (e.g. DownloadManager leases)
	// tied to this peer.
	Disconnected()
}

// negotiatedCapability is a capability matched during Hello negotiation,
// together with the opcode offset assigned to it for this session.
type negotiatedCapability struct {
	cap    Capability
	offset uint64
	peer   CapabilityPeer
}
