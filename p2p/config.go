package p2p

import "math/big"

// Config holds the operator-supplied network preferences for a Host.
type Config struct {
	// ListenPort is the TCP port to accept inbound connections on. If
	// binding it fails, the host retries once on port 0 (ephemeral).
	ListenPort uint16

	// PublicIP, if non-empty, overrides NAT/address discovery when
	// determining the endpoint advertised to peers.
	PublicIP string

	// UPnP enables best-effort NAT port mapping via the router.
	UPnP bool

	// LocalNetworking allows gossiping and dialing private-network
	// addresses, which are otherwise filtered out of potentialPeers.
	LocalNetworking bool

	// IdealPeerCount is the target live-peer count; the host tries to
	// keep the live set within [IdealPeerCount, 2*IdealPeerCount].
	IdealPeerCount uint

	// NetworkID distinguishes incompatible chains at the Status handshake
	// layer; it is opaque to the p2p package itself.
	NetworkID *big.Int

	// ClientVersion is advertised in Hello and used only for logging.
	ClientVersion string
}

// DefaultIdealPeerCount mirrors the conventional default used by the
// reference client.
const DefaultIdealPeerCount = 25
