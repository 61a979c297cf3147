package p2p

import "fmt"

// ErrorCode classifies errors raised while operating a session or the host.
type ErrorCode int

const (
	NoNetworking ErrorCode = iota
	NoUPnPDevice
	BadProtocol
	BadMagic
	DuplicatePeerErr
	TCPError
	PingTimeoutErr
	TooManyPeersErr
)

var errorCodeNames = map[ErrorCode]string{
	NoNetworking:     "no networking interfaces available",
	NoUPnPDevice:     "no UPnP device found",
	BadProtocol:      "bad protocol",
	BadMagic:         "bad frame magic",
	DuplicatePeerErr: "duplicate peer",
	TCPError:         "TCP error",
	PingTimeoutErr:   "ping timeout",
	TooManyPeersErr:  "too many peers",
}

// Error wraps an ErrorCode with a formatted detail message.
type Error struct {
	Code ErrorCode
	msg  string
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", errorCodeNames[e.Code], e.msg)
}

// DiscReason is a reason code sent in a Disconnect packet, or used locally
// to record why a session ended.
type DiscReason uint

const (
	DiscRequested DiscReason = iota
	DiscNetworkError
	DiscBadProtocol
	DiscUselessPeer
	DiscTooManyPeers
	DiscDuplicatePeer
	DiscIncompatibleProtocol
	DiscNullIdentity
	DiscQuitting
	DiscUnexpectedIdentity
	DiscLocalIdentity
	DiscPingTimeout
)

var discReasonNames = [...]string{
	DiscRequested:            "disconnect requested",
	DiscNetworkError:         "network error",
	DiscBadProtocol:          "breach of protocol",
	DiscUselessPeer:          "useless peer",
	DiscTooManyPeers:         "too many peers",
	DiscDuplicatePeer:        "already connected",
	DiscIncompatibleProtocol: "incompatible p2p protocol version",
	DiscNullIdentity:         "null node identity received",
	DiscQuitting:             "client quitting",
	DiscUnexpectedIdentity:   "unexpected identity",
	DiscLocalIdentity:        "connected to self",
	DiscPingTimeout:          "ping timeout",
}

func (d DiscReason) String() string {
	if int(d) < len(discReasonNames) && discReasonNames[d] != "" {
		return discReasonNames[d]
	}
	return fmt.Sprintf("unknown disconnect reason %d", uint(d))
}

func (d DiscReason) Error() string { return d.String() }
