package p2p

import (
	"fmt"
	"net"

	"github.com/aliakbarRashidi/eris/rlp"
)

// Endpoint is an IPv4 address and TCP port pair. Port 0 means "listen port
// unknown" and disqualifies the endpoint from gossip or reconnection.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Usable reports whether the endpoint has a non-zero port and a non-nil
// address, i.e. it is fit to gossip or dial.
func (e Endpoint) Usable() bool {
	return e.Port != 0 && len(e.IP) != 0
}

// EncodeRLP encodes the endpoint as a list of [4-byte IPv4, port].
func (e Endpoint) EncodeRLP() ([]byte, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		ip4 = make(net.IP, 4)
	}
	return rlp.EncodeToBytes(rlp.List{[]byte(ip4), uint64(e.Port)})
}

// decodeEndpoint reads a [4-byte IPv4, port] pair from s.
func decodeEndpoint(s *rlp.Stream) (Endpoint, error) {
	var ipBytes []byte
	var port uint64
	if _, err := s.List(); err != nil {
		return Endpoint{}, err
	}
	if err := s.Decode(&ipBytes); err != nil {
		return Endpoint{}, err
	}
	if err := s.Decode(&port); err != nil {
		return Endpoint{}, err
	}
	s.ListEnd()
	if len(ipBytes) != 4 {
		return Endpoint{}, fmt.Errorf("p2p: endpoint IP must be 4 bytes, got %d", len(ipBytes))
	}
	return Endpoint{IP: net.IP(ipBytes), Port: uint16(port)}, nil
}
