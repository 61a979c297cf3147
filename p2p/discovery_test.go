package p2p

import (
	"net"
	"testing"
)

func TestIsPrivateAddress(t *testing.T) {
	private := []string{"10.1.2.3", "172.16.0.5", "192.168.1.1", "127.0.0.1"}
	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34"}
	for _, s := range private {
		if !isPrivateAddress(net.ParseIP(s)) {
			t.Errorf("%s: expected private", s)
		}
	}
	for _, s := range public {
		if isPrivateAddress(net.ParseIP(s)) {
			t.Errorf("%s: expected public", s)
		}
	}
}

func TestDiscoverAddressesRejectsLoopback(t *testing.T) {
	addresses, peerAddresses, err := discoverAddresses()
	if err != nil {
		t.Fatalf("discoverAddresses: %v", err)
	}
	for _, ip := range peerAddresses {
		if rejectAddresses[ip.String()] {
			t.Fatalf("peerAddresses contains rejected address %v", ip)
		}
	}
	if len(peerAddresses) > len(addresses) {
		t.Fatalf("peerAddresses (%d) must be a subset of addresses (%d)", len(peerAddresses), len(addresses))
	}
}
