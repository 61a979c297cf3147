package p2p

import (
	"net"
)

// rejectAddresses are loopback/unspecified addresses that never identify a
// usable peer endpoint, mirroring the reference client's reject set.
var rejectAddresses = map[string]bool{
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
	"::":        true,
}

// discoverAddresses enumerates local IPv4 interface addresses, classifying
// each as either purely local (loopback/unspecified, never advertised) or
// peer-advertisable. It fails with NoNetworking if no interface can be
// enumerated at all.
func discoverAddresses() (addresses, peerAddresses []net.IP, err error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, nil, newError(NoNetworking, "%v", err)
	}
	if len(ifaces) == 0 {
		return nil, nil, newError(NoNetworking, "no network interfaces found")
	}
	for _, addr := range ifaces {
		ip, _, err := net.ParseCIDR(addr.String())
		if err != nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		addresses = append(addresses, ip4)
		if !rejectAddresses[ip4.String()] {
			peerAddresses = append(peerAddresses, ip4)
		}
	}
	return addresses, peerAddresses, nil
}

// isPrivateAddress reports whether ip is within an RFC1918 private range,
// link-local range, or loopback.
func isPrivateAddress(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
