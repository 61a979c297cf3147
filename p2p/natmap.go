package p2p

import (
	"net"
	"time"

	"github.com/aliakbarRashidi/eris/p2p/nat"
)

const natMappingLifetime = 20 * time.Minute

// determinePublic resolves the endpoint advertised to peers, in precedence
// order: UPnP external address (if a mapping was obtained), the operator's
// PublicIP override, then the first discovered peer-advertisable address.
// If none of these yield a usable address, the returned Endpoint has an
// unspecified IP and will be excluded from gossip.
func (h *Host) determinePublic() Endpoint {
	listenPort := h.listenPort

	if h.config.UPnP {
		iface, err := nat.DiscoverUPnP()
		if err != nil {
			logger.Debug("UPnP discovery failed, proceeding without a mapping", "err", err)
		} else {
			h.natIface = iface
			if len(h.peerAddresses) > 0 {
				mapped, err := iface.AddMapping("TCP", int(listenPort), int(listenPort), "p2p listen port", natMappingLifetime)
				if err != nil {
					logger.Warn("UPnP AddMapping failed", "err", err)
				} else {
					h.natExternalPort = uint16(mapped)
					externalIP, err := iface.ExternalIP()
					if err == nil && !externalIP.IsUnspecified() {
						return Endpoint{IP: externalIP.To4(), Port: h.natExternalPort}
					}
					if h.config.PublicIP == "" {
						// UPnP reported 0.0.0.0 and the operator gave no
						// override: the public endpoint stays unspecified.
						return Endpoint{IP: net.IPv4zero, Port: h.natExternalPort}
					}
				}
			}
		}
	}

	if h.config.PublicIP != "" {
		if ip := net.ParseIP(h.config.PublicIP); ip != nil {
			return Endpoint{IP: ip.To4(), Port: listenPort}
		}
	}

	if len(h.peerAddresses) > 0 {
		return Endpoint{IP: h.peerAddresses[0], Port: listenPort}
	}

	return Endpoint{IP: net.IPv4zero, Port: listenPort}
}

// releaseNAT tears down any UPnP mapping obtained at startup.
func (h *Host) releaseNAT() {
	if h.natIface == nil {
		return
	}
	if err := h.natIface.DeleteMapping("TCP", int(h.natExternalPort), int(h.listenPort)); err != nil {
		logger.Debug("UPnP DeleteMapping failed", "err", err)
	}
	h.natIface = nil
}
