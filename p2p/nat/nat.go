// Package nat requests a port mapping from a UPnP-capable router, best
// effort. Failure to find a device is not fatal to the host; callers
// proceed without a mapping.
package nat

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/aliakbarRashidi/eris/log"
)

var logger = log.New("module", "nat")

// ErrNoUPnPDevice is returned when no UPnP internet gateway device responds
// to discovery within the attempt budget.
var ErrNoUPnPDevice = fmt.Errorf("nat: no UPnP device found")

// Interface maps and unmaps a single external TCP port to a local one.
type Interface interface {
	// ExternalIP returns the router's external IP address as the router
	// reports it (which may be the unspecified address 0.0.0.0); an empty
	// or unparsable answer is an error.
	ExternalIP() (net.IP, error)

	// AddMapping requests a mapping of externalPort to internalPort, and
	// returns the port the router actually assigned (routers are free to
	// pick a different external port than requested).
	AddMapping(protocol string, externalPort, internalPort int, description string, lifetime time.Duration) (mappedPort int, err error)

	// DeleteMapping removes a previously added mapping.
	DeleteMapping(protocol string, externalPort, internalPort int) error
}

const discoverAttempts = 3
const discoverTimeout = 2 * time.Second

// DiscoverUPnP searches the local network for an Internet Gateway Device
// offering port-mapping control, trying discoverAttempts times before
// giving up. A nil Interface with ErrNoUPnPDevice is a benign outcome: the
// caller proceeds without NAT mapping.
func DiscoverUPnP() (Interface, error) {
	for attempt := 0; attempt < discoverAttempts; attempt++ {
		if iface := discoverOnce(); iface != nil {
			return iface, nil
		}
	}
	return nil, ErrNoUPnPDevice
}

func discoverOnce() Interface {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return &upnpClient{ipc1: clients[0], root: clients[0].ServiceClient.RootDevice}
	}
	if clients, _, err := internetgateway2.NewWANIPConnection2Clients(); err == nil && len(clients) > 0 {
		return &upnpClient{ipc2: clients[0], root: clients[0].ServiceClient.RootDevice}
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return &upnpClient{ppp1: clients[0], root: clients[0].ServiceClient.RootDevice}
	}
	return nil
}

// upnpClient adapts whichever goupnp service variant discovery found to
// the Interface contract above.
type upnpClient struct {
	ipc1 *internetgateway2.WANIPConnection1
	ipc2 *internetgateway2.WANIPConnection2
	ppp1 *internetgateway2.WANPPPConnection1
	root *goupnp.RootDevice
}

func (c *upnpClient) ExternalIP() (net.IP, error) {
	var s string
	var err error
	switch {
	case c.ipc1 != nil:
		s, err = c.ipc1.GetExternalIPAddress()
	case c.ipc2 != nil:
		s, err = c.ipc2.GetExternalIPAddress()
	case c.ppp1 != nil:
		s, err = c.ppp1.GetExternalIPAddress()
	}
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("nat: router returned invalid IP %q", s)
	}
	return ip, nil
}

func (c *upnpClient) AddMapping(protocol string, externalPort, internalPort int, description string, lifetime time.Duration) (int, error) {
	ip, err := localIP()
	if err != nil {
		return 0, err
	}
	seconds := uint32(lifetime / time.Second)
	switch {
	case c.ipc1 != nil:
		err = c.ipc1.AddPortMapping("", uint16(externalPort), protocol, uint16(internalPort), ip.String(), true, description, seconds)
	case c.ipc2 != nil:
		err = c.ipc2.AddPortMapping("", uint16(externalPort), protocol, uint16(internalPort), ip.String(), true, description, seconds)
	case c.ppp1 != nil:
		err = c.ppp1.AddPortMapping("", uint16(externalPort), protocol, uint16(internalPort), ip.String(), true, description, seconds)
	}
	if err != nil {
		logger.Debug("UPnP AddPortMapping failed", "externalPort", externalPort, "err", err)
		return 0, err
	}
	return externalPort, nil
}

func (c *upnpClient) DeleteMapping(protocol string, externalPort, internalPort int) error {
	switch {
	case c.ipc1 != nil:
		return c.ipc1.DeletePortMapping("", uint16(externalPort), protocol)
	case c.ipc2 != nil:
		return c.ipc2.DeletePortMapping("", uint16(externalPort), protocol)
	case c.ppp1 != nil:
		return c.ppp1.DeletePortMapping("", uint16(externalPort), protocol)
	}
	return nil
}

func localIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "198.18.0.0:1")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
