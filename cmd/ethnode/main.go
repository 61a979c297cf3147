// ethnode runs a standalone peer-to-peer host speaking the chain
// synchronization capability.
package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aliakbarRashidi/eris/eth"
	"github.com/aliakbarRashidi/eris/internal/chain"
	"github.com/aliakbarRashidi/eris/log"
	"github.com/aliakbarRashidi/eris/p2p"
)

func main() {
	var (
		listenPort  = flag.Int("port", 30303, "TCP listen port")
		publicIP    = flag.String("publicip", "", "override the address advertised to peers")
		upnp        = flag.Bool("upnp", true, "attempt UPnP NAT port mapping")
		localNet    = flag.Bool("localnet", false, "allow gossiping and dialing private-network addresses")
		idealPeers  = flag.Uint("peers", p2p.DefaultIdealPeerCount, "target live peer count")
		networkID   = flag.Uint64("networkid", 1, "network identifier exchanged in the eth Status handshake")
		peersFile   = flag.String("peersfile", "", "path to load/save the persisted peer list")
		bootstrap   = flag.String("bootnodes", "", "comma-separated host:port list of peers to dial at startup")
		verbosity   = flag.Int("verbosity", int(log.LvlInfo), "log verbosity (0-5)")
	)
	flag.Parse()

	log.Root().SetHandler(log.StreamHandler(os.Stderr, log.TerminalFormat()))
	_ = verbosity // the bundled log package has no per-level filter; kept for CLI compatibility

	config := p2p.Config{
		ListenPort:      uint16(*listenPort),
		PublicIP:        *publicIP,
		UPnP:            *upnp,
		LocalNetworking: *localNet,
		IdealPeerCount:  *idealPeers,
		NetworkID:       new(big.Int).SetUint64(*networkID),
		ClientVersion:   "ethnode/0.1",
	}

	genesis := eth.Hash{}
	mem := chain.NewMemory(genesis)
	coordinator := eth.NewSyncCoordinator(mem, mem, mem, *networkID)

	host := p2p.NewHost(config, config.ClientVersion, []p2p.Capability{coordinator.NewCapability()})

	if *peersFile != "" {
		if blob, err := os.ReadFile(*peersFile); err == nil {
			host.RestorePeers(blob)
		}
	}

	if err := host.Start(); err != nil {
		log.Crit(fmt.Sprintf("failed to start host: %v", err))
	}

	dialBootnodes(host, *bootstrap)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	log.Info("shutting down")
	if *peersFile != "" {
		if blob := host.SavePeers(); blob != nil {
			os.WriteFile(*peersFile, blob, 0644)
		}
	}
	host.Stop()
}

func splitBootnodes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func dialBootnodes(host *p2p.Host, s string) {
	for _, addr := range splitBootnodes(s) {
		ip, port, err := splitHostPort(addr)
		if err != nil {
			log.Error("invalid bootnode address", "addr", addr, "err", err)
			continue
		}
		host.Connect(ip, port)
	}
}

func splitHostPort(addr string) (string, uint16, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("missing port in %q", addr)
	}
	port, err := strconv.ParseUint(addr[i+1:], 10, 16)
	if err != nil {
		return "", 0, err
	}
	return addr[:i], uint16(port), nil
}
