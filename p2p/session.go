package p2p

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aliakbarRashidi/eris/rlp"
)

const (
	p2pVersion = 3

	pingInterval = 15 * time.Second
	pingTimeout  = 40 * time.Second

	helloTimeout = 5 * time.Second

	disconnectGracePeriod = 2 * time.Second
)

// Session owns one TCP connection to a remote peer: it runs the Hello
// handshake, then loops reading frames and dispatching decoded packets
// either to p2p control-message handling or to the negotiated capability
// that owns the packet's opcode.
type Session struct {
	host *Host

	conn    net.Conn
	reader  *bufio.Reader
	inbound bool

	writeMu sync.Mutex

	id         NodeID
	name       string
	endpoint   Endpoint // remote socket address, ephemeral source port
	listenPort uint16   // remote-advertised listen port, from Hello

	connectTime  time.Time
	lastActivity atomic.Int64 // unix nanos

	rating int32

	capsMu sync.RWMutex
	caps   []negotiatedCapability // in negotiation order; offsets are cumulative
	capIdx map[string]int

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(conn net.Conn, host *Host, inbound bool, remoteEndpoint Endpoint) *Session {
	return &Session{
		host:     host,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		inbound:  inbound,
		endpoint: remoteEndpoint,
		capIdx:   make(map[string]int),
	}
}

// ID returns the remote node's identifier, valid once the Hello handshake
// has completed.
func (s *Session) ID() NodeID { return s.id }

// Endpoint returns the remote socket address with the advertised listen
// port substituted in place of the ephemeral source port, when known.
func (s *Session) Endpoint() Endpoint {
	ep := s.endpoint
	if s.listenPort != 0 {
		ep.Port = s.listenPort
	}
	return ep
}

// RawEndpoint returns the socket's remote address without substituting the
// advertised listen port; used for dial-retry bookkeeping.
func (s *Session) RawEndpoint() Endpoint { return s.endpoint }

// ConnectTime returns when the session was created.
func (s *Session) ConnectTime() time.Time { return s.connectTime }

// Rating returns the session's current peer-quality rating.
func (s *Session) Rating() int32 { return atomic.LoadInt32(&s.rating) }

// AdjustRating changes the session's rating by delta.
func (s *Session) AdjustRating(delta int32) {
	atomic.AddInt32(&s.rating, delta)
}

// IsOpen reports whether the session's read loop is still running.
func (s *Session) IsOpen() bool { return !s.closed.Load() }

// start performs the Hello handshake and, on success, launches the frame
// loop and ping ticker in their own goroutine. It returns once the
// handshake either completes or fails; the caller should drop the session
// on error.
func (s *Session) start() error {
	s.connectTime = time.Now()
	s.touch()

	hsErr := make(chan error, 1)
	go func() { hsErr <- s.handshake() }()

	var err error
	select {
	case err = <-hsErr:
	case <-time.After(helloTimeout):
		s.conn.Close()
		err = <-hsErr
		if err == nil {
			err = newError(BadProtocol, "hello handshake timed out")
		}
	}
	if err != nil {
		return err
	}

	go s.run()
	return nil
}

func (s *Session) handshake() error {
	if err := s.writeFrame(OpHello, p2pVersion, s.host.selfName(), s.host.selfCaps(), s.host.selfListenPort(), s.host.selfID()); err != nil {
		return newError(TCPError, "writing hello: %v", err)
	}
	msg, err := s.readFrameMsg()
	if err != nil {
		return newError(BadProtocol, "reading hello: %v", err)
	}
	if msg.Code != OpHello {
		return newError(BadProtocol, "expected hello, got code %#x", msg.Code)
	}
	var version uint64
	var name string
	var caps []string
	var listenPort uint64
	var id NodeID
	if err := msg.Decode(&version, &name, &caps, &listenPort, &id); err != nil {
		return newError(BadProtocol, "decoding hello: %v", err)
	}
	if id.IsZero() {
		return newError(BadProtocol, "null node identity")
	}
	if id == s.host.selfID() {
		return newError(BadProtocol, "connected to self")
	}
	s.name = name
	s.listenPort = uint16(listenPort)
	s.id = id
	s.negotiateCapabilities(caps)
	s.host.registerPeer(s)
	return nil
}

// run is the per-session frame loop: it reads decoded packets and
// dispatches them, driving ping timeouts and graceful shutdown.
func (s *Session) run() {
	defer s.markClosed()

	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := s.readFrameMsg()
			if err != nil {
				readErr <- err
				return
			}
			s.touch()
			if err := s.dispatch(msg); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErr:
			if err != io.EOF {
				logger.Debug("session read loop ended", "peer", s.id.Abridged(), "err", err)
			}
			s.conn.Close()
			return
		case <-ticker.C:
			if time.Since(s.lastActivityTime()) > pingTimeout {
				s.disconnect(DiscPingTimeout)
				return
			}
			if err := s.writeFrame(OpPing); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) dispatch(msg Msg) error {
	switch {
	case msg.Code == OpPing:
		return s.writeFrame(OpPong)
	case msg.Code == OpPong:
		return msg.Discard()
	case msg.Code == OpDisconnect:
		var reason uint64
		msg.Decode(&reason)
		return io.EOF
	case msg.Code == OpGetPeers:
		s.host.handleGetPeers(s)
		return nil
	case msg.Code == OpPeers:
		endpoints, err := decodeEndpointList(msg)
		if err != nil {
			return newError(BadProtocol, "decoding peers packet: %v", err)
		}
		s.host.handlePeers(s, endpoints)
		return nil
	case msg.Code < baseProtocolLength:
		return msg.Discard()
	default:
		c, offset, err := s.capabilityFor(msg.Code)
		if err != nil {
			return err
		}
		msg.Code -= offset
		return c.peer.HandleMsg(msg)
	}
}

// decodeEndpointList decodes a Peers packet: msg.Payload is already the
// bare, flat run of [ip, port] sub-lists making up the packet's fields
// (readFrameMsg has stripped the outer packet list and opcode), so it is
// read the same way the eth capability reads its flat hash/body field runs
// — no outer List()/ListEnd() here.
func decodeEndpointList(msg Msg) ([]Endpoint, error) {
	buf, err := io.ReadAll(io.LimitReader(msg.Payload, int64(msg.Size)))
	if err != nil {
		return nil, err
	}
	st := rlp.NewListStream(bytes.NewReader(buf), uint64(len(buf)))
	var out []Endpoint
	for st.More() {
		ep, err := decodeEndpoint(st)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *Session) capabilityFor(code uint64) (negotiatedCapability, uint64, error) {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	for _, c := range s.caps {
		if code >= c.offset && code < c.offset+c.cap.Length() {
			return c, c.offset, nil
		}
	}
	return negotiatedCapability{}, 0, newError(BadProtocol, "msg code %#x out of range", code)
}

// negotiateCapabilities matches remoteCaps against the host's registered
// capabilities, sorted by name so both sides of a session compute the same
// offsets, and creates a per-peer handler for each match.
func (s *Session) negotiateCapabilities(remoteCaps []string) {
	remote := make(map[string]bool, len(remoteCaps))
	for _, c := range remoteCaps {
		remote[c] = true
	}
	var matched []Capability
	for _, c := range s.host.capabilities() {
		if remote[c.Name()] {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name() < matched[j].Name() })

	s.capsMu.Lock()
	offset := uint64(baseProtocolLength)
	for _, c := range matched {
		s.capIdx[c.Name()] = len(s.caps)
		s.caps = append(s.caps, negotiatedCapability{cap: c, offset: offset})
		offset += c.Length()
	}
	s.capsMu.Unlock()

	// NewPeer runs without capsMu held, so a capability can already send
	// its own packets (such as a status handshake) from inside it.
	for i, c := range matched {
		peer := c.NewPeer(s)
		s.capsMu.Lock()
		s.caps[i].peer = peer
		s.capsMu.Unlock()
	}
}

// WriteCapabilityMsg sends msg on behalf of the named capability, rebasing
// its opcode into that capability's negotiated offset.
func (s *Session) WriteCapabilityMsg(name string, code uint64, params ...interface{}) error {
	s.capsMu.RLock()
	idx, ok := s.capIdx[name]
	if !ok {
		s.capsMu.RUnlock()
		return fmt.Errorf("p2p: capability %q not negotiated with this peer", name)
	}
	offset := s.caps[idx].offset
	s.capsMu.RUnlock()
	return s.writeFrame(offset+code, params...)
}

// HasCapability reports whether name was negotiated with this peer.
func (s *Session) HasCapability(name string) bool {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	_, ok := s.capIdx[name]
	return ok
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) lastActivityTime() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Disconnect sends a Disconnect packet with reason, waits briefly for the
// peer to close its end, then closes the socket regardless.
func (s *Session) Disconnect(reason DiscReason) {
	s.disconnect(reason)
}

// disconnect sends a Disconnect packet with reason, waits briefly for the
// peer to close its end, then closes the socket regardless.
func (s *Session) disconnect(reason DiscReason) {
	done := make(chan struct{})
	go func() {
		s.writeFrame(OpDisconnect, uint64(reason))
		io.Copy(io.Discard, s.conn)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(disconnectGracePeriod):
	}
	s.conn.Close()
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.capsMu.RLock()
		caps := append([]negotiatedCapability(nil), s.caps...)
		s.capsMu.RUnlock()
		for _, c := range caps {
			c.peer.Disconnected()
		}
		s.host.unregisterPeer(s)
	})
}

// readFrameMsg reads one frame off the wire and decodes its packet code
// plus the remaining bytes as the Msg payload.
func (s *Session) readFrameMsg() (Msg, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(s.reader, header[:]); err != nil {
		return Msg{}, err
	}
	payloadLen, err := unsealHeader(header[:])
	if err != nil {
		return Msg{}, err
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return Msg{}, err
	}
	st := rlp.NewStream(bytes.NewReader(payload))
	if _, err := st.List(); err != nil {
		return Msg{}, newError(BadProtocol, "packet is not a list: %v", err)
	}
	code, err := st.Uint()
	if err != nil {
		return Msg{}, newError(BadProtocol, "reading packet code: %v", err)
	}
	rest := make([]byte, st.Remaining())
	if err := st.ReadFull(rest); err != nil {
		return Msg{}, err
	}
	return Msg{Code: code, Size: uint32(len(rest)), Payload: bytes.NewReader(rest)}, nil
}

// writeFrame encodes code and params as a packet and writes a sealed frame
// to the socket. Writes are serialized: only one frame is ever in flight
// on a given session.
func (s *Session) writeFrame(code uint64, params ...interface{}) error {
	payload, err := encodePacket(code, params...)
	if err != nil {
		return err
	}
	frame := newFrame(payload)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(frame)
	return err
}
