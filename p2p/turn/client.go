// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

// Package turn wraps github.com/pion/turn/v2 (which speaks STUN
// binding requests over github.com/pion/stun internally) into the
// small allocate/refresh/permission/accept surface the transport
// facade needs when a node has no reachable public address.
package turn

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v2"
	"github.com/pkg/errors"

	"github.com/groundx/meshnet/log"
)

// DefaultAllocationLifetime and DefaultPermissionLifetime follow RFC
// 5766's recommended defaults, as referenced by the facade's refresh
// scheduling (refresh at lease - 60s).
const (
	DefaultAllocationLifetime = 777 * time.Second
	DefaultPermissionLifetime = 5 * time.Minute
	refreshMargin             = 60 * time.Second
)

// Server is one configured STUN/TURN server endpoint with optional
// long-term credentials.
type Server struct {
	Addr     string
	Username string
	Password string
	Realm    string
}

// Client manages one TURN allocation and its permissions for the
// transport facade. It is not safe for concurrent Allocate calls, but
// CreatePermission and AcceptRelayedStream are.
type Client struct {
	logger *log.Logger
	server Server

	conn       net.PacketConn
	turnClient *turn.Client
	relayConn  net.PacketConn

	mu          sync.Mutex
	mappedAddr  net.Addr
	localAddrs  []net.Addr
	permissions map[string]time.Time
}

// loggerFactory bridges pion's logging.LoggerFactory to our injected
// *log.Logger so the TURN stack never reaches for a second ambient
// logger.
type loggerFactory struct{ base *log.Logger }

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return bridgeLogger{f.base.With("scope", scope)}
}

type bridgeLogger struct{ l *log.Logger }

func (b bridgeLogger) Trace(msg string)                          { b.l.Trace(msg) }
func (b bridgeLogger) Tracef(format string, args ...interface{})  { b.l.Trace(format, args...) }
func (b bridgeLogger) Debug(msg string)                           { b.l.Debug(msg) }
func (b bridgeLogger) Debugf(format string, args ...interface{})  { b.l.Debug(format, args...) }
func (b bridgeLogger) Info(msg string)                            { b.l.Info(msg) }
func (b bridgeLogger) Infof(format string, args ...interface{})   { b.l.Info(format, args...) }
func (b bridgeLogger) Warn(msg string)                            { b.l.Warn(msg) }
func (b bridgeLogger) Warnf(format string, args ...interface{})   { b.l.Warn(format, args...) }
func (b bridgeLogger) Error(msg string)                           { b.l.Error(msg) }
func (b bridgeLogger) Errorf(format string, args ...interface{})  { b.l.Error(format, args...) }

// NewClient dials the configured STUN/TURN server and prepares a
// client ready to Allocate.
func NewClient(server Server, logger *log.Logger) (*Client, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, errors.Wrap(err, "turn: listen local udp")
	}
	tc, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: server.Addr,
		TURNServerAddr: server.Addr,
		Conn:           conn,
		Username:       server.Username,
		Password:       server.Password,
		Realm:          server.Realm,
		LoggerFactory:  loggerFactory{base: logger},
	})
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "turn: new client")
	}
	if err := tc.Listen(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "turn: listen")
	}
	return &Client{
		logger:      logger,
		server:      server,
		conn:        conn,
		turnClient:  tc,
		permissions: make(map[string]time.Time),
	}, nil
}

// GetMappedAddress performs a STUN binding request and returns the
// server-reflexive address the TURN server observed for us.
func (c *Client) GetMappedAddress() (net.Addr, error) {
	addr, err := c.turnClient.SendBindingRequest()
	if err != nil {
		return nil, errors.Wrap(err, "turn: binding request")
	}
	c.mu.Lock()
	c.mappedAddr = addr
	c.mu.Unlock()
	return addr, nil
}

// IsBehindNAT reports whether the mapped address differs from every
// local interface address -- i.e. some NAT rewrote our source address.
func (c *Client) IsBehindNAT() (bool, error) {
	mapped, err := c.GetMappedAddress()
	if err != nil {
		return false, err
	}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false, errors.Wrap(err, "turn: enumerate interfaces")
	}
	mappedHost, _, err := net.SplitHostPort(mapped.String())
	if err != nil {
		return true, nil
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if ok && ipNet.IP.String() == mappedHost {
			return false, nil
		}
	}
	return true, nil
}

// Allocate requests a RELAYED transport address. The lifetime argument
// is not sent to the server: the allocation starts with the server's
// own default lease, which RefreshAllocation later extends.
func (c *Client) Allocate(lifetime time.Duration) (net.Addr, error) {
	if lifetime <= 0 {
		lifetime = DefaultAllocationLifetime
	}
	relayConn, err := c.turnClient.Allocate()
	if err != nil {
		return nil, errors.Wrap(err, "turn: allocate")
	}
	c.mu.Lock()
	c.relayConn = relayConn
	c.mu.Unlock()
	return relayConn.LocalAddr(), nil
}

// RefreshAllocation extends the allocation's lease. Callers schedule
// this at lease-refreshMargin.
func (c *Client) RefreshAllocation(lifetime time.Duration) (time.Duration, error) {
	if lifetime <= 0 {
		lifetime = DefaultAllocationLifetime
	}
	if err := c.turnClient.Refresh(uint32(lifetime.Seconds())); err != nil {
		return 0, errors.Wrap(err, "turn: refresh allocation")
	}
	return lifetime, nil
}

// CreatePermission authorizes peerAddr to exchange data through the
// allocation. Permissions expire after DefaultPermissionLifetime and
// must be refreshed by the caller before then.
func (c *Client) CreatePermission(peerAddr *net.UDPAddr) error {
	c.mu.Lock()
	relayConn := c.relayConn
	c.mu.Unlock()
	if relayConn == nil {
		return errors.New("turn: no active allocation")
	}
	rc, ok := relayConn.(*turn.RelayConn)
	if !ok {
		return errors.New("turn: unexpected relay connection type")
	}
	if err := rc.CreatePermission(peerAddr); err != nil {
		return errors.Wrap(err, "turn: create permission")
	}
	c.mu.Lock()
	c.permissions[peerAddr.String()] = time.Now().Add(DefaultPermissionLifetime)
	c.mu.Unlock()
	return nil
}

// RefreshPermissions re-authorizes every permission due to expire
// within refreshMargin. Failures are returned per-peer-address so the
// caller can log and continue rather than aborting the whole pass.
func (c *Client) RefreshPermissions(refresh func(peerAddr string) error) map[string]error {
	now := time.Now()
	c.mu.Lock()
	due := make([]string, 0)
	for addr, expiry := range c.permissions {
		if expiry.Sub(now) <= refreshMargin {
			due = append(due, addr)
		}
	}
	c.mu.Unlock()

	failures := make(map[string]error)
	for _, addr := range due {
		if err := refresh(addr); err != nil {
			failures[addr] = err
			continue
		}
		c.mu.Lock()
		c.permissions[addr] = time.Now().Add(DefaultPermissionLifetime)
		c.mu.Unlock()
	}
	return failures
}

// AcceptRelayedStream blocks until the next datagram arrives on the
// relayed allocation, wrapping it as a net.Conn so the relay proxy can
// tunnel it to the local listening port like any other stream.
func (c *Client) AcceptRelayedStream() (net.Conn, error) {
	c.mu.Lock()
	relayConn := c.relayConn
	c.mu.Unlock()
	if relayConn == nil {
		return nil, errors.New("turn: no active allocation")
	}
	buf := make([]byte, 64*1024)
	n, from, err := relayConn.ReadFrom(buf)
	if err != nil {
		return nil, errors.Wrap(err, "turn: accept relayed stream")
	}
	return &relayedStream{
		data:   buf[:n],
		local:  relayConn.LocalAddr(),
		remote: from,
		conn:   relayConn,
	}, nil
}

// Close releases the allocation and the underlying local socket.
func (c *Client) Close() error {
	c.mu.Lock()
	relayConn := c.relayConn
	c.mu.Unlock()
	if relayConn != nil {
		relayConn.Close()
	}
	c.turnClient.Close()
	return c.conn.Close()
}

// relayedStream adapts one already-read datagram plus the underlying
// PacketConn into a net.Conn, since the relay proxy works in terms of
// bidirectional streams.
type relayedStream struct {
	data   []byte
	offset int
	local  net.Addr
	remote net.Addr
	conn   net.PacketConn
}

func (s *relayedStream) Read(b []byte) (int, error) {
	if s.offset < len(s.data) {
		n := copy(b, s.data[s.offset:])
		s.offset += n
		return n, nil
	}
	n, _, err := s.conn.ReadFrom(b)
	return n, err
}

func (s *relayedStream) Write(b []byte) (int, error) { return s.conn.WriteTo(b, s.remote) }
func (s *relayedStream) Close() error                { return nil }
func (s *relayedStream) LocalAddr() net.Addr         { return s.local }
func (s *relayedStream) RemoteAddr() net.Addr        { return s.remote }
func (s *relayedStream) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}
func (s *relayedStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *relayedStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
