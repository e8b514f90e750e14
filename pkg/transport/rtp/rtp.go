// Package rtp implements the per-call UDP media transport used with
// Asterisk External Media channels.
//
// The [Server] owns a configurable UDP port range. Each call allocates one
// [Session]: a bound socket plus a receive goroutine that parses RTP v2,
// learns the remote endpoint and inbound SSRC from the first packet, filters
// echoes of our own outbound SSRC, and hands payloads to the registered
// audio handler. Outbound audio is sequenced for continuity with the inbound
// stream: the first send seeds sequence number and timestamp from the last
// inbound packet, then advances sequence mod 2^16 and timestamp by 160
// samples per packet.
//
// A receive error on one session never tears down the server; the session's
// loop ends, its port is released, and the failure is surfaced through the
// session-end callback.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

const (
	// PayloadTypeULaw is the static RTP payload type for G.711 µ-law @ 8 kHz.
	PayloadTypeULaw = 0

	// PayloadTypeL16 is the static RTP payload type for L16/1 linear PCM.
	PayloadTypeL16 = 11

	// SamplesPerPacket is the timestamp advance per outbound packet (20 ms @ 8 kHz).
	SamplesPerPacket = 160

	recvBufferBytes  = 4096
	sendWriteTimeout = 5 * time.Millisecond
)

// ErrNoPortsAvailable is returned by AllocateSession when the configured
// port range is exhausted.
var ErrNoPortsAvailable = errors.New("rtp: no ports available in configured range")

// Config holds the server-wide transport settings.
type Config struct {
	// Host is the local address to bind (e.g. "0.0.0.0").
	Host string

	// PortMin and PortMax bound the inclusive UDP port range, one port per call.
	PortMin int
	PortMax int

	// PayloadType is the outbound payload type (0 = µ-law, 11 = L16/1).
	PayloadType uint8

	// LockRemoteEndpoint drops inbound packets from any source other than the
	// first one seen for the session.
	LockRemoteEndpoint bool

	// AllowedRemoteHosts optionally restricts which source IPs may become the
	// locked endpoint. Empty means any.
	AllowedRemoteHosts []string
}

// AudioHandler receives inbound RTP payloads in arrival order.
type AudioHandler func(callID string, payload []byte, payloadType uint8)

// SSRCHandler is invoked once per session when the inbound SSRC is learned.
type SSRCHandler func(callID string, ssrc uint32)

// EndHandler is invoked when a session's receive loop exits. err is nil on
// deliberate release.
type EndHandler func(callID string, err error)

// Option configures a [Server].
type Option func(*Server)

// WithAudioHandler sets the inbound payload callback.
func WithAudioHandler(h AudioHandler) Option {
	return func(s *Server) { s.onAudio = h }
}

// WithSSRCHandler sets the SSRC discovery callback.
func WithSSRCHandler(h SSRCHandler) Option {
	return func(s *Server) { s.onSSRC = h }
}

// WithEndHandler sets the session-end callback.
func WithEndHandler(h EndHandler) Option {
	return func(s *Server) { s.onEnd = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server allocates and tracks per-call RTP sessions.
type Server struct {
	cfg     Config
	log     *slog.Logger
	onAudio AudioHandler
	onSSRC  SSRCHandler
	onEnd   EndHandler

	mu       sync.Mutex
	sessions map[string]*Session
	ports    map[int]string // port -> call id
}

// NewServer creates a Server. It does not bind any sockets until
// AllocateSession is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("rtp: invalid port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	s := &Server{
		cfg:      cfg,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
		ports:    make(map[int]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AllocateSession binds a UDP port from the range for callID and starts its
// receive loop. The ctx cancels the loop when the call ends.
func (s *Server) AllocateSession(ctx context.Context, callID string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[callID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	conn, port, err := s.reservePortLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sess := &Session{
		callID:  callID,
		conn:    conn,
		port:    port,
		server:  s,
		outSSRC: rand.Uint32(),
	}
	s.sessions[callID] = sess
	s.ports[port] = callID
	s.mu.Unlock()

	s.log.Info("rtp session allocated", "call_id", callID, "port", port)
	go sess.receiveLoop(ctx)
	return sess, nil
}

// reservePortLocked binds the first free port in the range. Caller holds s.mu.
func (s *Server) reservePortLocked() (*net.UDPConn, int, error) {
	for port := s.cfg.PortMin; port <= s.cfg.PortMax; port++ {
		if _, used := s.ports[port]; used {
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			continue // port taken by another process; try the next one
		}
		return conn, port, nil
	}
	return nil, 0, ErrNoPortsAvailable
}

// Session returns the session for callID, if any.
func (s *Server) Session(callID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// SendAudio sends one payload on the call's session. Returns false when the
// session or remote endpoint is unknown or the socket write fails.
func (s *Server) SendAudio(callID string, payload []byte) bool {
	sess, ok := s.Session(callID)
	if !ok {
		return false
	}
	return sess.SendAudio(payload)
}

// Release tears down the session for callID and frees its port.
func (s *Server) Release(callID string) {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	if ok {
		delete(s.sessions, callID)
		delete(s.ports, sess.port)
	}
	s.mu.Unlock()
	if ok {
		sess.close()
	}
}

// Close releases every session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.ports = make(map[int]string)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// ActiveSessions returns the number of live sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) allowedRemote(ip net.IP) bool {
	if len(s.cfg.AllowedRemoteHosts) == 0 {
		return true
	}
	for _, h := range s.cfg.AllowedRemoteHosts {
		if allowed := net.ParseIP(h); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}
