// Package audiosocket implements the Asterisk AudioSocket framed TCP
// transport, the alternative to External Media RTP.
//
// AudioSocket frames are type-length-value: one kind byte, a 16-bit
// big-endian payload length, then the payload. Asterisk opens one TCP
// connection per channel and sends a UUID frame first; audio frames carry
// exactly one 20 ms frame of the negotiated format.
package audiosocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Frame kinds defined by the AudioSocket protocol.
const (
	KindTerminate byte = 0x00
	KindUUID      byte = 0x01
	KindDTMF      byte = 0x03
	KindAudio     byte = 0x10
	KindError     byte = 0xFF
)

// maxFrameBytes bounds a single payload; audio frames are at most 640 bytes
// (PCM16 @ 16 kHz, 20 ms) so anything much larger is a framing error.
const maxFrameBytes = 4096

// ErrConnUnknown is returned when a connection id is not registered.
var ErrConnUnknown = errors.New("audiosocket: unknown connection")

// AudioHandler receives inbound audio payloads in arrival order.
type AudioHandler func(connID string, payload []byte)

// DTMFHandler receives inbound DTMF digits.
type DTMFHandler func(connID string, digit byte)

// CloseHandler is invoked when a connection terminates. err is nil on a
// clean Terminate frame or deliberate close.
type CloseHandler func(connID string, err error)

// Option configures a [Server].
type Option func(*Server)

// WithAudioHandler sets the inbound audio callback.
func WithAudioHandler(h AudioHandler) Option {
	return func(s *Server) { s.onAudio = h }
}

// WithDTMFHandler sets the DTMF callback.
func WithDTMFHandler(h DTMFHandler) Option {
	return func(s *Server) { s.onDTMF = h }
}

// WithCloseHandler sets the connection-close callback.
func WithCloseHandler(h CloseHandler) Option {
	return func(s *Server) { s.onClose = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithBroadcastDebug makes call-addressed sends fan out to every connection
// bound to the call instead of just the first.
func WithBroadcastDebug() Option {
	return func(s *Server) { s.broadcast = true }
}

// Server accepts AudioSocket connections and routes frames.
type Server struct {
	log       *slog.Logger
	onAudio   AudioHandler
	onDTMF    DTMFHandler
	onClose   CloseHandler
	broadcast bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn   // conn id -> connection
	byCall   map[string][]string // call id -> conn ids
}

type conn struct {
	id      string
	callID  string
	netConn net.Conn
	writeMu sync.Mutex
}

// NewServer creates a Server. Call Listen to start accepting.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:    slog.Default(),
		conns:  make(map[string]*conn),
		byCall: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds addr and accepts connections until ctx is cancelled.
// It returns immediately after binding; accept runs on a background
// goroutine. A bind failure is returned synchronously.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("audiosocket: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("audiosocket listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(c)
		}
	}()
	return nil
}

// handleConn performs the UUID handshake then pumps frames until EOF or a
// Terminate frame.
func (s *Server) handleConn(nc net.Conn) {
	kind, payload, err := readFrame(nc)
	if err != nil || kind != KindUUID || len(payload) != 16 {
		s.log.Warn("audiosocket handshake failed", "remote", nc.RemoteAddr().String(), "err", err)
		nc.Close()
		return
	}
	id := uuid.Must(uuid.FromBytes(payload)).String()

	c := &conn{id: id, netConn: nc}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	s.log.Info("audiosocket connection established", "conn_id", id, "remote", nc.RemoteAddr().String())

	var loopErr error
	for {
		kind, payload, err := readFrame(nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				loopErr = err
			}
			break
		}
		switch kind {
		case KindAudio:
			if s.onAudio != nil {
				s.onAudio(id, payload)
			}
		case KindDTMF:
			if s.onDTMF != nil && len(payload) > 0 {
				s.onDTMF(id, payload[0])
			}
		case KindTerminate:
			goto done
		case KindError:
			s.log.Warn("audiosocket peer error frame", "conn_id", id, "payload", payload)
		default:
			// Unknown kinds are skipped; the length prefix keeps us framed.
		}
	}
done:
	s.removeConn(id)
	nc.Close()
	if s.onClose != nil {
		s.onClose(id, loopErr)
	}
}

// BindCall associates an established connection with a call id so audio can
// be addressed by call.
func (s *Server) BindCall(connID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return ErrConnUnknown
	}
	if c.callID == callID {
		return nil
	}
	c.callID = callID
	s.byCall[callID] = append(s.byCall[callID], connID)
	return nil
}

// SendAudio writes one audio frame to the given connection. Returns false
// if the connection is unknown or the write fails.
func (s *Server) SendAudio(connID string, frame []byte) bool {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return c.writeFrame(KindAudio, frame)
}

// SendAudioToCall writes one audio frame to the call's connection(s). In
// broadcast-debug mode every bound connection receives the frame; the send
// succeeds iff at least one recipient accepted it.
func (s *Server) SendAudioToCall(callID string, frame []byte) bool {
	s.mu.Lock()
	ids := append([]string(nil), s.byCall[callID]...)
	s.mu.Unlock()
	if len(ids) == 0 {
		return false
	}
	if !s.broadcast {
		ids = ids[:1]
	}
	ok := false
	for _, id := range ids {
		if s.SendAudio(id, frame) {
			ok = true
		}
	}
	return ok
}

// Hangup sends a Terminate frame and closes the connection.
func (s *Server) Hangup(connID string) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.writeFrame(KindTerminate, nil)
	c.netConn.Close()
}

// Close shuts the listener and all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*conn)
	s.byCall = make(map[string][]string)
	s.mu.Unlock()
	for _, c := range conns {
		c.netConn.Close()
	}
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return
	}
	delete(s.conns, id)
	if c.callID != "" {
		ids := s.byCall[c.callID]
		for i, other := range ids {
			if other == id {
				s.byCall[c.callID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(s.byCall[c.callID]) == 0 {
			delete(s.byCall, c.callID)
		}
	}
}

func (c *conn) writeFrame(kind byte, payload []byte) bool {
	var hdr [3]byte
	hdr[0] = kind
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write(hdr[:]); err != nil {
		return false
	}
	if len(payload) > 0 {
		if _, err := c.netConn.Write(payload); err != nil {
			return false
		}
	}
	return true
}

// readFrame reads one TLV frame.
func readFrame(r io.Reader) (kind byte, payload []byte, err error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint16(hdr[1:])
	if n > maxFrameBytes {
		return 0, nil, fmt.Errorf("audiosocket: frame of %d bytes exceeds limit", n)
	}
	if n == 0 {
		return hdr[0], nil, nil
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}
