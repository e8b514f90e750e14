package rtp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"
)

// Stats is a snapshot of a session's packet counters.
type Stats struct {
	PacketsIn     uint64
	PacketsOut    uint64
	EchoFiltered  uint64
	Dropped       uint64
	BytesOut      uint64
	InboundSSRC   uint32
	OutboundSSRC  uint32
	RemoteKnown   bool
	Port          int
}

// Session is one call's RTP socket and sequencing state. All exported
// methods are safe for concurrent use.
type Session struct {
	callID string
	conn   *net.UDPConn
	port   int
	server *Server

	mu          sync.Mutex
	remote      *net.UDPAddr
	inSSRC      uint32
	haveInSSRC  bool
	outSSRC     uint32
	seq         uint16
	ts          uint32
	seeded      bool
	lastInSeq   uint16
	lastInTS    uint32
	closed      bool

	packetsIn    uint64
	packetsOut   uint64
	echoFiltered uint64
	dropped      uint64
	bytesOut     uint64
}

// CallID returns the owning call id.
func (sess *Session) CallID() string { return sess.callID }

// Port returns the bound local UDP port.
func (sess *Session) Port() int { return sess.port }

// OutboundSSRC returns the SSRC used for outbound packets. Before the first
// inbound packet it is random; afterwards it is inbound_ssrc XOR 0xFFFFFFFF.
func (sess *Session) OutboundSSRC() uint32 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.outSSRC
}

// Stats returns a snapshot of the session counters.
func (sess *Session) Stats() Stats {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Stats{
		PacketsIn:    sess.packetsIn,
		PacketsOut:   sess.packetsOut,
		EchoFiltered: sess.echoFiltered,
		Dropped:      sess.dropped,
		BytesOut:     sess.bytesOut,
		InboundSSRC:  sess.inSSRC,
		OutboundSSRC: sess.outSSRC,
		RemoteKnown:  sess.remote != nil,
		Port:         sess.port,
	}
}

// receiveLoop reads datagrams until the socket closes or ctx is cancelled.
func (sess *Session) receiveLoop(ctx context.Context) {
	var loopErr error
	buf := make([]byte, recvBufferBytes)

	stop := context.AfterFunc(ctx, func() { sess.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		n, addr, err := sess.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !sess.isClosed() && !errors.Is(err, net.ErrClosed) {
				loopErr = err
			}
			break
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		sess.handlePacket(pkt, addr)
	}

	sess.server.mu.Lock()
	if sess.server.sessions[sess.callID] == sess {
		delete(sess.server.sessions, sess.callID)
		delete(sess.server.ports, sess.port)
	}
	sess.server.mu.Unlock()
	sess.close()

	if sess.server.onEnd != nil {
		sess.server.onEnd(sess.callID, loopErr)
	}
}

// handlePacket parses and filters one datagram. Split out from the loop so
// filtering behaviour is testable without sockets.
func (sess *Session) handlePacket(raw []byte, addr *net.UDPAddr) {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(raw); err != nil || pkt.Version != 2 {
		sess.mu.Lock()
		sess.dropped++
		sess.mu.Unlock()
		return
	}
	if pkt.PayloadType != PayloadTypeULaw && pkt.PayloadType != PayloadTypeL16 {
		sess.mu.Lock()
		sess.dropped++
		sess.mu.Unlock()
		return
	}

	sess.mu.Lock()
	// Echo filter: our own outbound stream looped back through the switch.
	if pkt.SSRC == sess.outSSRC {
		sess.echoFiltered++
		sess.mu.Unlock()
		return
	}

	firstPacket := sess.remote == nil
	if firstPacket {
		if addr != nil && !sess.server.allowedRemote(addr.IP) {
			sess.dropped++
			sess.mu.Unlock()
			return
		}
		sess.remote = addr
		sess.inSSRC = pkt.SSRC
		sess.haveInSSRC = true
		sess.outSSRC = pkt.SSRC ^ 0xFFFFFFFF
	} else if sess.server.cfg.LockRemoteEndpoint && addr != nil && !sameEndpoint(sess.remote, addr) {
		sess.dropped++
		sess.mu.Unlock()
		return
	}

	sess.packetsIn++
	sess.lastInSeq = pkt.SequenceNumber
	sess.lastInTS = pkt.Timestamp
	sess.mu.Unlock()

	if firstPacket {
		sess.server.log.Info("rtp remote endpoint learned",
			"call_id", sess.callID,
			"remote", addr.String(),
			"ssrc", pkt.SSRC,
		)
		if sess.server.onSSRC != nil {
			sess.server.onSSRC(sess.callID, pkt.SSRC)
		}
	}
	if sess.server.onAudio != nil && len(pkt.Payload) > 0 {
		sess.server.onAudio(sess.callID, pkt.Payload, pkt.PayloadType)
	}
}

// SendAudio marshals one RTP packet around payload and writes it to the
// learned remote endpoint. Returns false if the endpoint is unknown, the
// session is closed, or the socket write fails or would block.
func (sess *Session) SendAudio(payload []byte) bool {
	sess.mu.Lock()
	if sess.closed || sess.remote == nil {
		sess.mu.Unlock()
		return false
	}
	if !sess.seeded {
		// Continue the inbound stream's numbering so the switch's jitter
		// buffer treats our audio as the same conversation.
		if sess.haveInSSRC {
			sess.seq = sess.lastInSeq
			sess.ts = sess.lastInTS
		}
		sess.seeded = true
	}
	sess.seq++
	sess.ts += SamplesPerPacket

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    sess.server.cfg.PayloadType,
			SequenceNumber: sess.seq,
			Timestamp:      sess.ts,
			SSRC:           sess.outSSRC,
		},
		Payload: payload,
	}
	remote := sess.remote
	conn := sess.conn
	sess.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(sendWriteTimeout))
	if _, err := conn.WriteToUDP(raw, remote); err != nil {
		return false
	}

	sess.mu.Lock()
	sess.packetsOut++
	sess.bytesOut += uint64(len(payload))
	sess.mu.Unlock()
	return true
}

func (sess *Session) isClosed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.closed
}

func (sess *Session) close() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()
	sess.conn.Close()
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
