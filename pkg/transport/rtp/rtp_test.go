package rtp

import (
	"context"
	"net"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	cfg := Config{
		Host:               "127.0.0.1",
		PortMin:            40100,
		PortMax:            40120,
		PayloadType:        PayloadTypeULaw,
		LockRemoteEndpoint: true,
	}
	s, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func marshalPacket(t *testing.T, ssrc uint32, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeULaw,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestOutboundSSRCDerivation(t *testing.T) {
	s := newTestServer(t)
	sess, err := s.AllocateSession(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
	sess.handlePacket(marshalPacket(t, 0xDEADBEEF, 100, 16000, make([]byte, 160)), addr)

	if got := sess.OutboundSSRC(); got != 0xDEADBEEF^0xFFFFFFFF {
		t.Errorf("outbound SSRC = %#x, want %#x", got, 0xDEADBEEF^0xFFFFFFFF)
	}
	st := sess.Stats()
	if st.InboundSSRC != 0xDEADBEEF || !st.RemoteKnown {
		t.Errorf("inbound SSRC = %#x remoteKnown=%v", st.InboundSSRC, st.RemoteKnown)
	}
}

func TestEchoFilter(t *testing.T) {
	var delivered int
	s := newTestServer(t, WithAudioHandler(func(string, []byte, uint8) { delivered++ }))
	sess, err := s.AllocateSession(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
	sess.handlePacket(marshalPacket(t, 0xDEADBEEF, 1, 160, make([]byte, 160)), addr)
	if delivered != 1 {
		t.Fatalf("first packet not delivered")
	}

	// Three echoes of our own outbound SSRC must be dropped.
	echoSSRC := sess.OutboundSSRC()
	for i := 0; i < 3; i++ {
		sess.handlePacket(marshalPacket(t, echoSSRC, uint16(i), 0, make([]byte, 160)), addr)
	}
	if delivered != 1 {
		t.Errorf("echo packets were delivered: %d", delivered-1)
	}
	if got := sess.Stats().EchoFiltered; got != 3 {
		t.Errorf("echoFiltered = %d, want 3", got)
	}
}

func TestLockedEndpointDropsStrangers(t *testing.T) {
	var delivered int
	s := newTestServer(t, WithAudioHandler(func(string, []byte, uint8) { delivered++ }))
	sess, _ := s.AllocateSession(context.Background(), "call-1")

	first := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
	stranger := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5004}
	sess.handlePacket(marshalPacket(t, 7, 1, 0, make([]byte, 160)), first)
	sess.handlePacket(marshalPacket(t, 8, 2, 0, make([]byte, 160)), stranger)

	if delivered != 1 {
		t.Errorf("stranger packet delivered")
	}
	if got := sess.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestInvalidPacketsDropped(t *testing.T) {
	s := newTestServer(t)
	sess, _ := s.AllocateSession(context.Background(), "call-1")
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}

	sess.handlePacket([]byte{0x80, 0x00}, addr) // short header
	pkt := pionrtp.Packet{Header: pionrtp.Header{Version: 2, PayloadType: 96, SSRC: 9}}
	raw, _ := pkt.Marshal()
	sess.handlePacket(raw, addr) // dynamic payload type not in our set

	if got := sess.Stats().Dropped; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestSendSeedsFromInbound(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := s.AllocateSession(ctx, "call-1")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}

	// Peer socket plays the part of the switch.
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()

	sess.handlePacket(marshalPacket(t, 0x1234, 500, 80000, make([]byte, 160)),
		peer.LocalAddr().(*net.UDPAddr))

	if !sess.SendAudio(make([]byte, 160)) {
		t.Fatal("SendAudio returned false")
	}
	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	var got pionrtp.Packet
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SequenceNumber != 501 {
		t.Errorf("seq = %d, want 501 (inbound+1)", got.SequenceNumber)
	}
	if got.Timestamp != 80000+SamplesPerPacket {
		t.Errorf("ts = %d, want %d", got.Timestamp, 80000+SamplesPerPacket)
	}
	if got.SSRC != 0x1234^0xFFFFFFFF {
		t.Errorf("ssrc = %#x", got.SSRC)
	}
}

func TestSendBeforeRemoteKnown(t *testing.T) {
	s := newTestServer(t)
	sess, _ := s.AllocateSession(context.Background(), "call-1")
	if sess.SendAudio(make([]byte, 160)) {
		t.Error("SendAudio should fail before the remote endpoint is learned")
	}
}

func TestPortExhaustion(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", PortMin: 40200, PortMax: 40201, PayloadType: PayloadTypeULaw}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for i, id := range []string{"a", "b"} {
		if _, err := s.AllocateSession(ctx, id); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := s.AllocateSession(ctx, "c"); err == nil {
		t.Error("third allocation should fail")
	}
	s.Release("a")
	if _, err := s.AllocateSession(ctx, "d"); err != nil {
		t.Errorf("allocation after release failed: %v", err)
	}
}

func TestAllocateIdempotent(t *testing.T) {
	s := newTestServer(t)
	a, _ := s.AllocateSession(context.Background(), "call-1")
	b, _ := s.AllocateSession(context.Background(), "call-1")
	if a != b {
		t.Error("second allocation for same call returned a different session")
	}
	if s.ActiveSessions() != 1 {
		t.Errorf("ActiveSessions = %d, want 1", s.ActiveSessions())
	}
}
