// Package streaming implements the outbound playback manager: provider audio
// is queued into a per-call jitter buffer, gated behind an adaptive warm-up,
// and paced onto the transport at the 20 ms telephony cadence, with underflow
// filler, keepalive supervision, and graceful fallback to file playback.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/observe"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

// PlaybackType classifies an outbound segment for warm-up tuning.
type PlaybackType string

const (
	PlaybackGreeting PlaybackType = "greeting"
	PlaybackResponse PlaybackType = "response"
	PlaybackFallback PlaybackType = "fallback"
)

// State is the segment lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateWarming      State = "warming"
	StateStreaming    State = "streaming"
	StateTailFlushing State = "tail_flushing"
	StateEnded        State = "ended"
)

// End reasons recorded on segment completion.
const (
	ReasonEndOfStream      = "end-of-stream"
	ReasonStopped          = "stopped"
	ReasonTransportFailure = "transport-failure"
	ReasonKeepaliveTimeout = "keepalive-timeout"
)

// ErrGated is returned by Start when another stream holds the call's gating
// token.
var ErrGated = errors.New("streaming: playback gate held by another stream")

// SendFunc delivers one wire frame for the call. It returns false on
// transport failure, which ends the segment via the fallback path.
type SendFunc func(callID string, frame []byte) bool

// Coordinator mediates the per-call gating token.
type Coordinator interface {
	OnTTSStart(callID, streamID string) bool
	OnTTSEnd(callID, streamID, reason string)
}

// Fallback plays normalized µ-law@8k audio through the switch when live
// streaming is unavailable.
type Fallback interface {
	PlayAudio(ctx context.Context, callID, channelID string, mulaw []byte, source string) (string, error)
}

// StartParams describe one outbound segment.
type StartParams struct {
	CallID    string
	ChannelID string

	// Chunks is the provider audio. A nil chunk or channel close is the
	// end-of-stream sentinel.
	Chunks <-chan []byte

	Type PlaybackType

	// Source is the provider output format, Target the transport format.
	Source audio.Format
	Target audio.Format

	// Send delivers frames on the transport.
	Send SendFunc

	// PadTail zero-pads the final partial frame to a full frame
	// (AudioSocket requires whole frames; RTP does not).
	PadTail bool
}

// Manager runs the per-call outbound streams.
type Manager struct {
	cfg      config.StreamingConfig
	coord    Coordinator
	fallback Fallback
	store    *session.Store
	met      *observe.Metrics
	log      *slog.Logger

	mu              sync.Mutex
	streams         map[string]*stream
	lastSegmentEnd  map[string]time.Time
	firstSendLogged map[string]bool
}

// NewManager creates a streaming manager.
func NewManager(cfg config.StreamingConfig, coord Coordinator, fb Fallback, store *session.Store, met *observe.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:             cfg,
		coord:           coord,
		fallback:        fb,
		store:           store,
		met:             met,
		log:             log,
		streams:         make(map[string]*stream),
		lastSegmentEnd:  make(map[string]time.Time),
		firstSendLogged: make(map[string]bool),
	}
}

// Start begins streaming playback for the call. It is idempotent while a
// stream is active for the call (the existing stream id is returned). It
// returns [ErrGated] only on gating-token contention.
func (m *Manager) Start(ctx context.Context, p StartParams) (string, error) {
	if p.Chunks == nil || p.Send == nil {
		return "", errors.New("streaming: chunks and send are required")
	}
	if p.Type == "" {
		p.Type = PlaybackResponse
	}

	m.mu.Lock()
	if cur, ok := m.streams[p.CallID]; ok {
		m.mu.Unlock()
		return cur.id, nil
	}
	var gap time.Duration
	if end, ok := m.lastSegmentEnd[p.CallID]; ok {
		gap = time.Since(end)
	}
	m.mu.Unlock()

	id := fmt.Sprintf("stream:%s:%s:%d", p.Type, p.CallID, time.Now().UnixMilli())
	if !m.coord.OnTTSStart(p.CallID, id) {
		return "", ErrGated
	}

	tun := computeTuning(m.cfg, p.Type, gap)
	if tun.clamped {
		m.log.Warn("warm-up depth clamped to jitter buffer",
			"call_id", p.CallID, "min_start_chunks", tun.minStart, "jitter_chunks", tun.jitterChunks)
	}

	s := newStream(id, p, m, tun)
	s.ctx, s.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	if cur, ok := m.streams[p.CallID]; ok {
		m.mu.Unlock()
		s.cancel()
		m.coord.OnTTSEnd(p.CallID, id, "superseded")
		return cur.id, nil
	}
	m.streams[p.CallID] = s
	m.mu.Unlock()

	m.met.StreamingActive.Add(ctx, 1)
	m.log.Info("streaming playback started",
		"call_id", p.CallID, "stream_id", id, "type", string(p.Type),
		"source", p.Source.String(), "target", p.Target.String(),
		"min_start_chunks", tun.minStart, "low_watermark_chunks", tun.lowWatermark,
		"jitter_chunks", tun.jitterChunks, "back_to_back", tun.startupReady)

	go s.run()
	return id, nil
}

// Stop ends the call's active stream, if any, and waits for the pacer to
// exit (bounded by one chunk duration plus scheduling slack). Returns true
// when a stream was stopped.
func (m *Manager) Stop(callID, reason string) bool {
	m.mu.Lock()
	s, ok := m.streams[callID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.stop(reason)
	select {
	case <-s.done:
	case <-time.After(time.Duration(m.cfg.ChunkSizeMs)*time.Millisecond + 50*time.Millisecond):
	}
	return true
}

// Active reports whether the call has a live stream.
func (m *Manager) Active(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[callID]
	return ok
}

// StreamID returns the active stream id for the call, or "".
func (m *Manager) StreamID(callID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[callID]; ok {
		return s.id
	}
	return ""
}

// Forget drops per-call warm-up history. Call on StasisEnd.
func (m *Manager) Forget(callID string) {
	m.mu.Lock()
	delete(m.lastSegmentEnd, callID)
	delete(m.firstSendLogged, callID)
	m.mu.Unlock()
}

// finish is called by the stream once it has fully ended.
func (m *Manager) finish(s *stream, reason string) {
	m.mu.Lock()
	if m.streams[s.p.CallID] == s {
		delete(m.streams, s.p.CallID)
	}
	m.lastSegmentEnd[s.p.CallID] = time.Now()
	m.mu.Unlock()

	m.coord.OnTTSEnd(s.p.CallID, s.id, reason)
	m.met.StreamingActive.Add(context.Background(), -1)

	wall := time.Since(s.start)
	m.met.SegmentDuration.Record(context.Background(), wall.Seconds(), s.histAttrs)

	effective := time.Duration(s.framesSent*int64(m.cfg.ChunkSizeMs)) * time.Millisecond
	var driftPct float64
	if wall > 0 {
		driftPct = (wall - effective).Seconds() / wall.Seconds() * 100
	}
	m.log.Info("streaming playback ended",
		"call_id", s.p.CallID, "stream_id", s.id, "reason", reason,
		"tx_bytes", s.txBytes, "frames_sent", s.framesSent,
		"underflow_events", s.underflows, "filler_bytes", s.fillerBytes,
		"provider_bytes", s.providerBytes.Load(),
		"effective", effective, "wall", wall.Round(time.Millisecond),
		"drift_pct", fmt.Sprintf("%.1f", driftPct))

	if m.store != nil {
		_ = m.store.Update(s.p.CallID, func(cs *session.CallSession) {
			cs.Streaming.BytesSent += s.txBytes
			cs.Streaming.UnderflowEvents += s.underflows
			if reason != ReasonEndOfStream && reason != ReasonStopped {
				cs.Streaming.LastStreamingError = reason
			}
		})
	}
}

// logFirstSend logs the first frame of the first segment per call once.
func (m *Manager) logFirstSend(callID, streamID string, latency time.Duration) {
	m.mu.Lock()
	logged := m.firstSendLogged[callID]
	m.firstSendLogged[callID] = true
	m.mu.Unlock()
	if !logged {
		m.log.Info("first frame on the wire",
			"call_id", callID, "stream_id", streamID, "warmup", latency.Round(time.Millisecond))
	}
}
