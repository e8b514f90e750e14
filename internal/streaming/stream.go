package streaming

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/observe"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

// stream is one outbound segment. The producer, pacer, and keepalive
// goroutines are the only writers of its state; counters crossed between
// them are atomic.
type stream struct {
	id  string
	p   StartParams
	m   *Manager
	tun tuning

	frameBytes int
	chunkDur   time.Duration
	fillByte   byte

	proc *processor
	diag *tap

	// Per-call metric attribute sets, built once.
	attrs     metric.MeasurementOption
	histAttrs metric.MeasurementOption

	jitter    chan []byte
	buffered  atomic.Int64
	lastChunk atomic.Int64
	eos       atomic.Bool

	providerBytes atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	failMu     sync.Mutex
	failReason string

	stateVal atomic.Value

	// Pacer-owned.
	remainder   []byte
	txBytes     int64
	framesSent  int64
	underflows  int64
	fillerBytes int64
	start       time.Time
	firstFrame  time.Time
}

func newStream(id string, p StartParams, m *Manager, tun tuning) *stream {
	s := &stream{
		id:         id,
		p:          p,
		m:          m,
		tun:        tun,
		frameBytes: audio.FrameBytes(p.Target, time.Duration(m.cfg.ChunkSizeMs)*time.Millisecond),
		chunkDur:   time.Duration(m.cfg.ChunkSizeMs) * time.Millisecond,
		jitter:     make(chan []byte, tun.jitterChunks),
		done:       make(chan struct{}),
	}
	if p.Target.Encoding == audio.EncodingULaw {
		s.fillByte = 0xFF
	}
	s.attrs = metric.WithAttributes(observe.Attr("call_id", p.CallID))
	s.histAttrs = metric.WithAttributes(
		observe.Attr("call_id", p.CallID),
		observe.Attr("playback_type", string(p.Type)),
	)
	mode := m.cfg.EgressSwapMode
	if mode == "" {
		mode = config.SwapAuto
	}
	s.proc = newProcessor(p.Source, p.Target, m.cfg.EgressSwapMode, func() {
		m.met.EndianCorrections.Add(context.Background(), 1, metric.WithAttributes(
			observe.Attr("call_id", p.CallID),
			observe.Attr("mode", string(mode)),
		))
	}, m.log)
	if m.cfg.DiagEnableTaps {
		s.diag = newTap(m.cfg.DiagOutDir, id, m.cfg.DiagPreSecs, m.cfg.DiagPostSecs,
			p.Source, p.Target, m.log)
	}
	s.stateVal.Store(StateCreated)
	return s
}

// State returns the segment lifecycle state.
func (s *stream) State() State { return s.stateVal.Load().(State) }

func (s *stream) setState(st State) { s.stateVal.Store(st) }

// stop requests segment termination with the given reason.
func (s *stream) stop(reason string) { s.fail(reason) }

// fail records the first termination reason and cancels the segment tasks.
func (s *stream) fail(reason string) {
	s.failMu.Lock()
	if s.failReason == "" {
		s.failReason = reason
	}
	s.failMu.Unlock()
	s.cancel()
}

func (s *stream) failure() string {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failReason
}

func (s *stream) run() {
	defer s.cancel()

	s.start = time.Now()
	s.lastChunk.Store(s.start.UnixNano())
	s.setState(StateWarming)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.producer()
	}()
	go func() {
		defer wg.Done()
		s.keepalive()
	}()

	reason := s.pace()

	s.cancel()
	wg.Wait()
	if s.diag != nil {
		s.diag.close()
	}
	s.setState(StateEnded)
	close(s.done)
	s.m.finish(s, reason)
}

// producer drains provider chunks into the jitter buffer, converting them to
// the target format. A closed channel or nil chunk is end-of-stream; a wait
// longer than the fallback timeout ends the segment via the fallback path.
func (s *stream) producer() {
	timeout := time.Duration(s.m.cfg.FallbackTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.fail("timeout>" + strconv.Itoa(s.m.cfg.FallbackTimeoutMs/1000) + "s")
			return
		case chunk, ok := <-s.p.Chunks:
			if !ok || chunk == nil {
				s.eos.Store(true)
				close(s.jitter)
				return
			}
			s.providerBytes.Add(int64(len(chunk)))
			processed := s.proc.process(chunk)
			if s.diag != nil {
				s.diag.writePre(chunk)
				s.diag.writePost(processed)
			}
			s.lastChunk.Store(time.Now().UnixNano())
			if len(processed) == 0 {
				continue
			}
			s.m.met.StreamingBytes.Add(s.ctx, int64(len(processed)), s.attrs)
			select {
			case s.jitter <- processed:
				s.buffered.Add(int64(len(processed)))
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// keepalive watches chunk liveness until end-of-stream.
func (s *stream) keepalive() {
	interval := time.Duration(s.m.cfg.KeepaliveIntervalMs) * time.Millisecond
	limit := time.Duration(s.m.cfg.ConnectionTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.eos.Load() {
				return
			}
			if s.m.store != nil {
				_ = s.m.store.Update(s.p.CallID, func(cs *session.CallSession) {
					cs.Streaming.KeepaliveSent++
				})
			}
			last := time.Unix(0, s.lastChunk.Load())
			if time.Since(last) > limit {
				s.m.met.RecordKeepaliveTimeout(context.Background(), s.p.CallID)
				if s.m.store != nil {
					_ = s.m.store.Update(s.p.CallID, func(cs *session.CallSession) {
						cs.Streaming.KeepaliveTimeouts++
					})
				}
				s.fail(ReasonKeepaliveTimeout)
				return
			}
		}
	}
}

// pace is the frame clock. It returns the segment end reason.
func (s *stream) pace() string {
	// Warm-up: hold until the buffer reaches the adaptive depth, the
	// producer hits end-of-stream, or the segment resumes back-to-back.
	if !s.tun.startupReady {
		for s.availableFrames() < s.tun.minStart && !s.eos.Load() {
			select {
			case <-s.ctx.Done():
				return s.endFromCancel()
			case <-time.After(2 * time.Millisecond):
			}
		}
	}
	s.setState(StateStreaming)

	ticker := time.NewTicker(s.chunkDur)
	defer ticker.Stop()

	graceWarned := false
	for {
		s.fillRemainder(0)

		switch {
		case len(s.remainder) >= s.frameBytes:
			frame := s.remainder[:s.frameBytes]
			s.remainder = s.remainder[s.frameBytes:]
			s.buffered.Add(int64(-s.frameBytes))
			if !s.sendFrame(frame, false) {
				return s.fallbackAndEnd(ReasonTransportFailure)
			}

		case s.eos.Load() && len(s.jitter) == 0:
			return s.tailFlush()

		default:
			// Empty (or sub-frame) buffer with the producer still live:
			// wait briefly for a rebuild, then fill the cadence.
			if s.tun.graceCapped && !graceWarned {
				s.m.log.Warn("provider grace exceeds rebuild cap, using 60ms",
					"call_id", s.p.CallID, "stream_id", s.id)
				graceWarned = true
			}
			s.fillRemainder(s.tun.rebuildWait)
			if len(s.remainder) >= s.frameBytes || s.eos.Load() {
				// Rebuilt in time (or the producer finished); resolve on
				// the next pass without burning an extra tick.
				continue
			}
			filler := make([]byte, s.frameBytes)
			if s.fillByte != 0 {
				for i := range filler {
					filler[i] = s.fillByte
				}
			}
			if !s.sendFrame(filler, true) {
				return s.fallbackAndEnd(ReasonTransportFailure)
			}
		}

		select {
		case <-s.ctx.Done():
			return s.endFromCancel()
		case <-ticker.C:
		}
	}
}

// availableFrames estimates whole frames ready to send.
func (s *stream) availableFrames() int {
	return int(s.buffered.Load()) / s.frameBytes
}

// fillRemainder moves jitter chunks into the remainder until a full frame is
// available. With block > 0 it waits up to that long for one more chunk.
func (s *stream) fillRemainder(block time.Duration) {
	for len(s.remainder) < s.frameBytes {
		select {
		case chunk, ok := <-s.jitter:
			if !ok {
				return
			}
			s.remainder = append(s.remainder, chunk...)
		default:
			if block <= 0 {
				return
			}
			timer := time.NewTimer(block)
			select {
			case chunk, ok := <-s.jitter:
				timer.Stop()
				if !ok {
					return
				}
				s.remainder = append(s.remainder, chunk...)
			case <-timer.C:
				return
			case <-s.ctx.Done():
				timer.Stop()
				return
			}
			block = 0
		}
	}
}

// sendFrame puts one frame on the wire and updates counters.
func (s *stream) sendFrame(frame []byte, filler bool) bool {
	if !s.p.Send(s.p.CallID, frame) {
		return false
	}
	if s.firstFrame.IsZero() {
		s.firstFrame = time.Now()
		latency := s.firstFrame.Sub(s.start)
		s.m.met.FirstFrameLatency.Record(s.ctx, latency.Seconds(), s.histAttrs)
		s.m.logFirstSend(s.p.CallID, s.id, latency)
	}
	s.framesSent++
	s.txBytes += int64(len(frame))
	s.m.met.StreamFramesSent.Add(s.ctx, 1, s.attrs)
	s.m.met.StreamTxBytes.Add(s.ctx, int64(len(frame)), s.attrs)
	if filler {
		s.underflows++
		s.fillerBytes += int64(len(frame))
		s.m.met.StreamUnderflowEvents.Add(s.ctx, 1, s.attrs)
		s.m.met.StreamFillerBytes.Add(s.ctx, int64(len(frame)), s.attrs)
	}
	return true
}

// tailFlush sends the final partial frame after the capped grace and ends
// the segment cleanly.
func (s *stream) tailFlush() string {
	s.setState(StateTailFlushing)

	select {
	case <-time.After(s.tun.rebuildWait):
	case <-s.ctx.Done():
		return s.endFromCancel()
	}
	s.fillRemainder(0)

	if len(s.remainder) > 0 {
		frame := s.remainder
		if s.p.PadTail && len(frame) < s.frameBytes {
			frame = append(frame, make([]byte, s.frameBytes-len(frame))...)
		}
		s.buffered.Add(int64(-len(s.remainder)))
		s.remainder = nil
		if !s.sendFrame(frame, false) {
			return ReasonTransportFailure
		}
		time.Sleep(s.chunkDur)
	}
	return ReasonEndOfStream
}

// endFromCancel resolves the end reason after a cancellation and runs the
// fallback path for failure reasons.
func (s *stream) endFromCancel() string {
	reason := s.failure()
	switch reason {
	case "", ReasonStopped:
		if reason == "" {
			reason = ReasonStopped
		}
		return reason
	case ReasonKeepaliveTimeout:
		return s.fallbackAndEnd(reason)
	default:
		if len(reason) > 8 && reason[:8] == "timeout>" {
			return s.fallbackAndEnd(reason)
		}
		return reason
	}
}

// fallbackAndEnd drains the buffered audio, converts it to µ-law@8k, and
// hands it to the file playback path.
func (s *stream) fallbackAndEnd(reason string) string {
	s.m.met.RecordFallback(context.Background(), s.p.CallID, reason)
	if s.m.store != nil {
		_ = s.m.store.Update(s.p.CallID, func(cs *session.CallSession) {
			cs.Streaming.FallbackCount++
			cs.Streaming.LastStreamingError = reason
		})
	}

	// Drain whatever is queued.
	drained := s.remainder
	s.remainder = nil
	for {
		select {
		case chunk, ok := <-s.jitter:
			if !ok {
				goto done
			}
			drained = append(drained, chunk...)
		default:
			goto done
		}
	}
done:
	s.buffered.Store(0)

	if len(drained) > 0 && s.m.fallback != nil {
		mulaw := s.proc.toTelephony(drained)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.m.fallback.PlayAudio(ctx, s.p.CallID, s.p.ChannelID, mulaw, fmt.Sprintf("stream-%s", reason)); err != nil {
			s.m.log.Error("fallback playback failed",
				"call_id", s.p.CallID, "stream_id", s.id, "err", err)
		}
	}
	return reason
}
