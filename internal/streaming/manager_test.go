package streaming

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/observe"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

func fastCfg() config.StreamingConfig {
	return config.StreamingConfig{
		SampleRate:          8000,
		JitterBufferMs:      200,
		ChunkSizeMs:         20,
		MinStartMs:          40,
		GreetingMinStartMs:  40,
		LowWatermarkMs:      20,
		ProviderGraceMs:     40,
		FallbackTimeoutMs:   200,
		KeepaliveIntervalMs: 50,
		ConnectionTimeoutMs: 5000,
		EgressSwapMode:      config.SwapAuto,
	}
}

type fakeCoord struct {
	mu     sync.Mutex
	tokens map[string]string
	deny   bool
	ends   []string
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{tokens: make(map[string]string)}
}

func (c *fakeCoord) OnTTSStart(callID, streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deny {
		return false
	}
	if cur, ok := c.tokens[callID]; ok && cur != streamID {
		return false
	}
	c.tokens[callID] = streamID
	return true
}

func (c *fakeCoord) OnTTSEnd(callID, streamID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens[callID] == streamID {
		delete(c.tokens, callID)
	}
	c.ends = append(c.ends, reason)
}

func (c *fakeCoord) endReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ends...)
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	failAt int // fail on the Nth send (1-based), 0 = never
}

func (fs *frameSink) send(callID string, frame []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failAt > 0 && len(fs.frames)+1 >= fs.failAt {
		return false
	}
	cp := append([]byte(nil), frame...)
	fs.frames = append(fs.frames, cp)
	return true
}

func (fs *frameSink) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.frames)
}

func (fs *frameSink) bytes() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, f := range fs.frames {
		n += len(f)
	}
	return n
}

type fakeFallback struct {
	mu     sync.Mutex
	audio  []byte
	source string
	calls  int
}

func (f *fakeFallback) PlayAudio(ctx context.Context, callID, channelID string, mulaw []byte, source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.audio = append([]byte(nil), mulaw...)
	f.source = source
	return "pb-1", nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestManager(t *testing.T, cfg config.StreamingConfig, fb Fallback) (*Manager, *fakeCoord, *session.Store) {
	t.Helper()
	coord := newFakeCoord()
	store := session.NewStore()
	store.Create("call-1", "chan-1")
	m := NewManager(cfg, coord, fb, store, testMetrics(t), nil)
	return m, coord, store
}

func ulawFormat() audio.Format { return audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000} }

func waitStreamEnd(t *testing.T, m *Manager, callID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Active(callID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream did not end")
}

func TestStreamDeliversAllAudio(t *testing.T) {
	m, coord, store := newTestManager(t, fastCfg(), nil)
	sink := &frameSink{}

	const nChunks = 10
	chunks := make(chan []byte, nChunks)
	for i := 0; i < nChunks; i++ {
		chunk := make([]byte, 160)
		for j := range chunk {
			chunk[j] = byte(0x30 + i)
		}
		chunks <- chunk
	}
	close(chunks)

	start := time.Now()
	id, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", ChannelID: "chan-1",
		Chunks: chunks, Type: PlaybackGreeting,
		Source: ulawFormat(), Target: ulawFormat(),
		Send: sink.send,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(id, "stream:greeting:call-1:") {
		t.Errorf("stream id = %q", id)
	}

	waitStreamEnd(t, m, "call-1")

	if got := sink.count(); got != nChunks {
		t.Errorf("frames sent = %d, want %d", got, nChunks)
	}
	if got := sink.bytes(); got != nChunks*160 {
		t.Errorf("tx bytes = %d, want %d", got, nChunks*160)
	}

	// Warm-up is 40ms (2 chunks); the first frame must be prompt.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("segment took %v", elapsed)
	}

	reasons := coord.endReasons()
	if len(reasons) != 1 || reasons[0] != ReasonEndOfStream {
		t.Errorf("end reasons = %v, want [end-of-stream]", reasons)
	}

	sess, _ := store.Get("call-1")
	if sess.Streaming.BytesSent != int64(nChunks*160) {
		t.Errorf("session BytesSent = %d", sess.Streaming.BytesSent)
	}
	if sess.Streaming.UnderflowEvents != 0 {
		t.Errorf("underflow events = %d, want 0", sess.Streaming.UnderflowEvents)
	}
}

func TestStartIdempotentPerCall(t *testing.T) {
	m, _, _ := newTestManager(t, fastCfg(), nil)
	sink := &frameSink{}
	chunks := make(chan []byte)

	id1, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: chunks,
		Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
	})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: make(chan []byte),
		Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("second start got %q, want existing %q", id2, id1)
	}

	m.Stop("call-1", ReasonStopped)
	close(chunks)
}

func TestStartGatedByCoordinator(t *testing.T) {
	m, coord, _ := newTestManager(t, fastCfg(), nil)
	coord.deny = true

	_, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: make(chan []byte),
		Source: ulawFormat(), Target: ulawFormat(),
		Send: (&frameSink{}).send,
	})
	if !errors.Is(err, ErrGated) {
		t.Errorf("err = %v, want ErrGated", err)
	}
}

func TestStopPreemptsStream(t *testing.T) {
	m, coord, _ := newTestManager(t, fastCfg(), nil)
	sink := &frameSink{}
	chunks := make(chan []byte, 16)
	for i := 0; i < 4; i++ {
		chunks <- make([]byte, 160)
	}

	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: chunks,
		Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
	}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	if !m.Stop("call-1", ReasonStopped) {
		t.Fatal("Stop found no stream")
	}
	if m.Active("call-1") {
		t.Error("stream still active after Stop")
	}
	reasons := coord.endReasons()
	if len(reasons) != 1 || reasons[0] != ReasonStopped {
		t.Errorf("end reasons = %v", reasons)
	}
	if m.Stop("call-1", ReasonStopped) {
		t.Error("second Stop should find nothing")
	}
}

func TestProducerTimeoutTriggersFallback(t *testing.T) {
	cfg := fastCfg()
	cfg.FallbackTimeoutMs = 100
	fb := &fakeFallback{}
	m, _, store := newTestManager(t, cfg, fb)

	// Two chunks arrive, then the provider stalls with audio still queued.
	chunks := make(chan []byte, 2)
	chunks <- make([]byte, 160)
	chunks <- make([]byte, 160)

	// A sink that never drains keeps bytes in the buffer; use a normal sink
	// but a stall long enough that some audio remains is racy, so hold the
	// pacer back with a large warm-up instead.
	cfg2 := cfg
	cfg2.MinStartMs = 160
	m = NewManager(cfg2, newFakeCoord(), fb, store, testMetrics(t), nil)

	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", ChannelID: "chan-1", Chunks: chunks,
		Source: ulawFormat(), Target: ulawFormat(),
		Send: (&frameSink{}).send,
	}); err != nil {
		t.Fatal(err)
	}

	waitStreamEnd(t, m, "call-1")

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fb.calls)
	}
	if len(fb.audio) != 320 {
		t.Errorf("drained fallback audio = %d bytes, want 320", len(fb.audio))
	}

	sess, _ := store.Get("call-1")
	if !strings.HasPrefix(sess.Streaming.LastStreamingError, "timeout>") {
		t.Errorf("last error = %q, want timeout> prefix", sess.Streaming.LastStreamingError)
	}
	if sess.Streaming.FallbackCount != 1 {
		t.Errorf("fallback count = %d", sess.Streaming.FallbackCount)
	}
}

func TestTransportFailureTriggersFallback(t *testing.T) {
	fb := &fakeFallback{}
	m, coord, _ := newTestManager(t, fastCfg(), fb)

	sink := &frameSink{failAt: 3}
	chunks := make(chan []byte, 8)
	for i := 0; i < 8; i++ {
		chunks <- make([]byte, 160)
	}
	close(chunks)

	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", ChannelID: "chan-1", Chunks: chunks,
		Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
	}); err != nil {
		t.Fatal(err)
	}

	waitStreamEnd(t, m, "call-1")

	reasons := coord.endReasons()
	if len(reasons) != 1 || reasons[0] != ReasonTransportFailure {
		t.Errorf("end reasons = %v, want [transport-failure]", reasons)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fb.calls)
	}
}

func TestTailFlushPadsPartialFrame(t *testing.T) {
	m, _, _ := newTestManager(t, fastCfg(), nil)
	sink := &frameSink{}

	chunks := make(chan []byte, 1)
	chunks <- make([]byte, 100) // sub-frame tail
	close(chunks)

	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: chunks,
		Source: ulawFormat(), Target: ulawFormat(),
		Send: sink.send, PadTail: true,
	}); err != nil {
		t.Fatal(err)
	}

	waitStreamEnd(t, m, "call-1")

	if got := sink.count(); got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}
	if got := sink.bytes(); got != 160 {
		t.Errorf("tail frame = %d bytes, want 160 (zero-padded)", got)
	}
}

func TestUnderflowFillerKeepsCadence(t *testing.T) {
	cfg := fastCfg()
	cfg.FallbackTimeoutMs = 2000
	m, _, _ := newTestManager(t, cfg, nil)
	sink := &frameSink{}

	chunks := make(chan []byte, 8)
	for i := 0; i < 3; i++ {
		chunks <- make([]byte, 160)
	}

	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: chunks,
		Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
	}); err != nil {
		t.Fatal(err)
	}

	// Let the buffer run dry, then finish.
	time.Sleep(400 * time.Millisecond)
	close(chunks)
	waitStreamEnd(t, m, "call-1")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) <= 3 {
		t.Fatalf("frames = %d, want filler beyond the 3 real frames", len(sink.frames))
	}
	// Filler frames for µ-law are 0xFF silence.
	last := sink.frames[len(sink.frames)-1]
	if last[0] != 0xFF {
		t.Errorf("filler byte = %#x, want 0xff", last[0])
	}
}

func TestBackToBackSegmentSkipsWarmup(t *testing.T) {
	cfg := fastCfg()
	cfg.MinStartMs = 100
	m, _, _ := newTestManager(t, cfg, nil)
	sink := &frameSink{}

	run := func() {
		chunks := make(chan []byte, 4)
		for i := 0; i < 4; i++ {
			chunks <- make([]byte, 160)
		}
		close(chunks)
		if _, err := m.Start(context.Background(), StartParams{
			CallID: "call-1", Chunks: chunks,
			Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
		}); err != nil {
			t.Fatal(err)
		}
		waitStreamEnd(t, m, "call-1")
	}

	run()
	// Within the 40ms grace the next segment resumes without warm-up.
	start := time.Now()
	run()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resumed segment took %v", elapsed)
	}
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, mtr := range sm.Metrics {
			if mtr.Name == name {
				return mtr
			}
		}
	}
	t.Fatalf("metric %q not recorded", name)
	return metricdata.Metrics{}
}

func attrString(t *testing.T, set attribute.Set, key string) string {
	t.Helper()
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		t.Fatalf("attribute %q missing from %v", key, set.ToSlice())
	}
	return v.AsString()
}

func TestStreamMetricsCarryCallAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewStore()
	store.Create("call-1", "chan-1")
	m := NewManager(fastCfg(), newFakeCoord(), nil, store, met, nil)

	sink := &frameSink{}
	chunks := make(chan []byte, 4)
	for i := 0; i < 4; i++ {
		chunks <- make([]byte, 160)
	}
	close(chunks)
	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: chunks, Type: PlaybackGreeting,
		Source: ulawFormat(), Target: ulawFormat(), Send: sink.send,
	}); err != nil {
		t.Fatal(err)
	}
	waitStreamEnd(t, m, "call-1")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}

	frames := findMetric(t, rm, "ai_agent_stream_frames_sent").Data.(metricdata.Sum[int64])
	if len(frames.DataPoints) != 1 {
		t.Fatalf("frames_sent datapoints = %d, want 1", len(frames.DataPoints))
	}
	if got := attrString(t, frames.DataPoints[0].Attributes, "call_id"); got != "call-1" {
		t.Errorf("frames_sent call_id = %q", got)
	}

	tx := findMetric(t, rm, "ai_agent_stream_tx_bytes").Data.(metricdata.Sum[int64])
	if got := attrString(t, tx.DataPoints[0].Attributes, "call_id"); got != "call-1" {
		t.Errorf("tx_bytes call_id = %q", got)
	}

	first := findMetric(t, rm, "ai_agent_stream_first_frame").Data.(metricdata.Histogram[float64])
	if len(first.DataPoints) != 1 {
		t.Fatalf("first_frame datapoints = %d, want 1", len(first.DataPoints))
	}
	if got := attrString(t, first.DataPoints[0].Attributes, "playback_type"); got != "greeting" {
		t.Errorf("first_frame playback_type = %q", got)
	}
	if got := attrString(t, first.DataPoints[0].Attributes, "call_id"); got != "call-1" {
		t.Errorf("first_frame call_id = %q", got)
	}

	seg := findMetric(t, rm, "ai_agent_stream_segment_duration").Data.(metricdata.Histogram[float64])
	if got := attrString(t, seg.DataPoints[0].Attributes, "playback_type"); got != "greeting" {
		t.Errorf("segment_duration playback_type = %q", got)
	}
}

func TestEndianCorrectionMetricMode(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewStore()
	store.Create("call-1", "chan-1")
	m := NewManager(fastCfg(), newFakeCoord(), nil, store, met, nil)

	// A chunk whose byte-swapped read dominates: the egress probe must latch
	// the swap and count one auto-mode correction.
	chunk := make([]byte, 640)
	for i := 0; i < len(chunk); i += 4 {
		chunk[i], chunk[i+1] = 0x03, 0x00
		chunk[i+2], chunk[i+3] = 0xFD, 0xFF
	}
	chunks := make(chan []byte, 1)
	chunks <- chunk
	close(chunks)

	pcm16 := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	if _, err := m.Start(context.Background(), StartParams{
		CallID: "call-1", Chunks: chunks,
		Source: pcm16, Target: pcm16, Send: (&frameSink{}).send,
	}); err != nil {
		t.Fatal(err)
	}
	waitStreamEnd(t, m, "call-1")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	sum := findMetric(t, rm, "ai_agent_stream_endian_corrections").Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("endian corrections = %+v, want one count", sum.DataPoints)
	}
	if got := attrString(t, sum.DataPoints[0].Attributes, "mode"); got != "auto" {
		t.Errorf("mode = %q, want auto", got)
	}
	if got := attrString(t, sum.DataPoints[0].Attributes, "call_id"); got != "call-1" {
		t.Errorf("call_id = %q", got)
	}
}
