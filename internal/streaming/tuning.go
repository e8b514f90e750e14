package streaming

import (
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
)

// resumeFloorMs is the minimum warm-up for back-to-back resumed segments.
const resumeFloorMs = 160

// rebuildWaitCap bounds how long the pacer waits for the jitter buffer to
// refill after running truly empty.
const rebuildWaitCap = 60 * time.Millisecond

// tuning holds the per-segment thresholds, in whole chunks of chunk_size_ms.
type tuning struct {
	jitterChunks int
	minStart     int
	lowWatermark int

	// rebuildWait is min(60 ms, provider grace).
	rebuildWait time.Duration

	// graceCapped is set when the configured grace exceeded the rebuild cap;
	// the pacer logs this once per segment.
	graceCapped bool

	// startupReady is set when the segment resumes back-to-back (gap since
	// the previous segment end within the provider grace) and may skip
	// warm-up entirely.
	startupReady bool

	// clamped is set when min_start had to be reduced to fit the jitter
	// buffer.
	clamped bool
}

// computeTuning derives the segment thresholds from configuration, the
// playback type, and the gap since the previous segment ended on this call
// (zero when there was no previous segment).
func computeTuning(cfg config.StreamingConfig, typ PlaybackType, gap time.Duration) tuning {
	chunkMs := cfg.ChunkSizeMs
	grace := time.Duration(cfg.ProviderGraceMs) * time.Millisecond

	var t tuning
	t.jitterChunks = cfg.JitterBufferMs / chunkMs
	if t.jitterChunks < 2 {
		t.jitterChunks = 2
	}

	// Adaptive warm-up depth in milliseconds.
	var adaptiveMs int
	switch {
	case typ == PlaybackGreeting:
		adaptiveMs = cfg.GreetingMinStartMs
	case gap > 0 && gap <= grace:
		adaptiveMs = max(80, cfg.MinStartMs/2)
		if adaptiveMs < resumeFloorMs {
			adaptiveMs = resumeFloorMs
		}
		t.startupReady = true
	default:
		adaptiveMs = max(cfg.MinStartMs, 400)
	}

	t.minStart = (adaptiveMs + chunkMs - 1) / chunkMs
	if t.minStart > t.jitterChunks-1 {
		t.minStart = t.jitterChunks - 1
		t.clamped = true
	}
	if t.minStart < 1 {
		t.minStart = 1
	}

	// Low watermark: the configured value acts as a floor at 2/3 of the
	// warm-up depth, bounded by the warm-up depth and half the buffer.
	lw := cfg.LowWatermarkMs / chunkMs
	lw = min(lw, t.minStart-1, t.jitterChunks/2)
	if floor := (2*t.minStart + 2) / 3; lw < floor {
		lw = floor
	}
	t.lowWatermark = lw

	t.rebuildWait = grace
	if t.rebuildWait > rebuildWaitCap {
		t.rebuildWait = rebuildWaitCap
		t.graceCapped = true
	}

	return t
}
