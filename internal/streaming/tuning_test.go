package streaming

import (
	"testing"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
)

func baseCfg() config.StreamingConfig {
	return config.StreamingConfig{
		SampleRate:          8000,
		JitterBufferMs:      300,
		ChunkSizeMs:         20,
		MinStartMs:          200,
		GreetingMinStartMs:  120,
		LowWatermarkMs:      100,
		ProviderGraceMs:     250,
		FallbackTimeoutMs:   4000,
		KeepaliveIntervalMs: 1000,
		ConnectionTimeoutMs: 15000,
		EgressSwapMode:      config.SwapAuto,
	}
}

func TestTuningGreeting(t *testing.T) {
	tun := computeTuning(baseCfg(), PlaybackGreeting, 0)
	if tun.jitterChunks != 15 {
		t.Errorf("jitterChunks = %d, want 15", tun.jitterChunks)
	}
	if tun.minStart != 6 {
		t.Errorf("minStart = %d, want 6 (120ms / 20ms)", tun.minStart)
	}
	if tun.startupReady {
		t.Error("greeting must not skip warm-up")
	}
	if tun.clamped {
		t.Error("greeting warm-up should fit the buffer")
	}
	// Configured 100ms (5 chunks) within [ceil(2/3*6), min(5, 5, 7)].
	if tun.lowWatermark != 5 {
		t.Errorf("lowWatermark = %d, want 5", tun.lowWatermark)
	}
}

func TestTuningBackToBackResume(t *testing.T) {
	tun := computeTuning(baseCfg(), PlaybackResponse, 100*time.Millisecond)
	if !tun.startupReady {
		t.Fatal("gap within grace must set startupReady")
	}
	// max(80, 200/2) = 100, raised to the 160ms resume floor = 8 chunks.
	if tun.minStart != 8 {
		t.Errorf("minStart = %d, want 8", tun.minStart)
	}
}

func TestTuningColdStartRequiresFullWarmup(t *testing.T) {
	tun := computeTuning(baseCfg(), PlaybackResponse, 2*time.Second)
	if tun.startupReady {
		t.Error("gap beyond grace must not skip warm-up")
	}
	// max(200, 400) = 400ms = 20 chunks, clamped to jitterChunks-1 = 14.
	if tun.minStart != 14 {
		t.Errorf("minStart = %d, want 14", tun.minStart)
	}
	if !tun.clamped {
		t.Error("clamp not reported")
	}
}

func TestTuningNoPreviousSegment(t *testing.T) {
	tun := computeTuning(baseCfg(), PlaybackResponse, 0)
	if tun.startupReady {
		t.Error("first segment must warm up")
	}
}

func TestTuningRebuildWaitCap(t *testing.T) {
	tun := computeTuning(baseCfg(), PlaybackResponse, 0)
	if tun.rebuildWait != 60*time.Millisecond {
		t.Errorf("rebuildWait = %v, want 60ms", tun.rebuildWait)
	}
	if !tun.graceCapped {
		t.Error("cap not reported for 250ms grace")
	}

	cfg := baseCfg()
	cfg.ProviderGraceMs = 40
	tun = computeTuning(cfg, PlaybackResponse, 0)
	if tun.rebuildWait != 40*time.Millisecond {
		t.Errorf("rebuildWait = %v, want 40ms", tun.rebuildWait)
	}
	if tun.graceCapped {
		t.Error("cap reported below the threshold")
	}
}

func TestTuningLowWatermarkFloor(t *testing.T) {
	cfg := baseCfg()
	cfg.LowWatermarkMs = 20 // 1 chunk, below the 2/3 floor
	cfg.MinStartMs = 200
	tun := computeTuning(cfg, PlaybackResponse, 0)
	// Cold start: minStart = 14 (clamped); floor = ceil(2/3*14) = 10.
	if tun.lowWatermark != 10 {
		t.Errorf("lowWatermark = %d, want 10", tun.lowWatermark)
	}
}
