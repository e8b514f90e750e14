package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().DefaultProvider != "deepgram" {
		t.Errorf("default_provider = %q", w.Current().DefaultProvider)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, minimalYAML)

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(old, new *Config) {
		reloads.Add(1)
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// The watcher compares mtimes; make sure the rewrite observably differs.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, minimalYAML+"active_pipeline: main\npipelines:\n  main:\n    stt: deepgram_stt\n    llm: openai_llm\n    tts: deepgram_tts\n")
	past := time.Now().Add(-time.Minute)
	_ = os.Chtimes(path, past, past)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reloads.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("watcher never reloaded")
	}
	if w.Current().ActivePipeline != "main" {
		t.Errorf("active_pipeline after reload = %q", w.Current().ActivePipeline)
	}
}

func TestWatcherKeepsOldConfigOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "server:\n  log_level: loud\n")
	past := time.Now().Add(-time.Minute)
	_ = os.Chtimes(path, past, past)

	time.Sleep(100 * time.Millisecond)
	if w.Current().DefaultProvider != "deepgram" {
		t.Error("invalid reload replaced the running config")
	}
}
