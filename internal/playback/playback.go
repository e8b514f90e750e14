// Package playback implements file-based playback through the switch: audio
// is written to the shared media directory and played via ARI. It is the
// fallback path when live streaming is unavailable or has failed mid-segment.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
)

// ErrorClass categorizes playback failures for logging and fallback
// decisions.
type ErrorClass string

const (
	ErrPermission ErrorClass = "permission"
	ErrNotFound   ErrorClass = "not-found"
	ErrARI        ErrorClass = "ari-error"
	ErrTimeout    ErrorClass = "timeout"
)

// Error is a classified playback failure.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// cleanupGrace bounds how long a fallback file may outlive its playback when
// no PlaybackFinished event arrives.
const cleanupGrace = 60 * time.Second

// Player is the subset of the ARI client the manager uses.
type Player interface {
	Play(ctx context.Context, channelID, media string) (*ari.Playback, error)
	StopPlayback(ctx context.Context, playbackID string) error
}

// Manager writes audio files into the media directory and plays them through
// ARI. Files are deleted on PlaybackFinished or after a bounded grace.
type Manager struct {
	client   Player
	mediaDir string
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingFile // playback id -> file
}

type pendingFile struct {
	path  string
	timer *time.Timer
}

// NewManager creates a playback manager writing into mediaDir. The directory
// must be readable by the switch as part of its sounds path.
func NewManager(client Player, mediaDir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client:   client,
		mediaDir: mediaDir,
		log:      log,
		pending:  make(map[string]*pendingFile),
	}
}

// FallbackFileName returns the canonical fallback file name for the call.
func FallbackFileName(callID string, now time.Time) string {
	return fmt.Sprintf("streaming-fallback-%s-%d.ulaw", callID, now.UnixMilli())
}

// PlayAudio writes mulaw (µ-law@8k) to the media directory and starts
// playback on the channel. Returns the ARI playback id. The file is deleted
// when [Manager.OnPlaybackFinished] fires for that id, or after 60 seconds.
func (m *Manager) PlayAudio(ctx context.Context, callID, channelID string, mulaw []byte, source string) (string, error) {
	if len(mulaw) == 0 {
		return "", &Error{Class: ErrNotFound, Err: errors.New("no audio to play")}
	}

	name := FallbackFileName(callID, time.Now())
	path := filepath.Join(m.mediaDir, name)

	if err := os.MkdirAll(m.mediaDir, 0o755); err != nil {
		return "", classifyFSError(err)
	}
	if err := os.WriteFile(path, mulaw, 0o644); err != nil {
		return "", classifyFSError(err)
	}

	// Asterisk resolves "sound:" media without the codec extension.
	media := "sound:" + strings.TrimSuffix(name, ".ulaw")
	pb, err := m.client.Play(ctx, channelID, media)
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Class: ErrTimeout, Err: err}
		}
		return "", &Error{Class: ErrARI, Err: err}
	}

	m.log.Info("fallback playback started",
		"call_id", callID, "playback_id", pb.ID, "bytes", len(mulaw), "source", source)

	m.mu.Lock()
	m.pending[pb.ID] = &pendingFile{
		path: path,
		timer: time.AfterFunc(cleanupGrace, func() {
			m.removeFile(pb.ID, "grace-expired")
		}),
	}
	m.mu.Unlock()

	return pb.ID, nil
}

// OnPlaybackFinished deletes the backing file for the finished playback.
// Unknown playback ids are ignored (not every playback is a fallback file).
func (m *Manager) OnPlaybackFinished(playbackID string) {
	m.removeFile(playbackID, "playback-finished")
}

// Stop aborts an in-progress fallback playback and deletes its file.
func (m *Manager) Stop(ctx context.Context, playbackID string) error {
	err := m.client.StopPlayback(ctx, playbackID)
	m.removeFile(playbackID, "stopped")
	return err
}

// PendingCount reports how many fallback files await cleanup.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) removeFile(playbackID, reason string) {
	m.mu.Lock()
	pf, ok := m.pending[playbackID]
	if ok {
		delete(m.pending, playbackID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pf.timer.Stop()
	if err := os.Remove(pf.path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("fallback file cleanup failed", "path", pf.path, "err", err)
		return
	}
	m.log.Debug("fallback file removed", "path", pf.path, "reason", reason)
}

func classifyFSError(err error) error {
	switch {
	case os.IsPermission(err):
		return &Error{Class: ErrPermission, Err: err}
	case os.IsNotExist(err):
		return &Error{Class: ErrNotFound, Err: err}
	default:
		return &Error{Class: ErrARI, Err: err}
	}
}
