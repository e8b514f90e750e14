package streaming

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

// tap captures raw audio around the egress conversion for codec debugging.
// Each stream gets two bounded files in the diag directory: the provider
// bytes as received ("pre") and the bytes after conversion ("post").
type tap struct {
	mu   sync.Mutex
	pre  capFile
	post capFile
}

type capFile struct {
	f     *os.File
	limit int
	n     int
}

// newTap opens the capture files. Returns nil when the directory or files
// cannot be created; taps are diagnostics and never fail the stream.
func newTap(dir, streamID string, preSecs, postSecs int, src, dst audio.Format, log *slog.Logger) *tap {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("diag tap dir unavailable", "dir", dir, "err", err)
		return nil
	}
	pre, err := os.Create(filepath.Join(dir, streamID+"-pre.raw"))
	if err != nil {
		log.Warn("diag tap open failed", "err", err)
		return nil
	}
	post, err := os.Create(filepath.Join(dir, streamID+"-post.raw"))
	if err != nil {
		pre.Close()
		log.Warn("diag tap open failed", "err", err)
		return nil
	}
	return &tap{
		pre:  capFile{f: pre, limit: preSecs * audio.FrameBytes(src, time.Second)},
		post: capFile{f: post, limit: postSecs * audio.FrameBytes(dst, time.Second)},
	}
}

func (t *tap) writePre(b []byte) {
	t.mu.Lock()
	t.pre.write(b)
	t.mu.Unlock()
}

func (t *tap) writePost(b []byte) {
	t.mu.Lock()
	t.post.write(b)
	t.mu.Unlock()
}

func (t *tap) close() {
	t.mu.Lock()
	_ = t.pre.f.Close()
	_ = t.post.f.Close()
	t.mu.Unlock()
}

func (c *capFile) write(b []byte) {
	if c.n >= c.limit {
		return
	}
	if rem := c.limit - c.n; len(b) > rem {
		b = b[:rem]
	}
	n, _ := c.f.Write(b)
	c.n += n
}
