package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dump accumulates the model's PCM output for one session and writes it
// out as a WAV file for offline inspection. A nil *Dump is a no-op, so
// callers can leave capture disabled without branching.
type Dump struct {
	mu         sync.Mutex
	dir        string
	sessionID  string
	sampleRate int
	pcm        []byte
}

func NewDump(dir, sessionID string, sampleRate int) *Dump {
	if dir == "" {
		return nil
	}
	return &Dump{dir: dir, sessionID: sessionID, sampleRate: sampleRate}
}

func (d *Dump) Append(pcm []byte) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.pcm = append(d.pcm, pcm...)
	d.mu.Unlock()
}

// Flush writes the captured audio and returns the file path. Nothing is
// written when no audio was captured.
func (d *Dump) Flush() (string, error) {
	if d == nil {
		return "", nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pcm) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s_%d.wav", d.sessionID, time.Now().Unix()))
	if err := WriteWAVPCM16LEFile(path, d.pcm, d.sampleRate); err != nil {
		return "", err
	}
	d.pcm = nil
	return path, nil
}
