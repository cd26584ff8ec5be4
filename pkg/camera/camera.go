// Package camera provides frame sources for enrollment and supervision.
// Frames are JPEG images; capture happens in the test-taker's browser or
// from files on disk, and this package only hands them out when asked.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register the JPEG decoder for DecodeConfig
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Frame represents a single captured frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Source yields a frame when asked.
type Source interface {
	Capture(ctx context.Context) (Frame, error)
}

// ErrNoFrame is returned when no frame is available.
var ErrNoFrame = errors.New("no frame available")

// ErrStaleFrame is returned when the latest frame is older than allowed.
var ErrStaleFrame = errors.New("latest frame is stale")

// ErrUnsupportedFormat is returned for frames that are not JPEG images.
var ErrUnsupportedFormat = errors.New("unsupported frame format, expected jpeg")

// NewFrame validates that data is a JPEG image and wraps it as a Frame.
func NewFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrNoFrame
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if format != "jpeg" {
		return Frame{}, ErrUnsupportedFormat
	}
	return Frame{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Timestamp: time.Now(),
	}, nil
}

// LatestFrame keeps the most recent frame pushed by the hosting page.
// Capture returns that frame as long as it is not older than maxAge.
type LatestFrame struct {
	mu     sync.RWMutex
	frame  Frame
	has    bool
	maxAge time.Duration
	now    func() time.Time
}

// NewLatestFrame creates an empty frame slot. maxAge <= 0 disables the staleness check.
func NewLatestFrame(maxAge time.Duration) *LatestFrame {
	return &LatestFrame{maxAge: maxAge, now: time.Now}
}

// Push validates data and stores it as the latest frame.
func (l *LatestFrame) Push(data []byte) (Frame, error) {
	frame, err := NewFrame(data)
	if err != nil {
		return Frame{}, err
	}
	frame.Timestamp = l.now()

	l.mu.Lock()
	l.frame = frame
	l.has = true
	l.mu.Unlock()
	return frame, nil
}

// Capture returns the latest frame.
func (l *LatestFrame) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.has {
		return Frame{}, ErrNoFrame
	}
	if l.maxAge > 0 && l.now().Sub(l.frame.Timestamp) > l.maxAge {
		return Frame{}, ErrStaleFrame
	}
	return l.frame, nil
}

// FileSource cycles through still JPEG images on disk.
// It backs the CLI, where a directory of snapshots stands in for a webcam.
type FileSource struct {
	mu    sync.Mutex
	paths []string
	next  int
}

// NewFileSource creates a source from explicit image paths.
func NewFileSource(paths ...string) (*FileSource, error) {
	if len(paths) == 0 {
		return nil, ErrNoFrame
	}
	return &FileSource{paths: paths}, nil
}

// NewDirSource creates a source from all .jpg/.jpeg files in dir, in name order.
func NewDirSource(dir string) (*FileSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	return NewFileSource(paths...)
}

// Capture reads the next image, wrapping around at the end.
func (s *FileSource) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	path := s.paths[s.next]
	s.next = (s.next + 1) % len(s.paths)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read frame %s: %w", path, err)
	}
	return NewFrame(data)
}

// Len returns the number of images the source cycles through.
func (s *FileSource) Len() int {
	return len(s.paths)
}

// Hub holds one LatestFrame per identity, for servers that receive frames
// from many test-takers.
type Hub struct {
	mu     sync.Mutex
	maxAge time.Duration
	frames map[string]*LatestFrame
}

// NewHub creates an empty hub whose slots use maxAge.
func NewHub(maxAge time.Duration) *Hub {
	return &Hub{maxAge: maxAge, frames: make(map[string]*LatestFrame)}
}

// Get returns identity's frame slot, creating it if needed.
func (h *Hub) Get(identity string) *LatestFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.frames[identity]
	if !ok {
		l = NewLatestFrame(h.maxAge)
		h.frames[identity] = l
	}
	return l
}

// Len reports how many identities hold a slot.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// Drop forgets identity's slot.
func (h *Hub) Drop(identity string) {
	h.mu.Lock()
	delete(h.frames, identity)
	h.mu.Unlock()
}
