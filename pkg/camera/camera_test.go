package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeJPEG(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestNewFrame(t *testing.T) {
	frame, err := NewFrame(makeJPEG(t, 32, 24, 100))
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	if frame.Width != 32 || frame.Height != 24 {
		t.Errorf("expected 32x24, got %dx%d", frame.Width, frame.Height)
	}
	if frame.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestNewFrame_Rejects(t *testing.T) {
	if _, err := NewFrame(nil); !errors.Is(err, ErrNoFrame) {
		t.Errorf("expected ErrNoFrame for empty data, got %v", err)
	}
	if _, err := NewFrame([]byte("not an image")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat for garbage, got %v", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFrame(buf.Bytes()); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat for png, got %v", err)
	}
}

func TestLatestFrame(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	l := NewLatestFrame(5 * time.Second)
	l.now = func() time.Time { return now }

	if _, err := l.Capture(ctx); !errors.Is(err, ErrNoFrame) {
		t.Errorf("expected ErrNoFrame before any push, got %v", err)
	}

	data := makeJPEG(t, 8, 8, 10)
	if _, err := l.Push(data); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	frame, err := l.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !bytes.Equal(frame.Data, data) {
		t.Error("captured frame does not match pushed data")
	}

	now = now.Add(6 * time.Second)
	if _, err := l.Capture(ctx); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("expected ErrStaleFrame, got %v", err)
	}
}

func TestLatestFrame_NoMaxAge(t *testing.T) {
	l := NewLatestFrame(0)
	start := time.Now()
	l.now = func() time.Time { return start }
	if _, err := l.Push(makeJPEG(t, 4, 4, 0)); err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return start.Add(24 * time.Hour) }
	if _, err := l.Capture(context.Background()); err != nil {
		t.Errorf("expected no staleness check, got %v", err)
	}
}

func TestLatestFrame_PushInvalid(t *testing.T) {
	l := NewLatestFrame(time.Second)
	if _, err := l.Push([]byte("garbage")); err == nil {
		t.Error("expected error for invalid frame")
	}
	if _, err := l.Capture(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Errorf("invalid push must not replace the slot, got %v", err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	a := makeJPEG(t, 4, 4, 10)
	b := makeJPEG(t, 4, 4, 200)
	if err := os.WriteFile(filepath.Join(dir, "001.jpg"), a, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "002.JPEG"), b, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("expected 2 images, got %d", src.Len())
	}

	ctx := context.Background()
	want := [][]byte{a, b, a}
	for i, w := range want {
		frame, err := src.Capture(ctx)
		if err != nil {
			t.Fatalf("capture %d failed: %v", i, err)
		}
		if !bytes.Equal(frame.Data, w) {
			t.Errorf("capture %d returned the wrong image", i)
		}
	}
}

func TestDirSource_Empty(t *testing.T) {
	if _, err := NewDirSource(t.TempDir()); !errors.Is(err, ErrNoFrame) {
		t.Errorf("expected ErrNoFrame for empty directory, got %v", err)
	}
	if _, err := NewDirSource("/nonexistent/frames"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestCapture_CancelledContext(t *testing.T) {
	src, _ := NewFileSource("/does/not/matter.jpg")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Capture(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHub(t *testing.T) {
	h := NewHub(time.Minute)
	a := h.Get("alice")
	if h.Get("alice") != a {
		t.Error("Get should return the same slot for an identity")
	}
	if h.Get("bob") == a {
		t.Error("identities must not share a slot")
	}
	if _, err := a.Push(makeJPEG(t, 4, 4, 1)); err != nil {
		t.Fatal(err)
	}
	h.Drop("alice")
	if _, err := h.Get("alice").Capture(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Errorf("dropped slot should start empty, got %v", err)
	}
}
