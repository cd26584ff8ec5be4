package supervision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

type MockVerifier struct {
	VerifyFunc func(ctx context.Context, identity string, frame []byte) (verification.Attempt, error)
}

func (m *MockVerifier) Verify(ctx context.Context, identity string, frame []byte) (verification.Attempt, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, identity, frame)
	}
	a := verification.NewAttempt()
	a.Verified = true
	return a, nil
}

type MockSource struct {
	CaptureFunc func(ctx context.Context) (camera.Frame, error)
}

func (m *MockSource) Capture(ctx context.Context) (camera.Frame, error) {
	if m.CaptureFunc != nil {
		return m.CaptureFunc(ctx)
	}
	return camera.Frame{Data: []byte{0xff, 0xd8}}, nil
}

type MockReporter struct {
	mu      sync.Mutex
	reports []Results
}

func (m *MockReporter) Report(ctx context.Context, r Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *MockReporter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func (m *MockReporter) all() []Results {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Results(nil), m.reports...)
}

// noFrames is a source that never has a frame to hand out.
func noFrames() *MockSource {
	return &MockSource{CaptureFunc: func(ctx context.Context) (camera.Frame, error) {
		return camera.Frame{}, camera.ErrNoFrame
	}}
}

// waitUntil polls cond until it holds or a second has passed.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

type MockEvidence struct {
	mu     sync.Mutex
	stored []string
}

func (m *MockEvidence) StoreFrame(ctx context.Context, sessionID, attemptID string, frame []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "sessions/" + sessionID + "/" + attemptID + ".jpg"
	m.stored = append(m.stored, key)
	return key, nil
}

// scripted returns a verifier that answers with outcomes in order and
// passes once the script runs out.
func scripted(outcomes ...bool) *MockVerifier {
	var mu sync.Mutex
	i := 0
	return &MockVerifier{VerifyFunc: func(ctx context.Context, identity string, frame []byte) (verification.Attempt, error) {
		mu.Lock()
		defer mu.Unlock()
		a := verification.NewAttempt()
		a.Verified = true
		if i < len(outcomes) {
			a.Verified = outcomes[i]
		}
		if !a.Verified {
			a.Reason = verification.ReasonNotRecognized
		}
		i++
		return a, nil
	}}
}
