package enrollment

import (
	"context"
	"sync"

	"github.com/MrCodeEU/examguard/pkg/recognition"
)

type MockDetector struct {
	DetectSignatureFunc func(ctx context.Context, frame []byte) (recognition.Detection, error)
}

func (m *MockDetector) DetectSignature(ctx context.Context, frame []byte) (recognition.Detection, error) {
	if m.DetectSignatureFunc != nil {
		return m.DetectSignatureFunc(ctx, frame)
	}
	return recognition.Detection{}, nil
}

type MockWriter struct {
	mu     sync.Mutex
	writes map[string][]recognition.Signature
	err    error
}

func (m *MockWriter) PutReferenceSignature(ctx context.Context, identity string, sig recognition.Signature) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writes == nil {
		m.writes = make(map[string][]recognition.Signature)
	}
	m.writes[identity] = append(m.writes[identity], sig)
	return nil
}

func (m *MockWriter) count(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes[identity])
}
