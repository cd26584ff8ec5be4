package verification

import (
	"context"

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

type MockReferences struct {
	GetReferenceSignatureFunc func(ctx context.Context, identity string) (recognition.Signature, error)
}

func (m *MockReferences) GetReferenceSignature(ctx context.Context, identity string) (recognition.Signature, error) {
	if m.GetReferenceSignatureFunc != nil {
		return m.GetReferenceSignatureFunc(ctx, identity)
	}
	return recognition.Signature{}, nil
}
