package recognition

import (
	"sync/atomic"

	"github.com/Kagami/go-face"
)

type MockFaceModel struct {
	RecognizeFunc func(data []byte) ([]face.Face, error)
	CloseFunc     func()
	closed        atomic.Bool
}

func (m *MockFaceModel) Recognize(data []byte) ([]face.Face, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(data)
	}
	return nil, nil
}

func (m *MockFaceModel) Close() {
	m.closed.Store(true)
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}
