// Package recognition provides the face signature engine.
// It uses dlib via go-face for face detection, landmark extraction and
// descriptor generation, and owns the lazy one-time model loading.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/Kagami/go-face"
	"golang.org/x/sync/singleflight"

	"github.com/MrCodeEU/examguard/pkg/logging"
)

// Signature is a 128-dimensional face descriptor from dlib.
type Signature = face.Descriptor

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Area returns the number of pixels covered by the box.
func (r Rectangle) Area() int {
	return r.Width * r.Height
}

// Detection is the outcome of looking for a face in one frame.
// Found is false when the frame contains no face; that is a normal
// outcome and not an error.
type Detection struct {
	Found       bool
	Signature   Signature
	BoundingBox Rectangle
	FaceCount   int
}

// ModelFiles are the dlib artifacts that must be present in the model path.
var ModelFiles = []string{
	"mmod_human_face_detector.dat",
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
}

// ErrModelMissing is returned when a model artifact is not on disk.
var ErrModelMissing = errors.New("model artifact missing")

// ErrEmptyFrame is returned when detection is asked to process no data.
var ErrEmptyFrame = errors.New("empty frame")

// ModelLoadError is fatal to an Engine: once returned, the engine stays
// failed and every later Initialize returns the same error.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load face models from %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// DetectionError reports an unexpected processing fault. Callers may retry.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("face detection failed: %v", e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// FaceModel is the subset of the dlib recognizer the engine relies on.
type FaceModel interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// ModelFactory loads a FaceModel from a model directory.
type ModelFactory func(modelPath string) (FaceModel, error)

// State is the engine's model lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Engine turns frames into face signatures.
type Engine struct {
	modelPath string
	factory   ModelFactory
	flight    singleflight.Group

	mu      sync.RWMutex
	state   State
	model   FaceModel
	loadErr error

	// dlib recognizers are not safe for concurrent Recognize calls
	detectMu sync.Mutex
}

// NewEngine creates an engine that loads dlib models from modelPath on first use.
func NewEngine(modelPath string) *Engine {
	return &Engine{
		modelPath: modelPath,
		factory:   loadDlib,
	}
}

// NewEngineWithFactory creates an engine with a custom model loader.
func NewEngineWithFactory(modelPath string, factory ModelFactory) *Engine {
	return &Engine{
		modelPath: modelPath,
		factory:   factory,
	}
}

func loadDlib(modelPath string) (FaceModel, error) {
	if missing := MissingModelFiles(modelPath); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrModelMissing, missing)
	}
	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MissingModelFiles lists the model artifacts not present in dir.
func MissingModelFiles(dir string) []string {
	var missing []string
	for _, name := range ModelFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsInitialized returns true once the models are loaded.
func (e *Engine) IsInitialized() bool {
	return e.State() == StateReady
}

// Initialize loads the models once. Concurrent callers share one load;
// a caller whose ctx ends stops waiting but does not cancel the load.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.RLock()
	state, loadErr := e.state, e.loadErr
	e.mu.RUnlock()

	switch state {
	case StateReady:
		return nil
	case StateFailed:
		return loadErr
	}

	ch := e.flight.DoChan("models", func() (interface{}, error) {
		return nil, e.load()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) load() error {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return nil
	case StateFailed:
		err := e.loadErr
		e.mu.Unlock()
		return err
	}
	e.state = StateInitializing
	e.mu.Unlock()

	log := logging.Component("recognition")
	log.Infof("Loading face recognition models from: %s", e.modelPath)

	model, err := e.factory(e.modelPath)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.state = StateFailed
		e.loadErr = &ModelLoadError{Path: e.modelPath, Err: err}
		log.WithError(err).Error("Face recognition models failed to load")
		return e.loadErr
	}

	e.model = model
	e.state = StateReady
	log.Info("Face recognition models loaded successfully")
	return nil
}

// Close releases the model. A closed engine may be initialized again.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
	if e.state == StateReady {
		e.state = StateUninitialized
	}
	return nil
}

// DetectSignature finds the best single face in frame and returns its
// signature, initializing the models first if needed. When several faces
// are present the largest one wins.
func (e *Engine) DetectSignature(ctx context.Context, frame []byte) (Detection, error) {
	if len(frame) == 0 {
		return Detection{}, &DetectionError{Err: ErrEmptyFrame}
	}

	if err := e.Initialize(ctx); err != nil {
		return Detection{}, err
	}
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	// Close may have raced with us between Initialize and here
	if e.model == nil {
		return Detection{}, &DetectionError{Err: errors.New("engine closed")}
	}

	e.detectMu.Lock()
	faces, err := e.model.Recognize(frame)
	e.detectMu.Unlock()
	if err != nil {
		return Detection{}, &DetectionError{Err: err}
	}

	if len(faces) == 0 {
		logging.Debug("No face detected in frame")
		return Detection{Found: false}, nil
	}

	best := 0
	bestArea := -1
	for i, f := range faces {
		if area := f.Rectangle.Dx() * f.Rectangle.Dy(); area > bestArea {
			best, bestArea = i, area
		}
	}

	f := faces[best]
	logging.Debugf("Detected %d face(s) in frame, using face %d", len(faces), best)
	return Detection{
		Found:     true,
		Signature: f.Descriptor,
		BoundingBox: Rectangle{
			X:      f.Rectangle.Min.X,
			Y:      f.Rectangle.Min.Y,
			Width:  f.Rectangle.Dx(),
			Height: f.Rectangle.Dy(),
		},
		FaceCount: len(faces),
	}, nil
}

// Distance computes the Euclidean distance between two signatures.
// Lower means more similar; dlib faces under ~0.6 are usually the same person.
func Distance(a, b Signature) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// AverageSignature computes the element-wise mean of several signatures.
// This is used to combine multiple enrollment frames into one reference.
func AverageSignature(signatures []Signature) Signature {
	var avg Signature
	if len(signatures) == 0 {
		return avg
	}
	if len(signatures) == 1 {
		return signatures[0]
	}

	for _, s := range signatures {
		for i, v := range s {
			avg[i] += v
		}
	}

	count := float32(len(signatures))
	for i := range avg {
		avg[i] /= count
	}
	return avg
}
