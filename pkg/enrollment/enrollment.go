// Package enrollment binds a face signature to an identity.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
)

// ErrNoFaceDetected is returned when a frame holds no detectable face.
// The caller should ask the user to re-pose and try again.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrTooFewFrames is returned by EnrollFrames when fewer usable frames than
// the configured minimum were provided.
var ErrTooFewFrames = errors.New("not enough frames with a face")

// Detector turns a frame into a face signature.
type Detector interface {
	DetectSignature(ctx context.Context, frame []byte) (recognition.Detection, error)
}

// SignatureWriter persists reference signatures.
type SignatureWriter interface {
	PutReferenceSignature(ctx context.Context, identity string, sig recognition.Signature) error
}

// Result describes a successful enrollment.
type Result struct {
	Identity   string                `json:"identity"`
	Signature  recognition.Signature `json:"-"`
	FramesUsed int                   `json:"frames_used"`
	FaceCount  int                   `json:"face_count"`
	EnrolledAt time.Time             `json:"enrolled_at"`
}

// Enroller runs the enrollment flow.
type Enroller struct {
	detector  Detector
	store     SignatureWriter
	minFrames int
}

// NewEnroller creates an Enroller. minFrames applies to EnrollFrames only
// and is clamped to at least one.
func NewEnroller(detector Detector, store SignatureWriter, minFrames int) *Enroller {
	if minFrames < 1 {
		minFrames = 1
	}
	return &Enroller{detector: detector, store: store, minFrames: minFrames}
}

// Enroll detects a face in frame and stores its signature as identity's
// reference, replacing any previous one. No retries are attempted.
func (e *Enroller) Enroll(ctx context.Context, identity string, frame []byte) (Result, error) {
	log := logging.ForIdentity("enrollment", identity)

	det, err := e.detector.DetectSignature(ctx, frame)
	if err != nil {
		return Result{}, err
	}
	if !det.Found {
		log.Info("No face in enrollment frame")
		return Result{}, ErrNoFaceDetected
	}

	if err := e.store.PutReferenceSignature(ctx, identity, det.Signature); err != nil {
		return Result{}, fmt.Errorf("failed to store reference signature: %w", err)
	}

	log.WithField("faces", det.FaceCount).Info("Enrolled reference signature")
	return Result{
		Identity:   identity,
		Signature:  det.Signature,
		FramesUsed: 1,
		FaceCount:  det.FaceCount,
		EnrolledAt: time.Now(),
	}, nil
}

// EnrollFrames computes a signature for every frame, averages the ones
// with a face and stores the average with a single write.
func (e *Enroller) EnrollFrames(ctx context.Context, identity string, frames [][]byte) (Result, error) {
	log := logging.ForIdentity("enrollment", identity)

	var (
		signatures []recognition.Signature
		faces      int
	)
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		det, err := e.detector.DetectSignature(ctx, frame)
		if err != nil {
			return Result{}, fmt.Errorf("frame %d: %w", i, err)
		}
		if !det.Found {
			log.Debugf("Frame %d has no face, skipping", i)
			continue
		}
		signatures = append(signatures, det.Signature)
		faces += det.FaceCount
	}

	if len(signatures) == 0 {
		return Result{}, ErrNoFaceDetected
	}
	if len(signatures) < e.minFrames {
		return Result{}, fmt.Errorf("%w: got %d, need %d", ErrTooFewFrames, len(signatures), e.minFrames)
	}

	avg := recognition.AverageSignature(signatures)
	if err := e.store.PutReferenceSignature(ctx, identity, avg); err != nil {
		return Result{}, fmt.Errorf("failed to store reference signature: %w", err)
	}

	log.WithFields(logging.Fields{"frames": len(frames), "used": len(signatures)}).Info("Enrolled averaged reference signature")
	return Result{
		Identity:   identity,
		Signature:  avg,
		FramesUsed: len(signatures),
		FaceCount:  faces,
		EnrolledAt: time.Now(),
	}, nil
}
