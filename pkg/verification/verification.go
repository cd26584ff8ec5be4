// Package verification compares a freshly captured face against the
// enrolled reference signature for an identity.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
)

// Reason explains why an attempt was not verified.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoFace        Reason = "NO_FACE"
	ReasonNotRecognized Reason = "NOT_RECOGNIZED"
	ReasonCamera        Reason = "CAMERA_ERROR"
	ReasonNotEnrolled   Reason = "NOT_ENROLLED"
	ReasonError         Reason = "ERROR"
)

// User-friendly messages
var reasonMessages = map[Reason]string{
	ReasonNoFace:        "Please position your face in front of the camera",
	ReasonNotRecognized: "Face not recognized",
	ReasonCamera:        "Camera error. Please check your camera connection",
	ReasonNotEnrolled:   "No face data enrolled for this user. Please enroll first",
	ReasonError:         "Verification failed due to an internal error",
}

// Message returns a user-friendly message for a reason.
func Message(r Reason) string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "Verification failed"
}

// ErrNoReferenceEnrolled is returned when the identity has no reference
// signature. It is distinct from a failed match.
var ErrNoReferenceEnrolled = errors.New("no reference signature enrolled")

// Detector turns a frame into a face signature.
type Detector interface {
	DetectSignature(ctx context.Context, frame []byte) (recognition.Detection, error)
}

// ReferenceReader looks up enrolled signatures.
type ReferenceReader interface {
	GetReferenceSignature(ctx context.Context, identity string) (recognition.Signature, error)
}

// Attempt is the record of one verification.
type Attempt struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Signature *recognition.Signature `json:"-"`
	Distance  float64                `json:"distance"`
	Verified  bool                   `json:"verified"`
	Reason    Reason                 `json:"reason,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Evidence  string                 `json:"evidence,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// NewAttempt creates an attempt stamped with a fresh ID and the current time.
func NewAttempt() Attempt {
	return Attempt{ID: uuid.NewString(), Timestamp: time.Now()}
}

// Failed returns an attempt recording a failure with reason and err.
func Failed(reason Reason, err error) Attempt {
	a := NewAttempt()
	a.Reason = reason
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Message returns a user-facing description of the attempt.
func (a Attempt) Message() string {
	if a.Verified {
		return "Verified"
	}
	return Message(a.Reason)
}

// Verifier runs the verification flow.
type Verifier struct {
	detector  Detector
	refs      ReferenceReader
	threshold float64
}

// NewVerifier creates a Verifier. An attempt is verified when the distance
// to the reference is strictly below threshold.
func NewVerifier(detector Detector, refs ReferenceReader, threshold float64) *Verifier {
	return &Verifier{detector: detector, refs: refs, threshold: threshold}
}

// Threshold returns the match threshold in use.
func (v *Verifier) Threshold() float64 {
	return v.threshold
}

// Verify checks frame against identity's reference. An ordinary non-match
// or a frame without a face is reported in the Attempt, not as an error.
func (v *Verifier) Verify(ctx context.Context, identity string, frame []byte) (Attempt, error) {
	start := time.Now()
	log := logging.ForIdentity("verification", identity)

	ref, err := v.refs.GetReferenceSignature(ctx, identity)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Attempt{}, ErrNoReferenceEnrolled
		}
		return Attempt{}, fmt.Errorf("failed to load reference signature: %w", err)
	}

	det, err := v.detector.DetectSignature(ctx, frame)
	if err != nil {
		return Attempt{}, err
	}

	attempt := NewAttempt()
	if !det.Found {
		attempt.Reason = ReasonNoFace
		attempt.Duration = time.Since(start)
		log.Debug("No face in verification frame")
		return attempt, nil
	}

	s := det.Signature
	attempt.Signature = &s
	attempt.Distance = recognition.Distance(ref, det.Signature)
	attempt.Verified = attempt.Distance < v.threshold
	if !attempt.Verified {
		attempt.Reason = ReasonNotRecognized
	}
	attempt.Duration = time.Since(start)

	log.WithFields(logging.Fields{
		"distance":  attempt.Distance,
		"threshold": v.threshold,
		"verified":  attempt.Verified,
	}).Debug("Verification attempt finished")
	return attempt, nil
}
