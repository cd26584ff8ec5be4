// Package supervision re-verifies a test-taker at a fixed cadence for the
// duration of a test and keeps a running integrity verdict.
package supervision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive is returned by Start while a session is running.
	ErrAlreadyActive = errors.New("supervision already active")
	// ErrNotActive is returned when an operation needs a running session.
	ErrNotActive = errors.New("supervision not active")
	// ErrClosed is returned after the controller has been closed.
	ErrClosed = errors.New("supervision controller closed")
)

// Verifier runs one verification attempt.
type Verifier interface {
	Verify(ctx context.Context, identity string, frame []byte) (verification.Attempt, error)
}

// Reporter receives the session results after every attempt.
type Reporter interface {
	Report(ctx context.Context, results Results) error
}

// EvidenceSink archives the frame of a failed attempt and returns where
// it was stored.
type EvidenceSink interface {
	StoreFrame(ctx context.Context, sessionID, attemptID string, frame []byte) (string, error)
}

// Options configures a Controller.
type Options struct {
	Interval                time.Duration
	ConsecutiveFailureLimit int
	AttemptTimeout          time.Duration
	// MaxIdle ends a session once no frame could be captured for this
	// long. Zero keeps the session running until Stop.
	MaxIdle  time.Duration
	Reporter Reporter
	Evidence EvidenceSink
	// OnExpire is called from the ticker goroutine after an idle session
	// has been stopped.
	OnExpire func(Results)
}

// Session is the aggregate state of one supervised test.
type Session struct {
	ID                  string
	Identity            string
	StartedAt           time.Time
	StoppedAt           time.Time
	LastFrameAt         time.Time
	Attempts            []verification.Attempt
	ConsecutiveFailures int
	Compromised         bool
	Expired             bool
}

// Results is a snapshot of a session for the hosting page and reporting.
type Results struct {
	SessionID           string                 `json:"session_id,omitempty"`
	Identity            string                 `json:"identity,omitempty"`
	State               string                 `json:"state"`
	Verified            bool                   `json:"verified"`
	Compromised         bool                   `json:"compromised"`
	Expired             bool                   `json:"expired,omitempty"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	Attempts            []verification.Attempt `json:"attempts"`
	StartedAt           time.Time              `json:"started_at,omitempty"`
	StoppedAt           time.Time              `json:"stopped_at,omitempty"`
}

// VerificationResponse is returned by VerifyTestIntegrity.
type VerificationResponse struct {
	Verified bool    `json:"verified"`
	Results  Results `json:"results"`
	Error    string  `json:"error,omitempty"`
}

// Controller drives periodic verification for one identity at a time.
// At most one attempt runs at any instant, whether it was started by the
// ticker or by VerifyTestIntegrity.
type Controller struct {
	verifier Verifier
	source   camera.Source
	opts     Options

	// slot is the single-slot in-flight guard
	slot chan struct{}

	mu      sync.Mutex
	state   State
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewController creates an idle controller.
func NewController(verifier Verifier, source camera.Source, opts Options) *Controller {
	if opts.ConsecutiveFailureLimit < 1 {
		opts.ConsecutiveFailureLimit = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	return &Controller{
		verifier: verifier,
		source:   source,
		opts:     opts,
		slot:     make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a new session for identity, ticking every interval
// (the configured interval when interval <= 0). While a session is active
// Start does nothing and returns ErrAlreadyActive. Starting after Stop
// discards the retained session.
func (c *Controller) Start(identity string, interval time.Duration) error {
	if interval <= 0 {
		interval = c.opts.Interval
	}
	if interval <= 0 {
		return errors.New("supervision interval must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state == StateActive {
		return ErrAlreadyActive
	}

	now := time.Now()
	session := &Session{
		ID:          uuid.NewString(),
		Identity:    identity,
		StartedAt:   now,
		LastFrameAt: now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.session = session
	c.state = StateActive
	c.cancel = cancel
	c.done = done

	go c.loop(ctx, session, interval, done)

	logging.ForIdentity("supervision", identity).WithFields(logging.Fields{
		"session":  session.ID,
		"interval": interval.String(),
	}).Info("Supervision started")
	return nil
}

// Stop ends the session. The ticker is cancelled and Stop waits for an
// attempt already in flight; its result is still recorded. The session is
// kept for reading until the next Start.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.state = StateStopped
	c.cancel()
	done := c.done
	session := c.session
	c.mu.Unlock()

	<-done
	results := c.finish(session)
	logging.ForIdentity("supervision", session.Identity).WithFields(logging.Fields{
		"session":     session.ID,
		"attempts":    len(results.Attempts),
		"compromised": results.Compromised,
	}).Info("Supervision stopped")
	return nil
}

// finish waits for an out-of-band attempt, stamps the stop time and
// reports the final results of session. A Start racing with it may already
// have installed a newer session, so c.session is not consulted.
func (c *Controller) finish(session *Session) Results {
	c.slot <- struct{}{}
	<-c.slot

	c.mu.Lock()
	session.StoppedAt = time.Now()
	results := snapshot(session, StateStopped)
	c.mu.Unlock()

	c.report(results)
	return results
}

// expire ends session after it went MaxIdle without a frame. It runs on
// the ticker goroutine, so unlike Stop it does not wait for done.
func (c *Controller) expire(session *Session) {
	c.mu.Lock()
	if c.state != StateActive || c.session != session {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	session.Expired = true
	c.cancel()
	c.mu.Unlock()

	results := c.finish(session)
	logging.ForIdentity("supervision", session.Identity).WithFields(logging.Fields{
		"session":  session.ID,
		"attempts": len(results.Attempts),
		"max_idle": c.opts.MaxIdle.String(),
	}).Info("Supervision expired, no frames received")

	if c.opts.OnExpire != nil {
		c.opts.OnExpire(results)
	}
}

// retire closes the controller unless a session is running. Check and
// close happen under one lock, so a concurrent Start either wins or gets
// ErrClosed.
func (c *Controller) retire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		return false
	}
	c.closed = true
	return true
}

// Close stops any running session and rejects further use.
func (c *Controller) Close() error {
	err := c.Stop()
	if err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// VerifyTestIntegrity runs one attempt immediately, waiting for any
// attempt already in flight, and records it like a tick would.
func (c *Controller) VerifyTestIntegrity(ctx context.Context) (VerificationResponse, error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return VerificationResponse{}, ErrNotActive
	}
	session := c.session
	c.mu.Unlock()

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return VerificationResponse{}, ctx.Err()
	}
	defer func() { <-c.slot }()

	// the session may have been stopped while we waited
	c.mu.Lock()
	active := c.state == StateActive && c.session == session
	c.mu.Unlock()
	if !active {
		return VerificationResponse{}, ErrNotActive
	}

	attempt := c.runAttempt(session)

	resp := VerificationResponse{
		Verified: attempt.Verified,
		Results:  c.Results(),
		Error:    attempt.Error,
	}
	if resp.Error == "" && !attempt.Verified {
		resp.Error = attempt.Message()
	}
	return resp, nil
}

// Results returns a snapshot of the current or retained session.
func (c *Controller) Results() Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Results {
	return snapshot(c.session, c.state)
}

// snapshot copies s; the caller holds c.mu.
func snapshot(s *Session, state State) Results {
	r := Results{State: state.String(), Attempts: []verification.Attempt{}}
	if s == nil {
		return r
	}

	r.SessionID = s.ID
	r.Identity = s.Identity
	r.Compromised = s.Compromised
	r.Expired = s.Expired
	r.ConsecutiveFailures = s.ConsecutiveFailures
	r.StartedAt = s.StartedAt
	r.StoppedAt = s.StoppedAt
	r.Attempts = append(r.Attempts, s.Attempts...)
	if n := len(s.Attempts); n > 0 {
		r.Verified = s.Attempts[n-1].Verified && !s.Compromised
	}
	return r
}

func (c *Controller) loop(ctx context.Context, session *Session, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logging.ForIdentity("supervision", session.Identity)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// cancellation is checked between ticks, never mid-attempt
		if ctx.Err() != nil {
			return
		}

		select {
		case c.slot <- struct{}{}:
		default:
			log.Debug("Attempt in flight, skipping tick")
			continue
		}
		c.runAttempt(session)
		<-c.slot

		if c.opts.MaxIdle > 0 && c.idleFor(session) >= c.opts.MaxIdle {
			c.expire(session)
			return
		}
	}
}

func (c *Controller) idleFor(session *Session) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(session.LastFrameAt)
}

// runAttempt must be called with the slot held.
func (c *Controller) runAttempt(session *Session) verification.Attempt {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AttemptTimeout)
	defer cancel()

	log := logging.ForIdentity("supervision", session.Identity)

	frame, err := c.source.Capture(ctx)
	captured := err == nil
	var attempt verification.Attempt
	switch {
	case !captured:
		log.WithError(err).Warn("Frame capture failed")
		attempt = verification.Failed(verification.ReasonCamera, err)
	default:
		attempt, err = c.verifier.Verify(ctx, session.Identity, frame.Data)
		if err != nil {
			reason := verification.ReasonError
			if errors.Is(err, verification.ErrNoReferenceEnrolled) {
				reason = verification.ReasonNotEnrolled
			}
			log.WithError(err).Warn("Verification attempt errored")
			attempt = verification.Failed(reason, err)
		}
	}

	if !attempt.Verified && c.opts.Evidence != nil && len(frame.Data) > 0 {
		location, err := c.opts.Evidence.StoreFrame(ctx, session.ID, attempt.ID, frame.Data)
		if err != nil {
			log.WithError(err).Warn("Failed to archive evidence frame")
		} else {
			attempt.Evidence = location
		}
	}

	results := c.record(session, attempt, captured)
	c.report(results)
	return attempt
}

func (c *Controller) record(session *Session, attempt verification.Attempt, captured bool) Results {
	c.mu.Lock()
	defer c.mu.Unlock()

	if captured {
		session.LastFrameAt = time.Now()
	}
	session.Attempts = append(session.Attempts, attempt)
	if attempt.Verified {
		session.ConsecutiveFailures = 0
	} else {
		session.ConsecutiveFailures++
		if !session.Compromised && session.ConsecutiveFailures >= c.opts.ConsecutiveFailureLimit {
			session.Compromised = true
			logging.ForIdentity("supervision", session.Identity).WithFields(logging.Fields{
				"session":  session.ID,
				"failures": session.ConsecutiveFailures,
			}).Warn("Session marked compromised")
		}
	}

	if c.session != session {
		// replaced by a newer session, nothing to report
		return Results{}
	}
	return c.snapshotLocked()
}

func (c *Controller) report(results Results) {
	if c.opts.Reporter == nil || results.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.Reporter.Report(ctx, results); err != nil {
		logging.ForIdentity("supervision", results.Identity).WithError(err).Warn("Failed to report results")
	}
}
