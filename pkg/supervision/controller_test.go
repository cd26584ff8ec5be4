package supervision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

// idleInterval is long enough that no tick fires during a test.
const idleInterval = time.Hour

func newController(v Verifier, opts Options) *Controller {
	if opts.ConsecutiveFailureLimit == 0 {
		opts.ConsecutiveFailureLimit = 3
	}
	opts.AttemptTimeout = time.Second
	return NewController(v, &MockSource{}, opts)
}

func TestController_Lifecycle(t *testing.T) {
	c := newController(&MockVerifier{}, Options{})

	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	if r := c.Results(); r.State != "idle" || r.SessionID != "" {
		t.Errorf("unexpected idle results %+v", r)
	}
	if _, err := c.VerifyTestIntegrity(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive while idle, got %v", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive stopping idle controller, got %v", err)
	}

	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := c.Results().SessionID

	if err := c.Start("u1", idleInterval); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}
	if c.Results().SessionID != first {
		t.Error("second Start must not replace the session")
	}

	if _, err := c.VerifyTestIntegrity(context.Background()); err != nil {
		t.Fatalf("VerifyTestIntegrity failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	r := c.Results()
	if r.State != "stopped" || len(r.Attempts) != 1 || r.StoppedAt.IsZero() {
		t.Errorf("stopped session should be retained, got %+v", r)
	}
	if _, err := c.VerifyTestIntegrity(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive after stop, got %v", err)
	}

	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	r = c.Results()
	if r.SessionID == first || len(r.Attempts) != 0 {
		t.Error("Start after Stop must reset the session")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Start("u1", idleInterval); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestController_ConsecutiveFailureVerdict(t *testing.T) {
	c := newController(scripted(false, false, true, false, false, false), Options{ConsecutiveFailureLimit: 3})
	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	want := []bool{false, false, false, false, false, true}
	for i, compromised := range want {
		resp, err := c.VerifyTestIntegrity(context.Background())
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i+1, err)
		}
		if resp.Results.Compromised != compromised {
			t.Errorf("after attempt %d: compromised=%v, want %v", i+1, resp.Results.Compromised, compromised)
		}
	}

	// sticky for the rest of the session
	resp, _ := c.VerifyTestIntegrity(context.Background())
	if !resp.Verified {
		t.Error("a passing attempt should still report verified")
	}
	if !resp.Results.Compromised || resp.Results.ConsecutiveFailures != 0 {
		t.Errorf("verdict should stay compromised with counter reset, got %+v", resp.Results)
	}
}

func TestController_FailuresCountCaptureAndErrors(t *testing.T) {
	var calls int32
	v := &MockVerifier{VerifyFunc: func(ctx context.Context, id string, frame []byte) (verification.Attempt, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return verification.Attempt{}, verification.ErrNoReferenceEnrolled
		}
		return verification.Attempt{}, errors.New("model exploded")
	}}
	captures := 0
	src := &MockSource{CaptureFunc: func(ctx context.Context) (camera.Frame, error) {
		captures++
		if captures == 3 {
			return camera.Frame{}, camera.ErrStaleFrame
		}
		return camera.Frame{Data: []byte{1}}, nil
	}}
	c := NewController(v, src, Options{ConsecutiveFailureLimit: 3, AttemptTimeout: time.Second})
	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	wantReasons := []verification.Reason{verification.ReasonNotEnrolled, verification.ReasonError, verification.ReasonCamera}
	for i, reason := range wantReasons {
		resp, err := c.VerifyTestIntegrity(context.Background())
		if err != nil {
			t.Fatalf("attempt %d returned error: %v", i+1, err)
		}
		if resp.Verified || resp.Error == "" {
			t.Errorf("attempt %d: expected failure with error text, got %+v", i+1, resp)
		}
		got := resp.Results.Attempts[i].Reason
		if got != reason {
			t.Errorf("attempt %d: reason %q, want %q", i+1, got, reason)
		}
	}
	if !c.Results().Compromised {
		t.Error("three errored attempts should compromise the session")
	}
}

func TestController_TicksRecordAttempts(t *testing.T) {
	rep := &MockReporter{}
	c := newController(&MockVerifier{}, Options{Reporter: rep})
	if err := c.Start("u1", 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Results().Attempts) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("ticker did not produce attempts")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	r := c.Results()
	if !r.Verified || r.Compromised {
		t.Errorf("expected clean verified session, got %+v", r)
	}
	if rep.count() < len(r.Attempts) {
		t.Errorf("expected a report per attempt, got %d reports for %d attempts", rep.count(), len(r.Attempts))
	}
}

func TestController_MutualExclusion(t *testing.T) {
	var inFlight, maxInFlight int32
	v := &MockVerifier{VerifyFunc: func(ctx context.Context, id string, frame []byte) (verification.Attempt, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		a := verification.NewAttempt()
		a.Verified = true
		return a, nil
	}}

	c := newController(v, Options{})
	if err := c.Start("u1", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := c.VerifyTestIntegrity(context.Background()); err != nil {
					t.Errorf("VerifyTestIntegrity failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("observed %d concurrent attempts, want 1", got)
	}
	if n := len(c.Results().Attempts); n < 40 {
		t.Errorf("expected at least 40 attempts, got %d", n)
	}
}

func TestController_StopDrainsInFlightAttempt(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	v := &MockVerifier{VerifyFunc: func(ctx context.Context, id string, frame []byte) (verification.Attempt, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
		}
		a := verification.NewAttempt()
		a.Verified = true
		return a, nil
	}}

	c := newController(v, Options{})
	if err := c.Start("u1", 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		_ = c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight attempt finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the attempt finished")
	}

	if n := len(c.Results().Attempts); n != 1 {
		t.Errorf("expected the drained attempt to be recorded, got %d attempts", n)
	}

	before := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	if after := atomic.LoadInt32(&calls); after != before {
		t.Errorf("ticks continued after Stop: %d -> %d", before, after)
	}
}

func TestController_StopReportsStoppedSessionWhenRestarted(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var blocked int32
	v := &MockVerifier{VerifyFunc: func(ctx context.Context, id string, frame []byte) (verification.Attempt, error) {
		if atomic.CompareAndSwapInt32(&blocked, 0, 1) {
			close(entered)
			<-release
		}
		a := verification.NewAttempt()
		a.Verified = true
		return a, nil
	}}
	rep := &MockReporter{}
	c := newController(v, Options{Reporter: rep})
	defer c.Close()

	if err := c.Start("u1", 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick fired")
	}
	first := c.Results().SessionID

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	waitUntil(t, func() bool { return c.State() == StateStopped })

	// a new session starts while Stop still drains the old attempt
	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	second := c.Results().SessionID
	if second == first {
		t.Fatal("restart should open a new session")
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the attempt finished")
	}

	reports := rep.all()
	if len(reports) == 0 {
		t.Fatal("Stop should report final results")
	}
	final := reports[len(reports)-1]
	if final.SessionID != first {
		t.Errorf("final report belongs to session %s, want stopped session %s", final.SessionID, first)
	}
	if final.State != "stopped" || final.StoppedAt.IsZero() {
		t.Errorf("final report should be a stopped snapshot, got state=%s stopped_at=%v", final.State, final.StoppedAt)
	}
	if len(final.Attempts) != 1 {
		t.Errorf("final report should carry the drained attempt, got %d", len(final.Attempts))
	}
	for _, r := range reports {
		if r.SessionID == second {
			t.Errorf("the running session must not be reported by Stop: %+v", r)
		}
	}

	current := c.Results()
	if current.SessionID != second || current.State != "active" || !current.StoppedAt.IsZero() {
		t.Errorf("new session should be untouched, got %+v", current)
	}
}

func TestController_ExpiresWithoutFrames(t *testing.T) {
	rep := &MockReporter{}
	expired := make(chan Results, 1)
	c := NewController(&MockVerifier{}, noFrames(), Options{
		ConsecutiveFailureLimit: 100,
		AttemptTimeout:          time.Second,
		MaxIdle:                 20 * time.Millisecond,
		Reporter:                rep,
		OnExpire:                func(r Results) { expired <- r },
	})
	defer c.Close()

	if err := c.Start("u1", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	var r Results
	select {
	case r = <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	if r.State != "stopped" || !r.Expired || r.StoppedAt.IsZero() {
		t.Errorf("unexpected expiry results %+v", r)
	}
	if len(r.Attempts) == 0 || r.Attempts[0].Reason != verification.ReasonCamera {
		t.Errorf("expected camera failures before expiry, got %+v", r.Attempts)
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped after expiry, got %s", c.State())
	}
	if last := rep.all(); last[len(last)-1].SessionID != r.SessionID || !last[len(last)-1].Expired {
		t.Error("expiry should publish the final results")
	}

	n := len(c.Results().Attempts)
	time.Sleep(20 * time.Millisecond)
	if after := len(c.Results().Attempts); after != n {
		t.Errorf("ticker kept running after expiry: %d -> %d", n, after)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive after expiry, got %v", err)
	}
	if err := c.Start("u1", idleInterval); err != nil {
		t.Errorf("an expired controller should accept a new session: %v", err)
	}
}

func TestController_FramesKeepSessionAlive(t *testing.T) {
	var expired int32
	c := NewController(&MockVerifier{}, &MockSource{}, Options{
		AttemptTimeout: time.Second,
		MaxIdle:        20 * time.Millisecond,
		OnExpire:       func(Results) { atomic.StoreInt32(&expired, 1) },
	})
	defer c.Close()

	if err := c.Start("u1", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if c.State() != StateActive || atomic.LoadInt32(&expired) != 0 {
		t.Errorf("a session receiving frames must not expire, state %s", c.State())
	}
}

func TestController_VerifyTestIntegrityContextCancelled(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	v := &MockVerifier{VerifyFunc: func(ctx context.Context, id string, frame []byte) (verification.Attempt, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return verification.NewAttempt(), nil
	}}
	c := newController(v, Options{})
	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatal(err)
	}

	go func() { _, _ = c.VerifyTestIntegrity(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.VerifyTestIntegrity(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while slot busy, got %v", err)
	}

	close(release)
	_ = c.Close()
}

func TestController_ArchivesFailedFrames(t *testing.T) {
	ev := &MockEvidence{}
	c := newController(scripted(false, true), Options{Evidence: ev})
	if err := c.Start("u1", idleInterval); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	failed, _ := c.VerifyTestIntegrity(context.Background())
	_, _ = c.VerifyTestIntegrity(context.Background())

	if len(ev.stored) != 1 {
		t.Fatalf("expected one archived frame, got %d", len(ev.stored))
	}
	if failed.Results.Attempts[0].Evidence != ev.stored[0] {
		t.Error("attempt should reference the archived frame")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateIdle: "idle", StateActive: "active", StateStopped: "stopped", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestRegistry(t *testing.T) {
	created := 0
	r := NewRegistry(func(identity string) *Controller {
		created++
		return newController(&MockVerifier{}, Options{})
	})

	a := r.GetOrCreate("alice")
	if r.GetOrCreate("alice") != a || created != 1 {
		t.Error("GetOrCreate should reuse the existing controller")
	}
	r.GetOrCreate("bob")
	if ids := r.Identities(); len(ids) != 2 || ids[0] != "alice" {
		t.Errorf("unexpected identities %v", ids)
	}

	if err := a.Start("alice", idleInterval); err != nil {
		t.Fatal(err)
	}
	r.CloseAll()

	if a.State() != StateStopped {
		t.Errorf("CloseAll should stop running controllers, got %s", a.State())
	}
	if _, ok := r.Get("alice"); ok {
		t.Error("CloseAll should empty the registry")
	}
}

func TestRegistry_Evict(t *testing.T) {
	var dropped []string
	r := NewRegistry(func(identity string) *Controller {
		return newController(&MockVerifier{}, Options{})
	})
	r.OnEvict(func(identity string) { dropped = append(dropped, identity) })

	a := r.GetOrCreate("alice")
	if err := a.Start("alice", idleInterval); err != nil {
		t.Fatal(err)
	}
	if r.Evict("alice", a) {
		t.Error("a running controller must not be evicted")
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if r.Evict("alice", newController(&MockVerifier{}, Options{})) {
		t.Error("only the registered controller may be evicted")
	}
	if !r.Evict("alice", a) {
		t.Fatal("stopped controller should be evicted")
	}

	if _, ok := r.Get("alice"); ok {
		t.Error("evicted controller is still registered")
	}
	if len(dropped) != 1 || dropped[0] != "alice" {
		t.Errorf("eviction hook saw %v", dropped)
	}
	if err := a.Start("alice", idleInterval); !errors.Is(err, ErrClosed) {
		t.Errorf("evicted controller should be closed, got %v", err)
	}
	if r.GetOrCreate("alice") == a {
		t.Error("a fresh controller should replace the evicted one")
	}
	r.CloseAll()
}

func TestRegistry_ExpiredControllersAreEvicted(t *testing.T) {
	evicted := make(chan string, 1)
	var r *Registry
	r = NewRegistry(func(identity string) *Controller {
		var c *Controller
		c = NewController(&MockVerifier{}, noFrames(), Options{
			ConsecutiveFailureLimit: 100,
			AttemptTimeout:          time.Second,
			MaxIdle:                 10 * time.Millisecond,
			OnExpire:                func(Results) { r.Evict(identity, c) },
		})
		return c
	})
	r.OnEvict(func(identity string) { evicted <- identity })
	defer r.CloseAll()

	if err := r.GetOrCreate("alice").Start("alice", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-evicted:
		if id != "alice" {
			t.Errorf("evicted %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle controller was never evicted")
	}
	if ids := r.Identities(); len(ids) != 0 {
		t.Errorf("registry should be empty, got %v", ids)
	}
}
