package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/MrCodeEU/examguard/pkg/access"
	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/enrollment"
	"github.com/MrCodeEU/examguard/pkg/evidence"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
	"github.com/MrCodeEU/examguard/pkg/reporting"
	"github.com/MrCodeEU/examguard/pkg/supervision"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

// Exit codes:
//
//	0 = verified / success
//	1 = rejected (face not recognized, session compromised, access denied)
//	2 = user-fixable (not enrolled, no face in frame)
//	3 = system error (models, storage, camera)
const (
	exitOK       = 0
	exitRejected = 1
	exitRetry    = 2
	exitSystem   = 3
)

var errCompromised = errors.New("session compromised")

var errAccessDenied = errors.New("access denied")

// attemptError carries a failed attempt out of a command.
type attemptError struct {
	attempt verification.Attempt
}

func (e *attemptError) Error() string {
	return e.attempt.Message()
}

func attemptExitCode(a verification.Attempt) int {
	if a.Verified {
		return exitOK
	}
	switch a.Reason {
	case verification.ReasonNoFace, verification.ReasonNotEnrolled:
		return exitRetry
	case verification.ReasonCamera, verification.ReasonError:
		return exitSystem
	default:
		return exitRejected
	}
}

func exitCode(err error) int {
	var attErr *attemptError
	var loadErr *recognition.ModelLoadError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &attErr):
		return attemptExitCode(attErr.attempt)
	case errors.Is(err, verification.ErrNoReferenceEnrolled), errors.Is(err, enrollment.ErrNoFaceDetected):
		return exitRetry
	case errors.As(err, &loadErr), errors.Is(err, directory.ErrStorageAccess), errors.Is(err, camera.ErrNoFrame):
		return exitSystem
	default:
		return exitRejected
	}
}

func identityArg(args []string, usage string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("identity required\nUsage: %s", usage)
	}
	return args[0], directory.ValidateIdentity(args[0])
}

func cmdEnroll(args []string) error {
	identity, err := identityArg(args, commands["enroll"].Usage)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("image or directory required\nUsage: %s", commands["enroll"].Usage)
	}

	frames, err := readFrames(args[1])
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	fmt.Printf("Enrolling '%s' from %d frame(s)...\n", identity, len(frames))

	enroller := enrollment.NewEnroller(engine, store, cfg.Enrollment.MinFrames)
	var res enrollment.Result
	if len(frames) == 1 {
		res, err = enroller.Enroll(ctx, identity, frames[0])
	} else {
		res, err = enroller.EnrollFrames(ctx, identity, frames)
	}
	if errors.Is(err, enrollment.ErrNoFaceDetected) {
		return fmt.Errorf("%w: please use a well-lit image facing the camera", err)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Enrolled '%s' using %d frame(s).\n", identity, res.FramesUsed)
	return nil
}

// readFrames loads a single JPEG or every JPEG in a directory.
func readFrames(path string) ([][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var src *camera.FileSource
	if info.IsDir() {
		src, err = camera.NewDirSource(path)
	} else {
		src, err = camera.NewFileSource(path)
	}
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, src.Len())
	for i := 0; i < src.Len(); i++ {
		f, err := src.Capture(context.Background())
		if err != nil {
			return nil, err
		}
		frames = append(frames, f.Data)
	}
	return frames, nil
}

func cmdVerify(args []string) error {
	identity, err := identityArg(args, commands["verify"].Usage)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("image required\nUsage: %s", commands["verify"].Usage)
	}

	frames, err := readFrames(args[1])
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	verifier := verification.NewVerifier(engine, store, cfg.Recognition.MatchThreshold)
	attempt, err := verifier.Verify(ctx, identity, frames[0])
	if err != nil {
		return err
	}

	if !attempt.Verified {
		fmt.Printf("Not verified: %s (distance %.3f, threshold %.2f)\n", attempt.Message(), attempt.Distance, verifier.Threshold())
		return &attemptError{attempt: attempt}
	}
	fmt.Printf("Verified '%s' (distance %.3f, threshold %.2f)\n", identity, attempt.Distance, verifier.Threshold())
	return nil
}

func cmdSupervise(args []string) error {
	fs := flag.NewFlagSet("supervise", flag.ContinueOnError)
	interval := fs.Duration("interval", cfg.Supervision.Interval(), "Time between verification attempts")
	duration := fs.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()

	identity, err := identityArg(rest, commands["supervise"].Usage)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("frame directory required\nUsage: %s", commands["supervise"].Usage)
	}

	source, err := camera.NewDirSource(rest[1])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Initialize(ctx); err != nil {
		return err
	}

	reporters := reporting.Multi{reporting.LogReporter{}}
	if cfg.Reporting.RedisAddr != "" {
		redisReporter := reporting.NewRedisReporter(cfg.Reporting)
		defer redisReporter.Close()
		reporters = append(reporters, redisReporter)
	}

	opts := supervision.Options{
		Interval:                *interval,
		ConsecutiveFailureLimit: cfg.Supervision.ConsecutiveFailureLimit,
		AttemptTimeout:          cfg.Supervision.AttemptTimeoutDuration(),
		MaxIdle:                 cfg.Supervision.MaxIdleDuration(),
		Reporter:                reporters,
	}
	expired := make(chan struct{})
	opts.OnExpire = func(supervision.Results) { close(expired) }
	if cfg.Evidence.Enabled {
		archive, err := evidence.NewS3Archive(ctx, cfg.Evidence)
		if err != nil {
			return err
		}
		opts.Evidence = archive
	}

	verifier := verification.NewVerifier(engine, store, cfg.Recognition.MatchThreshold)
	ctrl := supervision.NewController(verifier, source, opts)
	defer ctrl.Close()

	if err := ctrl.Start(identity, *interval); err != nil {
		return err
	}
	fmt.Printf("Supervising '%s' every %s (Ctrl+C to stop)...\n", identity, *interval)

	select {
	case <-ctx.Done():
	case <-expired:
		fmt.Printf("No frames for %s, session expired.\n", cfg.Supervision.MaxIdleDuration())
	}
	if err := ctrl.Stop(); err != nil && !errors.Is(err, supervision.ErrNotActive) {
		return err
	}

	r := ctrl.Results()
	passed := 0
	for _, a := range r.Attempts {
		if a.Verified {
			passed++
		}
	}
	fmt.Printf("\nSession %s: %d attempt(s), %d verified, compromised=%t\n", r.SessionID, len(r.Attempts), passed, r.Compromised)
	if r.Compromised {
		return errCompromised
	}
	return nil
}

func cmdRemove(args []string) error {
	identity, err := identityArg(args, commands["remove"].Usage)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteProfile(ctx, identity); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("identity '%s' has no profile", identity)
		}
		return err
	}

	fmt.Printf("Profile for '%s' has been removed.\n", identity)
	return nil
}

func cmdList(args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.ListIdentities(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No profiles.")
		return nil
	}

	fmt.Println("Profiles:")
	for _, id := range ids {
		p, err := store.GetProfile(ctx, id)
		if err != nil {
			logging.Warnf("Could not load profile %s: %v", id, err)
			continue
		}
		enrolled := "not enrolled"
		if p.Enrolled() {
			enrolled = "enrolled " + p.EnrolledAt.Format(time.RFC3339)
		}
		role := p.Role
		if role == "" {
			role = "-"
		}
		fmt.Printf("  - %-24s %-8s %s\n", id, role, enrolled)
	}
	fmt.Printf("\nTotal: %d profile(s)\n", len(ids))
	return nil
}

func cmdRole(args []string) error {
	usage := commands["role"].Usage
	if len(args) < 3 {
		return fmt.Errorf("not enough arguments\nUsage: %s", usage)
	}
	action, identity := args[0], args[1]
	if err := directory.ValidateIdentity(identity); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	warnInsecureSecrets()
	codec := access.NewRoleCodec(cfg.Access.RoleSecret)
	cache := access.NewFileRoleCache(cfg.Access.RoleCacheFile)

	switch action {
	case "set":
		role, err := access.ParseRole(args[2])
		if err != nil {
			return fmt.Errorf("%w: %s (known: student, teacher, admin)", err, args[2])
		}
		if err := store.SetRole(ctx, identity, string(role)); err != nil {
			return err
		}
		enc, err := codec.Encrypt(role)
		if err != nil {
			return err
		}
		if err := cache.Store(enc); err != nil {
			return err
		}
		fmt.Printf("Role of '%s' set to %s and cached.\n", identity, role)
		return nil

	case "check":
		required := access.ParseRoles(args[2])
		if len(required) == 0 {
			return fmt.Errorf("no known roles in %q", args[2])
		}
		cached, err := cache.Load()
		if err != nil {
			return err
		}
		gate := access.NewGate(codec, store)
		decision := gate.CanAccess(ctx, access.AuthState{Status: access.AuthAuthenticated, Identity: identity}, cached, required...)
		fmt.Printf("Access for '%s' to [%s]: %s\n", identity, args[2], decision)
		if decision != access.Granted {
			return errAccessDenied
		}
		return nil

	default:
		return fmt.Errorf("unknown role action %q\nUsage: %s", action, usage)
	}
}

func cmdToken(args []string) error {
	identity, err := identityArg(args, commands["token"].Usage)
	if err != nil {
		return err
	}

	var role access.Role
	store, err := openStore(context.Background())
	if err != nil {
		return err
	}
	defer store.Close()
	if stored, err := store.GetRole(context.Background(), identity); err == nil {
		role, _ = access.ParseRole(stored)
	}

	warnInsecureSecrets()
	tm := access.NewTokenManager(cfg.Access.JWTSecret, cfg.Access.TokenTTL())
	token, expiresAt, err := tm.GenerateToken(identity, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func warnInsecureSecrets() {
	if insecure := cfg.InsecureSecrets(); len(insecure) > 0 {
		logging.Warn("Using built-in default secrets (" + strings.Join(insecure, ", ") + "); examguardd will refuse them")
	}
}

func cmdConfig(args []string) error {
	logging.Debug("Showing configuration")

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Recognition]")
	fmt.Printf("  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Printf("  Threshold:       %.2f\n", cfg.Recognition.MatchThreshold)
	if missing := recognition.MissingModelFiles(cfg.Recognition.ModelPath); len(missing) > 0 {
		fmt.Printf("  Missing Models:  %s\n", strings.Join(missing, ", "))
	}
	fmt.Println()
	fmt.Println("[Enrollment]")
	fmt.Printf("  Min Frames:      %d\n", cfg.Enrollment.MinFrames)
	fmt.Println()
	fmt.Println("[Supervision]")
	fmt.Printf("  Interval:        %s\n", cfg.Supervision.Interval())
	fmt.Printf("  Failure Limit:   %d consecutive\n", cfg.Supervision.ConsecutiveFailureLimit)
	fmt.Printf("  Attempt Timeout: %s\n", cfg.Supervision.AttemptTimeoutDuration())
	fmt.Printf("  Max Idle:        %s\n", cfg.Supervision.MaxIdleDuration())
	fmt.Println()
	fmt.Println("[Directory]")
	fmt.Printf("  Backend:         %s\n", cfg.Directory.Backend)
	fmt.Printf("  Data Dir:        %s\n", cfg.Directory.DataDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Directory.EncryptionEnabled)
	fmt.Println()
	fmt.Println("[Access]")
	fmt.Printf("  Role Cache:      %s\n", cfg.Access.RoleCacheFile)
	fmt.Printf("  Token TTL:       %s\n", cfg.Access.TokenTTL())
	fmt.Println()
	fmt.Println("[Reporting]")
	fmt.Printf("  Redis:           %s\n", valueOr(cfg.Reporting.RedisAddr, "disabled"))
	fmt.Printf("  Evidence:        %t (%s)\n", cfg.Evidence.Enabled, valueOr(cfg.Evidence.Bucket, "no bucket"))
	fmt.Println()
	fmt.Println("[Server]")
	fmt.Printf("  Address:         %s\n", cfg.Server.Addr())
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", valueOr(cfg.Logging.File, "stderr"))

	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func cmdVersion(args []string) error {
	fmt.Printf("examguard v%s\n", version)
	fmt.Println()
	fmt.Println("Build Information:")
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "enroll":
		fmt.Println("\nWith a directory, every .jpg/.jpeg with a face is averaged into one reference.")
	case "verify", "supervise":
		fmt.Println("\nExit codes: 0 verified, 1 rejected, 2 not enrolled or no face, 3 system error")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/examguard/examguard.yaml")
		fmt.Println("  User:   ~/.config/examguard/examguard.yaml")
		fmt.Println("\nEXAMGUARD_* environment variables override file values.")
	case "download-models":
		fmt.Printf("\nModels: %s\n", strings.Join(recognition.ModelFiles, ", "))
		fmt.Printf("Default target: %s\n", filepath.Clean(cfg.Recognition.ModelPath))
	}

	return nil
}
