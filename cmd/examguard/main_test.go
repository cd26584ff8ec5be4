package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/enrollment"
	"github.com/MrCodeEU/examguard/pkg/recognition"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

func TestAttemptExitCode(t *testing.T) {
	tests := []struct {
		name     string
		attempt  verification.Attempt
		expected int
	}{
		{"Verified", verification.Attempt{Verified: true}, 0},
		{"NotRecognized", verification.Attempt{Reason: verification.ReasonNotRecognized}, 1},
		{"NoFace", verification.Attempt{Reason: verification.ReasonNoFace}, 2},
		{"NotEnrolled", verification.Attempt{Reason: verification.ReasonNotEnrolled}, 2},
		{"Camera", verification.Attempt{Reason: verification.ReasonCamera}, 3},
		{"Internal", verification.Attempt{Reason: verification.ReasonError}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := attemptExitCode(tt.attempt); code != tt.expected {
				t.Errorf("attemptExitCode() = %d, want %d", code, tt.expected)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"Nil", nil, 0},
		{"FailedAttempt", &attemptError{attempt: verification.Attempt{Reason: verification.ReasonNoFace}}, 2},
		{"NotEnrolled", verification.ErrNoReferenceEnrolled, 2},
		{"NoFaceOnEnroll", fmt.Errorf("wrapped: %w", enrollment.ErrNoFaceDetected), 2},
		{"ModelLoad", &recognition.ModelLoadError{Path: "/m", Err: recognition.ErrModelMissing}, 3},
		{"Storage", fmt.Errorf("%w: disk full", directory.ErrStorageAccess), 3},
		{"NoFrames", camera.ErrNoFrame, 3},
		{"Compromised", errCompromised, 1},
		{"GenericError", errors.New("some random error"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := exitCode(tt.err); code != tt.expected {
				t.Errorf("exitCode() = %d, want %d", code, tt.expected)
			}
		})
	}
}

func TestDownloadModels_SkipsPresent(t *testing.T) {
	dir := t.TempDir()
	for _, name := range recognition.ModelFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	if err := downloadModels(context.Background(), srv.Client(), srv.URL+"/", dir); err != nil {
		t.Fatalf("downloadModels failed: %v", err)
	}
	if hits != 0 {
		t.Errorf("expected no downloads, got %d requests", hits)
	}
}

func TestDownloadModels_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	err := downloadModels(context.Background(), srv.Client(), srv.URL+"/", dir)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed download left files behind: %v", entries)
	}
}
