// Package directory stores reference face signatures and roles per identity.
// It is the user/profile store the enrollment, verification and access
// flows depend on; backends are an encrypted file store, Postgres and an
// in-memory map.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrCodeEU/examguard/pkg/recognition"
)

// ErrNotFound is returned when an identity has no reference signature or role.
var ErrNotFound = errors.New("not found")

// ErrInvalidIdentity is returned for identities that cannot be used as keys.
var ErrInvalidIdentity = errors.New("invalid identity")

// ErrStorageAccess is returned when storage cannot be accessed.
var ErrStorageAccess = errors.New("failed to access storage")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// Profile is everything the directory knows about one identity.
type Profile struct {
	Identity   string                 `json:"identity"`
	Signature  *recognition.Signature `json:"signature,omitempty"`
	Role       string                 `json:"role,omitempty"`
	EnrolledAt time.Time              `json:"enrolled_at,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Enrolled reports whether the profile carries a reference signature.
func (p *Profile) Enrolled() bool {
	return p != nil && p.Signature != nil
}

// Directory is the contract the face flows and access gate need.
type Directory interface {
	GetReferenceSignature(ctx context.Context, identity string) (recognition.Signature, error)
	PutReferenceSignature(ctx context.Context, identity string, sig recognition.Signature) error
	GetRole(ctx context.Context, identity string) (string, error)
}

// Store extends Directory with the administrative operations used by the
// CLI and the HTTP API.
type Store interface {
	Directory
	SetRole(ctx context.Context, identity, role string) error
	GetProfile(ctx context.Context, identity string) (*Profile, error)
	DeleteProfile(ctx context.Context, identity string) error
	ListIdentities(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ValidateIdentity rejects identities that are empty, too long or could
// escape the profile directory when used as a file name.
func ValidateIdentity(identity string) error {
	if identity == "" || len(identity) > 128 {
		return fmt.Errorf("%w: length must be 1-128", ErrInvalidIdentity)
	}
	if identity == "." || identity == ".." || strings.ContainsAny(identity, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}
