package directory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// FileDirectory keeps one JSON profile per identity under <dataDir>/profiles.
// Profiles are encrypted at rest using NaCl secretbox when enabled.
type FileDirectory struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte

	// serializes read-modify-write cycles on profile files
	mu sync.Mutex
}

// NewFileDirectory creates a FileDirectory rooted at dataDir.
func NewFileDirectory(dataDir string, encryptionEnabled bool) (*FileDirectory, error) {
	fd := &FileDirectory{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		fd.encryptionKey = deriveKey()
	}

	if err := os.MkdirAll(fd.profilesDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}

	return fd, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted profiles to this specific machine.
func deriveKey() [KeySize]byte {
	var identity strings.Builder

	// Machine ID (Linux specific)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("examguard-v1-salt")

	return sha256.Sum256([]byte(identity.String()))
}

func (fd *FileDirectory) profilesDir() string {
	return filepath.Join(fd.dataDir, "profiles")
}

func (fd *FileDirectory) profilePath(identity string) string {
	filename := identity + ".json"
	if fd.encryptionEnabled {
		filename = identity + ".enc"
	}
	return filepath.Join(fd.profilesDir(), filename)
}

// GetReferenceSignature returns the enrolled signature for identity.
func (fd *FileDirectory) GetReferenceSignature(ctx context.Context, identity string) (recognition.Signature, error) {
	profile, err := fd.GetProfile(ctx, identity)
	if err != nil {
		return recognition.Signature{}, err
	}
	if !profile.Enrolled() {
		return recognition.Signature{}, ErrNotFound
	}
	return *profile.Signature, nil
}

// PutReferenceSignature stores sig as the reference for identity,
// replacing any earlier enrollment.
func (fd *FileDirectory) PutReferenceSignature(ctx context.Context, identity string, sig recognition.Signature) error {
	return fd.update(ctx, identity, func(p *Profile) {
		s := sig
		p.Signature = &s
		p.EnrolledAt = time.Now()
	})
}

// GetRole returns the role recorded for identity.
func (fd *FileDirectory) GetRole(ctx context.Context, identity string) (string, error) {
	profile, err := fd.GetProfile(ctx, identity)
	if err != nil {
		return "", err
	}
	if profile.Role == "" {
		return "", ErrNotFound
	}
	return profile.Role, nil
}

// SetRole records role for identity, creating the profile if needed.
func (fd *FileDirectory) SetRole(ctx context.Context, identity, role string) error {
	return fd.update(ctx, identity, func(p *Profile) {
		p.Role = role
	})
}

// GetProfile loads the full profile for identity.
func (fd *FileDirectory) GetProfile(ctx context.Context, identity string) (*Profile, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.load(identity)
}

// DeleteProfile removes identity's profile.
func (fd *FileDirectory) DeleteProfile(ctx context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()

	if err := os.Remove(fd.profilePath(identity)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: failed to delete profile: %v", ErrStorageAccess, err)
	}

	logging.Component("directory").Infof("Deleted profile for: %s", identity)
	return nil
}

// ListIdentities returns all identities with a stored profile.
func (fd *FileDirectory) ListIdentities(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(fd.profilesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: failed to list profiles: %v", ErrStorageAccess, err)
	}

	ext := ".json"
	if fd.encryptionEnabled {
		ext = ".enc"
	}

	identities := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ext) {
			identities = append(identities, strings.TrimSuffix(name, ext))
		}
	}
	return identities, nil
}

// Ping checks that the profile directory is reachable.
func (fd *FileDirectory) Ping(ctx context.Context) error {
	if _, err := os.Stat(fd.profilesDir()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (fd *FileDirectory) Close() error { return nil }

func (fd *FileDirectory) update(ctx context.Context, identity string, mutate func(*Profile)) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()

	profile, err := fd.load(identity)
	if err == ErrNotFound {
		profile = &Profile{Identity: identity}
	} else if err != nil {
		return err
	}

	mutate(profile)
	profile.UpdatedAt = time.Now()
	return fd.save(profile)
}

// load must be called with fd.mu held.
func (fd *FileDirectory) load(identity string) (*Profile, error) {
	data, err := os.ReadFile(fd.profilePath(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to read profile: %v", ErrStorageAccess, err)
	}

	if fd.encryptionEnabled {
		data, err = fd.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt profile: %w", err)
		}
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &profile, nil
}

// save must be called with fd.mu held. The profile is written to a
// temporary file and renamed so readers never see a partial write.
func (fd *FileDirectory) save(profile *Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if fd.encryptionEnabled {
		data, err = fd.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt profile: %w", err)
		}
	}

	path := fd.profilePath(profile.Identity)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("%w: failed to write profile: %v", ErrStorageAccess, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: failed to write profile: %v", ErrStorageAccess, err)
	}

	logging.Component("directory").Debugf("Saved profile for: %s", profile.Identity)
	return nil
}

func (fd *FileDirectory) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &fd.encryptionKey), nil
}

func (fd *FileDirectory) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fd.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
