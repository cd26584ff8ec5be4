package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrCodeEU/examguard/pkg/recognition"
)

// Memory is a process-local Store. Profiles are lost on restart, so it is
// meant for development and tests.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]Profile)}
}

// GetReferenceSignature returns identity's enrolled signature.
func (m *Memory) GetReferenceSignature(ctx context.Context, identity string) (recognition.Signature, error) {
	p, err := m.GetProfile(ctx, identity)
	if err != nil {
		return recognition.Signature{}, err
	}
	if !p.Enrolled() {
		return recognition.Signature{}, ErrNotFound
	}
	return *p.Signature, nil
}

// PutReferenceSignature stores or replaces identity's reference.
func (m *Memory) PutReferenceSignature(ctx context.Context, identity string, sig recognition.Signature) error {
	return m.update(ctx, identity, func(p *Profile) {
		s := sig
		p.Signature = &s
		p.EnrolledAt = time.Now()
	})
}

// GetRole returns identity's stored role.
func (m *Memory) GetRole(ctx context.Context, identity string) (string, error) {
	p, err := m.GetProfile(ctx, identity)
	if err != nil {
		return "", err
	}
	if p.Role == "" {
		return "", ErrNotFound
	}
	return p.Role, nil
}

// SetRole stores identity's role, keeping any signature.
func (m *Memory) SetRole(ctx context.Context, identity, role string) error {
	return m.update(ctx, identity, func(p *Profile) { p.Role = role })
}

// GetProfile returns a copy of identity's profile.
func (m *Memory) GetProfile(ctx context.Context, identity string) (*Profile, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[identity]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Signature != nil {
		s := *p.Signature
		p.Signature = &s
	}
	return &p, nil
}

// DeleteProfile removes identity's profile.
func (m *Memory) DeleteProfile(ctx context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[identity]; !ok {
		return ErrNotFound
	}
	delete(m.profiles, identity)
	return nil
}

// ListIdentities returns all stored identities, sorted.
func (m *Memory) ListIdentities(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) update(ctx context.Context, identity string, mutate func(*Profile)) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[identity]
	if !ok {
		p = Profile{Identity: identity}
	}
	mutate(&p)
	p.UpdatedAt = time.Now()
	m.profiles[identity] = p
	return nil
}
