package access

import (
	"context"
	"errors"

	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/logging"
)

// AuthStatus is the resolution state of authentication.
type AuthStatus int

const (
	AuthPending AuthStatus = iota
	AuthUnauthenticated
	AuthAuthenticated
)

// AuthState describes who is viewing, once known.
type AuthState struct {
	Status   AuthStatus
	Identity string
}

// Decision is the outcome of an access check.
type Decision string

const (
	Pending Decision = "pending"
	Denied  Decision = "denied"
	Granted Decision = "granted"
)

// RoleSource is the authoritative store for roles.
type RoleSource interface {
	GetRole(ctx context.Context, identity string) (string, error)
}

// Gate evaluates access for one navigation.
type Gate struct {
	codec  *RoleCodec
	source RoleSource
}

// NewGate creates a gate. source may be nil, in which case the cached role
// is the only input.
func NewGate(codec *RoleCodec, source RoleSource) *Gate {
	return &Gate{codec: codec, source: source}
}

// CanAccess decides whether auth may view a page restricted to required.
// It never denies while authentication is still resolving. With a role
// source configured the stored role is checked and wins over the cache.
func (g *Gate) CanAccess(ctx context.Context, auth AuthState, cachedRole string, required ...Role) Decision {
	switch auth.Status {
	case AuthPending:
		return Pending
	case AuthAuthenticated:
	default:
		return Denied
	}

	role, ok := g.codec.Decrypt(cachedRole)

	if g.source != nil {
		stored, err := g.source.GetRole(ctx, auth.Identity)
		switch {
		case err == nil:
			r, perr := ParseRole(stored)
			if perr != nil {
				return Denied
			}
			if ok && r != role {
				logging.ForIdentity("access", auth.Identity).WithFields(logging.Fields{
					"cached": string(role),
					"stored": string(r),
				}).Warn("Cached role does not match directory")
			}
			role, ok = r, true
		case errors.Is(err, directory.ErrNotFound):
			return Denied
		default:
			logging.ForIdentity("access", auth.Identity).WithError(err).Warn("Role lookup failed")
			return Denied
		}
	}

	if !ok {
		return Denied
	}
	for _, r := range required {
		if r == role {
			return Granted
		}
	}
	return Denied
}

// RoleFor returns the effective role of identity according to the gate's
// inputs, preferring the role source.
func (g *Gate) RoleFor(ctx context.Context, identity, cachedRole string) (Role, bool) {
	if g.source != nil {
		stored, err := g.source.GetRole(ctx, identity)
		if err != nil {
			return "", false
		}
		r, err := ParseRole(stored)
		return r, err == nil
	}
	return g.codec.Decrypt(cachedRole)
}
