// Package access decides whether a viewer may see a protected page, based
// on authentication state and a cached, encrypted role.
package access

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// Role is an access role.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Roles is the set of known roles.
var Roles = []Role{RoleStudent, RoleTeacher, RoleAdmin}

// ErrUnknownRole is returned for role names outside the known set.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole validates name against the known roles.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", ErrUnknownRole
}

// ParseRoles parses a comma separated list, skipping unknown entries.
func ParseRoles(list string) []Role {
	var roles []Role
	for _, part := range strings.Split(list, ",") {
		if r, err := ParseRole(part); err == nil {
			roles = append(roles, r)
		}
	}
	return roles
}

const nonceSize = 24

// RoleCodec encrypts roles for caching on the client with a shared secret.
type RoleCodec struct {
	key [32]byte
}

// NewRoleCodec derives the secretbox key from secret.
func NewRoleCodec(secret string) *RoleCodec {
	return &RoleCodec{key: sha256.Sum256([]byte(secret))}
}

// Encrypt seals role and returns it base64url encoded.
func (c *RoleCodec) Encrypt(role Role) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(role), &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a cached role. Anything that fails to decrypt or does not
// name a known role yields ok == false and is treated as absent.
func (c *RoleCodec) Decrypt(cached string) (Role, bool) {
	if cached == "" {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(cached)
	if err != nil || len(raw) < nonceSize {
		return "", false
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", false
	}

	role, err := ParseRole(string(plain))
	if err != nil {
		return "", false
	}
	return role, true
}
