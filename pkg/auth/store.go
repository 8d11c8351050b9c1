// Package auth implements the credential store that gates command access,
// plus the reversible single-byte XOR cipher applied to the wire payload.
//
// The password digest is a positional obfuscation, not a cryptographic
// hash, and the cipher is not a security mechanism; both exist for wire
// compatibility with the clients this service was built against.
package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"
)

const (
	// MaxUsers is the fixed capacity of the account table.
	MaxUsers = 5

	// digestSalt is the constant mixed into every digest byte.
	digestSalt = 0x42
)

// ErrTableFull is returned when the account table has no free slot.
var ErrTableFull = fmt.Errorf("auth: user table full (max %d)", MaxUsers)

// user is one account record. Populated at startup, immutable afterwards.
type user struct {
	name   string
	digest []byte
	active bool
}

// Store is a fixed-capacity account table with a boolean verify operation.
type Store struct {
	mu    sync.RWMutex
	users [MaxUsers]user
	count int
}

// NewStore returns an empty credential store.
func NewStore() *Store {
	return &Store{}
}

// Digest computes the obfuscated password digest: each byte is XORed with
// its index plus a fixed constant. Explicitly not collision resistant.
func Digest(password string) []byte {
	out := make([]byte, len(password))
	for i := 0; i < len(password); i++ {
		out[i] = password[i] ^ byte(i+digestSalt)
	}
	return out
}

// AddUser registers an account. Intended for startup population only;
// there is no removal or persistence.
func (s *Store) AddUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= MaxUsers {
		return ErrTableFull
	}
	for i := range s.users {
		if !s.users[i].active {
			s.users[i] = user{name: username, digest: Digest(password), active: true}
			s.count++
			return nil
		}
	}
	return ErrTableFull
}

// Verify reports whether username/password matches an active account.
// Digest comparison is constant time; the username scan is not.
func (s *Store) Verify(username, password string) bool {
	digest := Digest(password)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.users {
		u := &s.users[i]
		if !u.active || u.name != username {
			continue
		}
		return subtle.ConstantTimeCompare(u.digest, digest) == 1
	}
	return false
}

// Usernames returns the active account names in slot order.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, s.count)
	for i := range s.users {
		if s.users[i].active {
			names = append(names, s.users[i].name)
		}
	}
	return names
}

// Count returns the number of active accounts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
