// Package session holds the current principal and its persisted token.
//
// A Session is read by every other component and written only by the
// login/logout flow. It is passed explicitly rather than kept in a global
// so channel code can be tested without persistent storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNoSession        = errors.New("session: no active principal")
	ErrInvalidPrincipal = errors.New("session: invalid principal")
)

type Role string

const (
	RoleOwner Role = "owner"
	RoleStaff Role = "staff"
	RoleChef  Role = "chef"
	RoleGuest Role = "guest"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleStaff, RoleChef, RoleGuest:
		return true
	}
	return false
}

// Principal is the identity that drives channel addressing. It is
// immutable for the lifetime of a channel set.
type Principal struct {
	RestaurantID string `json:"restaurant_id" mapstructure:"restaurant_id"`
	DeviceID     string `json:"device_id,omitempty" mapstructure:"device_id"`
	Role         Role   `json:"role" mapstructure:"role"`
	Token        string `json:"token" mapstructure:"token"`
}

func (p Principal) IsGuest() bool { return p.Role == RoleGuest }

// Validate checks the fields every channel URL depends on. Guests are
// resolved from a table and must carry their device id.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.RestaurantID) == "" {
		return fmt.Errorf("%w: missing restaurant id", ErrInvalidPrincipal)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidPrincipal, p.Role)
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidPrincipal)
	}
	if p.IsGuest() && strings.TrimSpace(p.DeviceID) == "" {
		return fmt.Errorf("%w: guest without device id", ErrInvalidPrincipal)
	}
	return nil
}

// principalKey is the storage key the principal is persisted under.
const principalKey = "dinesync:principal"

// Session is the process-wide session store with an explicit Init/Clear
// lifecycle.
type Session struct {
	kv  KV
	log *zap.SugaredLogger

	mu        sync.RWMutex
	principal *Principal
}

func New(kv KV, log *zap.SugaredLogger) *Session {
	return &Session{kv: kv, log: log}
}

// Init validates p, persists it and makes it the current principal.
func (s *Session) Init(ctx context.Context, p Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("session: encode principal: %w", err)
	}
	if err := s.kv.Set(ctx, principalKey, string(data)); err != nil {
		return fmt.Errorf("session: persist principal: %w", err)
	}
	s.mu.Lock()
	s.principal = &p
	s.mu.Unlock()
	s.log.Infow("session initialised", "restaurant", p.RestaurantID, "role", p.Role, "device", p.DeviceID)
	return nil
}

// Load restores a previously persisted principal. It returns ErrNoSession
// when nothing is stored.
func (s *Session) Load(ctx context.Context) (Principal, error) {
	raw, err := s.kv.Get(ctx, principalKey)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrNoSession
	}
	if err != nil {
		return Principal{}, fmt.Errorf("session: load principal: %w", err)
	}
	var p Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Principal{}, fmt.Errorf("session: decode principal: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	s.principal = &p
	s.mu.Unlock()
	return p, nil
}

// Clear forgets the principal and removes it from storage (logout).
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.principal = nil
	s.mu.Unlock()
	if err := s.kv.Delete(ctx, principalKey); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("session: clear principal: %w", err)
	}
	s.log.Info("session cleared")
	return nil
}

// Principal returns the current principal.
func (s *Session) Principal() (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		return Principal{}, ErrNoSession
	}
	return *s.principal, nil
}
