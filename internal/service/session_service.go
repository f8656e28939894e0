// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const (
	sessionIDBytes = 32
	sweepInterval  = 10 * time.Minute
)

// SessionInfo is the identity behind one browser session established by the
// OIDC code flow.
type SessionInfo struct {
	Subject     string // OIDC subject claim
	Email       string
	DisplayName string
	ExpireAt    time.Time
}

// SessionService keeps browser sessions in memory. Bearer-token clients never
// touch it; sessions only back the cookie flow, so losing them on a restart
// just forces a re-login.
type SessionService struct {
	mu      sync.RWMutex
	entries map[string]SessionInfo
	ttl     time.Duration
}

// NewSessionService creates the session store and starts its sweep loop.
func NewSessionService(ttl time.Duration) *SessionService {
	s := &SessionService{
		entries: make(map[string]SessionInfo),
		ttl:     ttl,
	}
	go s.sweepLoop()
	return s
}

// CreateSession stores a fresh session and returns its ID.
func (s *SessionService) CreateSession(subject, email, displayName string) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[id] = SessionInfo{
		Subject:     subject,
		Email:       email,
		DisplayName: displayName,
		ExpireAt:    time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return id, nil
}

// GetSession returns a copy of the session. Expired entries read as absent;
// the sweep loop reclaims them later.
func (s *SessionService) GetSession(sessionID string) (SessionInfo, bool) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.ExpireAt) {
		return SessionInfo{}, false
	}
	return entry, true
}

// DeleteSession drops a session. Unknown IDs are a no-op.
func (s *SessionService) DeleteSession(sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
}

// RefreshSession pushes the session expiry out by one TTL. Reports false when
// the session does not exist.
func (s *SessionService) RefreshSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	entry.ExpireAt = time.Now().Add(s.ttl)
	s.entries[sessionID] = entry
	return true
}

func (s *SessionService) sweepLoop() {
	for range time.Tick(sweepInterval) {
		s.sweep(time.Now())
	}
}

// sweep drops entries past their expiry.
func (s *SessionService) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if now.After(entry.ExpireAt) {
			delete(s.entries, id)
		}
	}
}

// newSessionID returns a cryptographically random, URL-safe session ID.
func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
