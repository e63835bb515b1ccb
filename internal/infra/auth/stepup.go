package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/custody/internal/core/access"
)

// MarkStore remembers admins who recently passed MFA. The Redis client
// satisfies it; MemoryStore serves single-process deployments.
type MarkStore interface {
	CodeLedger
	MarkMFA(ctx context.Context, adminID string, ttl time.Duration) error
	MFAFresh(ctx context.Context, adminID string) (bool, error)
}

// StepUp grants a rolling window of privileged calls after an MFA check.
type StepUp struct {
	verifier access.MFAVerifier
	marks    MarkStore
	window   time.Duration
}

func NewStepUp(verifier access.MFAVerifier, marks MarkStore, window time.Duration) *StepUp {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &StepUp{verifier: verifier, marks: marks, window: window}
}

// Confirm verifies code and opens the window for the admin.
func (s *StepUp) Confirm(ctx context.Context, adminID, code string) error {
	if err := s.verifier.Verify(ctx, adminID, code); err != nil {
		return err
	}
	if err := s.marks.MarkMFA(ctx, adminID, s.window); err != nil {
		return fmt.Errorf("failed to record mfa: %w", err)
	}
	return nil
}

// Window is how long a confirmation stays valid.
func (s *StepUp) Window() time.Duration { return s.window }

// Fresh reports whether the admin's window is open.
func (s *StepUp) Fresh(ctx context.Context, adminID string) (bool, error) {
	return s.marks.MFAFresh(ctx, adminID)
}

// MemoryStore is an in-process MarkStore.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
	codes map[string]time.Time
	now   func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		marks: make(map[string]time.Time),
		codes: make(map[string]time.Time),
		now:   now,
	}
}

func (m *MemoryStore) MarkMFA(_ context.Context, adminID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[adminID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) MFAFresh(_ context.Context, adminID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.marks[adminID]
	return ok && m.now().Before(until), nil
}

func (m *MemoryStore) UseCode(_ context.Context, adminID, code string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, until := range m.codes {
		if !now.Before(until) {
			delete(m.codes, k)
		}
	}
	key := adminID + ":" + code
	if _, used := m.codes[key]; used {
		return false, nil
	}
	m.codes[key] = now.Add(ttl)
	return true, nil
}
