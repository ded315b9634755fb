// Package store provides durable persistence for the single in-flight
// referral progress record.
package store

import (
	"context"
	"sync"

	"github.com/cryptogarden/attribution/internal/attribution"
	pkgerrors "github.com/cryptogarden/attribution/pkg/errors"
)

var (
	_ attribution.Store = (*Memory)(nil)
	_ attribution.Store = (*Redis)(nil)
	_ attribution.Store = (*Retrying)(nil)
)

// Memory is an in-process store. Used in tests and single-process
// embeddings that do not need persistence across restarts.
type Memory struct {
	mu sync.Mutex
	p  *attribution.ReferralProgress
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns the stored record, or ErrNotFound.
func (m *Memory) Load(_ context.Context) (attribution.ReferralProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p == nil {
		return attribution.ReferralProgress{}, pkgerrors.ErrNotFound
	}
	return *m.p, nil
}

// Save stores the record, replacing any existing one.
func (m *Memory) Save(_ context.Context, p attribution.ReferralProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.p = &cp
	return nil
}

// Delete removes the stored record. Deleting an absent record is not an
// error.
func (m *Memory) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = nil
	return nil
}
