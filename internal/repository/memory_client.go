package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"requirements-agent/internal/domain"
)

// MemoryClient is a process-local ledger store used for local development and
// tests. A single mutex serializes every read-check-write.
type MemoryClient struct {
	mu        sync.Mutex
	users     map[string]domain.UserRecord
	purchases []domain.Purchase
	usage     []domain.UsageEntry
}

// NewMemory creates an empty MemoryClient.
func NewMemory() *MemoryClient {
	return &MemoryClient{users: make(map[string]domain.UserRecord)}
}

func (m *MemoryClient) GetUser(_ context.Context, userID string) (domain.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		return domain.UserRecord{}, domain.ErrUserNotFound
	}
	return rec, nil
}

func (m *MemoryClient) CreateUser(_ context.Context, rec domain.UserRecord) (bool, error) {
	if rec.UserID == "" {
		return false, errors.New("repository: CreateUser: user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[rec.UserID]; ok {
		return false, nil
	}
	m.users[rec.UserID] = rec
	return true, nil
}

func (m *MemoryClient) DecrementCredits(_ context.Context, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	if rec.Credits <= 0 {
		return 0, domain.ErrInsufficientCredits
	}
	rec.Credits--
	rec.UpdatedAt = at
	m.users[userID] = rec
	return rec.Credits, nil
}

func (m *MemoryClient) IncrementCredits(_ context.Context, userID string, amount int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(userID, amount, at)
}

func (m *MemoryClient) SetCredits(_ context.Context, userID string, value int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	rec.Credits = value
	rec.UpdatedAt = at
	m.users[userID] = rec
	return rec.Credits, nil
}

func (m *MemoryClient) RecordPurchase(_ context.Context, p domain.Purchase) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	credits, err := m.addLocked(p.UserID, p.Credits, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	m.purchases = append(m.purchases, p)
	return credits, nil
}

func (m *MemoryClient) RecordUsage(_ context.Context, entry domain.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, entry)
	return nil
}

// Purchases returns a copy of the recorded purchases.
func (m *MemoryClient) Purchases() []domain.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Purchase(nil), m.purchases...)
}

// Usage returns a copy of the recorded usage entries.
func (m *MemoryClient) Usage() []domain.UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.UsageEntry(nil), m.usage...)
}

func (m *MemoryClient) addLocked(userID string, amount int, at time.Time) (int, error) {
	rec, ok := m.users[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	if amount < 0 || rec.Credits > domain.MaxCredits-amount {
		return 0, domain.ErrBalanceLimit
	}
	rec.Credits += amount
	rec.UpdatedAt = at
	m.users[userID] = rec
	return rec.Credits, nil
}
