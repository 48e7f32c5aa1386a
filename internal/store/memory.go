package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stablerails/internal/domain"
)

// Memory implements Store in process. Mostly for testing; the guard semantics
// mirror the conditional updates in the Postgres implementation.
type Memory struct {
	mu           sync.Mutex
	intents      map[uuid.UUID]*domain.PaymentIntent
	entries      []domain.LedgerEntry
	sponsorships map[uuid.UUID]domain.GasSponsorship
	received     map[string]int64
	nextEntryID  int64
}

func NewMemory() *Memory {
	return &Memory{
		intents:      make(map[uuid.UUID]*domain.PaymentIntent),
		sponsorships: make(map[uuid.UUID]domain.GasSponsorship),
		received:     make(map[string]int64),
		nextEntryID:  1,
	}
}

func (m *Memory) CreateIntent(_ context.Context, intent *domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *intent
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.intents[intent.ID] = &cp
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (m *Memory) GetIntentByLedgerRef(_ context.Context, ref string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if intent.LedgerRef == ref && ref != "" {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetIntentByMemoTag(_ context.Context, tag string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if intent.MemoTag == tag && tag != "" {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// mutate applies fn to the intent under the lock when guard passes.
func (m *Memory) mutate(id uuid.UUID, guard func(*domain.PaymentIntent) bool, fn func(*domain.PaymentIntent)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return false, nil
	}
	if !guard(intent) {
		return false, nil
	}
	fn(intent)
	intent.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) BindUnsignedTx(_ context.Context, id uuid.UUID, unsignedTx string, expiresAt time.Time) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool { return i.Status == domain.StatusCreated },
		func(i *domain.PaymentIntent) {
			i.Status = domain.StatusAwaitingSignature
			i.UnsignedTx = unsignedTx
			i.ExpiresAt = expiresAt
		})
}

func (m *Memory) MarkSubmitted(_ context.Context, id uuid.UUID, ledgerRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for otherID, other := range m.intents {
		if other.LedgerRef == ledgerRef && otherID != id {
			return false, ErrAlreadyProcessed
		}
	}
	intent, ok := m.intents[id]
	if !ok {
		return false, nil
	}
	if intent.Status != domain.StatusAwaitingSignature || intent.LedgerRef != "" {
		return false, nil
	}
	intent.Status = domain.StatusSubmitted
	intent.LedgerRef = ledgerRef
	intent.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) UpdateConfirmations(_ context.Context, id uuid.UUID, confirmations uint64) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool {
			return i.Status == domain.StatusSubmitted || i.Status == domain.StatusConfirming
		},
		func(i *domain.PaymentIntent) {
			i.Status = domain.StatusConfirming
			i.Confirmations = confirmations
		})
}

func (m *Memory) Confirm(_ context.Context, id uuid.UUID, when time.Time) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool {
			return i.Status == domain.StatusSubmitted || i.Status == domain.StatusConfirming
		},
		func(i *domain.PaymentIntent) {
			i.Status = domain.StatusConfirmed
			i.UpdatedAt = when
		})
}

func (m *Memory) Complete(_ context.Context, id uuid.UUID, entries []domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok || intent.Status != domain.StatusConfirmed {
		return false, nil
	}
	intent.Status = domain.StatusCompleted
	intent.UpdatedAt = time.Now()

	for _, e := range entries {
		e.ID = m.nextEntryID
		m.nextEntryID++
		e.IntentID = id
		e.Balance = m.balanceLocked(e.OwnerID) + e.Delta
		e.CreatedAt = time.Now()
		m.entries = append(m.entries, e)
		if e.Type == domain.EntryCredit {
			m.received[e.OwnerID]++
		}
	}
	return true, nil
}

func (m *Memory) Fail(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool {
			switch i.Status {
			case domain.StatusSubmitted, domain.StatusConfirming, domain.StatusConfirmed:
				return true
			}
			return false
		},
		func(i *domain.PaymentIntent) {
			i.Status = domain.StatusFailed
			i.FailureReason = reason
		})
}

func (m *Memory) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool { return i.Status.Cancellable() && i.LedgerRef == "" },
		func(i *domain.PaymentIntent) { i.Status = domain.StatusCancelled })
}

func (m *Memory) Expire(_ context.Context, id uuid.UUID) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool {
			switch i.Status {
			case domain.StatusCreated, domain.StatusAwaitingSignature, domain.StatusSubmitted, domain.StatusConfirming:
				return true
			}
			return false
		},
		func(i *domain.PaymentIntent) { i.Status = domain.StatusExpired })
}

func (m *Memory) MarkSweepEligible(_ context.Context, id uuid.UUID) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool {
			return i.Status == domain.StatusCompleted && !i.SweepEligible
		},
		func(i *domain.PaymentIntent) { i.SweepEligible = true })
}

func (m *Memory) MarkSwept(_ context.Context, id uuid.UUID, treasuryRef string) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool { return i.SweepEligible && i.SweptAt == nil },
		func(i *domain.PaymentIntent) {
			now := time.Now()
			i.TreasuryRef = treasuryRef
			i.SweptAt = &now
		})
}

func (m *Memory) Claim(_ context.Context, id uuid.UUID, payeeID string) (bool, error) {
	return m.mutate(id,
		func(i *domain.PaymentIntent) bool {
			return i.PayeeID == "" &&
				(i.Status == domain.StatusConfirmed || i.Status == domain.StatusCompleted)
		},
		func(i *domain.PaymentIntent) { i.PayeeID = payeeID })
}

func (m *Memory) CreateSponsorship(_ context.Context, s domain.GasSponsorship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sponsorships[s.IntentID]; ok {
		return nil
	}
	s.CreatedAt = time.Now()
	m.sponsorships[s.IntentID] = s
	return nil
}

func (m *Memory) GetSponsorship(_ context.Context, intentID uuid.UUID) (*domain.GasSponsorship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sponsorships[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) list(filter func(*domain.PaymentIntent) bool, limit int) []*domain.PaymentIntent {
	var out []*domain.PaymentIntent
	for _, intent := range m.intents {
		if filter(intent) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) InFlight(_ context.Context, limit int) ([]*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(i *domain.PaymentIntent) bool {
		return (i.Status == domain.StatusSubmitted || i.Status == domain.StatusConfirming) && i.LedgerRef != ""
	}, limit), nil
}

func (m *Memory) Expirable(_ context.Context, now time.Time, limit int) ([]*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(i *domain.PaymentIntent) bool {
		switch i.Status {
		case domain.StatusCreated, domain.StatusAwaitingSignature, domain.StatusSubmitted, domain.StatusConfirming:
			return i.ExpiresAt.Before(now)
		}
		return false
	}, limit), nil
}

func (m *Memory) OrphanedConfirmed(_ context.Context, before time.Time, limit int) ([]*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(i *domain.PaymentIntent) bool {
		return i.Status == domain.StatusConfirmed && i.UpdatedAt.Before(before)
	}, limit), nil
}

func (m *Memory) SweepCandidates(_ context.Context, before time.Time, limit int) ([]*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(i *domain.PaymentIntent) bool {
		return i.Status == domain.StatusCompleted && !i.SweepEligible && i.UpdatedAt.Before(before)
	}, limit), nil
}

func (m *Memory) Unclaimed(_ context.Context, limit int) ([]*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(i *domain.PaymentIntent) bool {
		return i.PayeeID == "" &&
			(i.Status == domain.StatusConfirmed || i.Status == domain.StatusCompleted)
	}, limit), nil
}

func (m *Memory) Entries(_ context.Context, ownerID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) EntriesByIntent(_ context.Context, intentID uuid.UUID) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.IntentID == intentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Balance(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(ownerID), nil
}

func (m *Memory) balanceLocked(ownerID string) int64 {
	var sum int64
	for _, e := range m.entries {
		if e.OwnerID == ownerID {
			sum += e.Delta
		}
	}
	return sum
}

func (m *Memory) ReceivedCount(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[ownerID], nil
}
