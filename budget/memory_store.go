// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It holds the same invariants as RedisStore under one mutex; it is not
// suitable for multi-instance deployments.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*memAccount
	reservations map[string]*Reservation
}

type memAccount struct {
	Committed MicroUSD
	Reserved  MicroUSD
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*memAccount),
		reservations: make(map[string]*Reservation),
	}
}

func accountID(communityID string, period PeriodKey) string {
	return communityID + ":" + string(period)
}

func (s *MemoryStore) account(communityID string, period PeriodKey) *memAccount {
	id := accountID(communityID, period)
	acct, ok := s.accounts[id]
	if !ok {
		acct = &memAccount{}
		s.accounts[id] = acct
	}
	return acct
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, cmd ReserveCommand) (ReserveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.reservations[cmd.ReservationID]; ok {
		return ReserveOutcome{Approved: true, Replayed: true, State: prior.State}, nil
	}

	now := cmd.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	acct := s.account(cmd.CommunityID, cmd.PeriodKey)
	if acct.Committed+acct.Reserved+cmd.Estimate > cmd.Limit {
		return ReserveOutcome{Approved: false}, nil
	}

	acct.Reserved += cmd.Estimate
	s.reservations[cmd.ReservationID] = &Reservation{
		ID:            cmd.ReservationID,
		CommunityID:   cmd.CommunityID,
		PeriodKey:     cmd.PeriodKey,
		EstimatedCost: cmd.Estimate,
		State:         StateActive,
		CreatedAt:     now,
		TTLExpiresAt:  now.Add(cmd.TTL),
	}
	return ReserveOutcome{Approved: true, State: StateActive}, nil
}

// Finalize implements Store.
func (s *MemoryStore) Finalize(_ context.Context, reservationID string, actual MicroUSD) (TransitionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resv, ok := s.reservations[reservationID]
	if !ok {
		return TransitionOutcome{NotFound: true}, nil
	}
	out := TransitionOutcome{
		CommunityID: resv.CommunityID,
		PeriodKey:   resv.PeriodKey,
		Estimate:    resv.EstimatedCost,
	}
	if resv.State.Terminal() {
		out.State = resv.State
		out.ActualCost = resv.ActualCost
		return out, nil
	}

	acct := s.account(resv.CommunityID, resv.PeriodKey)
	acct.Reserved -= resv.EstimatedCost
	acct.Committed += actual
	resv.State = StateFinalized
	resv.ActualCost = actual

	out.Applied = true
	out.State = StateFinalized
	out.ActualCost = actual
	return out, nil
}

// Abort implements Store.
func (s *MemoryStore) Abort(ctx context.Context, reservationID string) (TransitionOutcome, error) {
	return s.release(reservationID, StateAborted)
}

// Expire implements Store.
func (s *MemoryStore) Expire(ctx context.Context, reservationID string) (TransitionOutcome, error) {
	return s.release(reservationID, StateExpired)
}

func (s *MemoryStore) release(reservationID string, target ReservationState) (TransitionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resv, ok := s.reservations[reservationID]
	if !ok {
		return TransitionOutcome{NotFound: true}, nil
	}
	out := TransitionOutcome{
		CommunityID: resv.CommunityID,
		PeriodKey:   resv.PeriodKey,
		Estimate:    resv.EstimatedCost,
	}
	if resv.State.Terminal() {
		out.State = resv.State
		out.ActualCost = resv.ActualCost
		return out, nil
	}

	acct := s.account(resv.CommunityID, resv.PeriodKey)
	acct.Reserved -= resv.EstimatedCost
	resv.State = target

	out.Applied = true
	out.State = target
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, reservationID string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resv, ok := s.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return *resv, nil
}

// ExpiredBefore implements Store.
func (s *MemoryStore) ExpiredBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, resv := range s.reservations {
		if resv.State == StateActive && resv.TTLExpiresAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context, communityID string, period PeriodKey) (AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := AccountSnapshot{CommunityID: communityID, PeriodKey: period}
	if acct, ok := s.accounts[accountID(communityID, period)]; ok {
		snap.Committed = acct.Committed
		snap.Reserved = acct.Reserved
	}
	return snap, nil
}

// SetCommitted implements Store.
func (s *MemoryStore) SetCommitted(_ context.Context, communityID string, period PeriodKey, committed MicroUSD) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.account(communityID, period).Committed = committed
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
