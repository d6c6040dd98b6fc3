package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"crossarb/internal/models"
)

// MemoryTradeStore - хранилище сделок в памяти
//
// Используется, когда DATABASE_URL не задан (paper-режим, разработка).
// Состояние теряется при перезапуске.
type MemoryTradeStore struct {
	mu         sync.RWMutex
	trades     map[string]*models.Trade
	exitStates map[string]models.ExitState
}

// NewMemoryTradeStore создает пустое хранилище
func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{
		trades:     make(map[string]*models.Trade),
		exitStates: make(map[string]models.ExitState),
	}
}

func (s *MemoryTradeStore) SaveTrade(_ context.Context, t *models.Trade) error {
	s.mu.Lock()
	s.trades[t.ID] = t.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryTradeStore) UpdateStatus(_ context.Context, id string, status models.TradeStatus, upd *models.TradeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	upd.Apply(t)
	t.Status = status
	if status.IsTerminal() {
		delete(s.exitStates, id)
	}
	return nil
}

func (s *MemoryTradeStore) LoadActiveTrades(_ context.Context) ([]*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Trade
	for _, t := range s.trades {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	sortByCreated(out, false)
	return out, nil
}

func (s *MemoryTradeStore) GetByID(_ context.Context, id string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryTradeStore) ListTrades(_ context.Context, status string, limit int) ([]*models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	var out []*models.Trade
	for _, t := range s.trades {
		if status == "" || string(t.Status) == status {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(out, true)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTradeStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]*models.Trade, error) {
	s.mu.RLock()
	var out []*models.Trade
	for _, t := range s.trades {
		if !t.Status.IsTerminal() {
			continue
		}
		at := t.CreatedAt
		if t.ClosedAt != nil {
			at = *t.ClosedAt
		}
		if at.Before(before) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(out, false)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTradeStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.trades[id]; ok {
			delete(s.trades, id)
			delete(s.exitStates, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryTradeStore) CountByStatus(_ context.Context) (map[models.TradeStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TradeStatus]int)
	for _, t := range s.trades {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryTradeStore) RealizedPnlSince(_ context.Context, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, t := range s.trades {
		if t.Status == models.TradeStatusCompleted && t.RealizedPnl != nil &&
			t.ClosedAt != nil && !t.ClosedAt.Before(since) {
			total += *t.RealizedPnl
		}
	}
	return total, nil
}

func (s *MemoryTradeStore) SaveExitState(_ context.Context, st models.ExitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[st.TradeID]; !ok {
		return ErrTradeNotFound
	}
	s.exitStates[st.TradeID] = st
	return nil
}

func (s *MemoryTradeStore) LoadExitStates(_ context.Context) (map[string]models.ExitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.ExitState, len(s.exitStates))
	for id, st := range s.exitStates {
		out[id] = st
	}
	return out, nil
}

func sortByCreated(trades []*models.Trade, desc bool) {
	sort.Slice(trades, func(i, j int) bool {
		if desc {
			return trades[i].CreatedAt.After(trades[j].CreatedAt)
		}
		return trades[i].CreatedAt.Before(trades[j].CreatedAt)
	})
}
