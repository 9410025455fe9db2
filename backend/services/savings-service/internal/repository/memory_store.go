package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"powersave/backend/services/savings-service/internal/models"
)

// MemoryStore keeps everything in process. Units of work are serialized by
// a single mutex and rolled back from a snapshot on error. Units of work for
// different users therefore never overlap, unlike PostgresStore, which only
// locks the rows it touches. Use it for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[string]models.WalletAccount
	entries  []models.LedgerEntry
	sessions map[string]models.Session
	totals   map[string]models.UserTotals
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]models.WalletAccount),
		sessions: make(map[string]models.Session),
		totals:   make(map[string]models.UserTotals),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type memorySnapshot struct {
	wallets  map[string]models.WalletAccount
	entries  int
	sessions map[string]models.Session
	totals   map[string]models.UserTotals
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		wallets:  make(map[string]models.WalletAccount, len(s.wallets)),
		entries:  len(s.entries),
		sessions: make(map[string]models.Session, len(s.sessions)),
		totals:   make(map[string]models.UserTotals, len(s.totals)),
	}
	for k, v := range s.wallets {
		snap.wallets[k] = v
	}
	for k, v := range s.sessions {
		snap.sessions[k] = v
	}
	for k, v := range s.totals {
		snap.totals[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.wallets = snap.wallets
	s.entries = s.entries[:snap.entries]
	s.sessions = snap.sessions
	s.totals = snap.totals
}

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(ctx, &memoryTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// GetWallet implements Store.
func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*models.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, models.ErrNotFound)
	}
	return &w, nil
}

// ListEntries implements Store. Newest entries come first.
func (s *MemoryStore) ListEntries(_ context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = normalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var out []models.LedgerEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s.entries[i])
	}
	return out, nil
}

// EntriesBetween implements Store for the half-open range [from, to).
func (s *MemoryStore) EntriesBetween(_ context.Context, userID string, from, to time.Time) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.UserID != userID || e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return &sess, nil
}

// ListSessions implements Store. An empty status matches all sessions.
func (s *MemoryStore) ListSessions(_ context.Context, userID string, status models.SessionStatus, limit int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Window.Start.After(out[j].Window.Start)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountSessions implements Store.
func (s *MemoryStore) CountSessions(_ context.Context, userID string) (map[models.SessionStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.SessionStatus]int64)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			counts[sess.Status]++
		}
	}
	return counts, nil
}

// GetUserTotals implements Store. Unknown users have zero totals.
func (s *MemoryStore) GetUserTotals(_ context.Context, userID string) (*models.UserTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.totals[userID]
	if !ok {
		t = emptyTotals(userID)
	}
	return &t, nil
}

// SetAnnualWasteFee implements Store.
func (s *MemoryStore) SetAnnualWasteFee(_ context.Context, userID string, fee decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.totals[userID]
	if !ok {
		t = emptyTotals(userID)
	}
	t.AnnualWasteFee = fee
	t.UpdatedAt = s.now()
	s.totals[userID] = t
	return nil
}

// memoryTx runs with the store mutex already held.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) EnsureWallet(_ context.Context, userID string) error {
	if _, ok := t.store.wallets[userID]; ok {
		return nil
	}
	t.store.wallets[userID] = newWallet(userID, t.store.now())
	return nil
}

func (t *memoryTx) LockWallet(_ context.Context, userID string) (*models.WalletAccount, error) {
	w, ok := t.store.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, models.ErrNotFound)
	}
	return &w, nil
}

func (t *memoryTx) UpdateWallet(_ context.Context, wallet *models.WalletAccount) error {
	if _, ok := t.store.wallets[wallet.UserID]; !ok {
		return fmt.Errorf("wallet %s: %w", wallet.UserID, models.ErrNotFound)
	}
	wallet.UpdatedAt = t.store.now()
	t.store.wallets[wallet.UserID] = *wallet
	return nil
}

func (t *memoryTx) AppendEntry(_ context.Context, entry *models.LedgerEntry) error {
	if entry.Kind == models.EntryCredit && entry.SessionRef != "" {
		for _, e := range t.store.entries {
			if e.UserID == entry.UserID && e.Kind == models.EntryCredit && e.SessionRef == entry.SessionRef {
				return ErrDuplicateCredit
			}
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.store.now()
	}
	t.store.entries = append(t.store.entries, *entry)
	return nil
}

func (t *memoryTx) FindCredit(_ context.Context, userID, sessionRef string) (*models.LedgerEntry, error) {
	for _, e := range t.store.entries {
		if e.UserID == userID && e.Kind == models.EntryCredit && e.SessionRef == sessionRef {
			found := e
			return &found, nil
		}
	}
	return nil, fmt.Errorf("credit for session %s: %w", sessionRef, models.ErrNotFound)
}

func (t *memoryTx) CreateSession(_ context.Context, session *models.Session) error {
	if _, ok := t.store.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	now := t.store.now()
	session.CreatedAt = now
	session.UpdatedAt = now
	t.store.sessions[session.ID] = *session
	return nil
}

func (t *memoryTx) LockSession(_ context.Context, sessionID string) (*models.Session, error) {
	sess, ok := t.store.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return &sess, nil
}

func (t *memoryTx) UpdateSession(_ context.Context, session *models.Session) error {
	if _, ok := t.store.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, models.ErrNotFound)
	}
	session.UpdatedAt = t.store.now()
	t.store.sessions[session.ID] = *session
	return nil
}

func (t *memoryTx) AddUserTotals(_ context.Context, userID string, delta models.TotalsDelta) error {
	cur, ok := t.store.totals[userID]
	if !ok {
		cur = emptyTotals(userID)
	}
	cur.GreenPoints += delta.Points
	cur.TotalKWhSaved = cur.TotalKWhSaved.Add(delta.KWh)
	cur.TotalEURSaved = cur.TotalEURSaved.Add(delta.EUR)
	cur.TotalCO2Saved = cur.TotalCO2Saved.Add(delta.CO2)
	cur.CompletedSessions += delta.Sessions
	cur.UpdatedAt = t.store.now()
	t.store.totals[userID] = cur
	return nil
}
