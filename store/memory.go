// Package store provides an in-memory Store for creditledger.
//
// Transactions are optimistic: reads record the version of each document and
// commit fails with ErrConflict if any of them changed in the meantime, the
// same contract the redis and postgres stores give.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ronitervo/creditledger"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]doc
	version uint64
}

type doc struct {
	version uint64
	value   any
}

var _ creditledger.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]doc)}
}

func balanceKey(userID string) string { return "balance:" + userID }

func sessionKey(userID, sessionID string) string {
	return "session:" + userID + ":" + sessionID
}

func purchaseKey(id string) string { return "purchase:" + id }

// RunTx executes fn against a snapshot and commits its writes atomically.
func (s *MemoryStore) RunTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:  s,
		reads:  make(map[string]uint64),
		writes: make(map[string]any),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range tx.reads {
		if s.docs[key].version != v {
			return creditledger.ErrConflict
		}
	}
	for key, value := range tx.writes {
		s.version++
		s.docs[key] = doc{version: s.version, value: value}
	}
	return nil
}

// CreatePurchase inserts rec if no record with its id exists.
func (s *MemoryStore) CreatePurchase(ctx context.Context, rec creditledger.PurchaseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := purchaseKey(rec.ID)
	if _, ok := s.docs[key]; ok {
		return creditledger.ErrAlreadyExists
	}
	s.version++
	s.docs[key] = doc{version: s.version, value: rec}
	return nil
}

// ListPendingConsumption returns completed purchases still awaiting
// store-side consumption, oldest first.
func (s *MemoryStore) ListPendingConsumption(_ context.Context, limit int) ([]creditledger.PurchaseRecord, error) {
	s.mu.Lock()
	var out []creditledger.PurchaseRecord
	for key, d := range s.docs {
		if !strings.HasPrefix(key, "purchase:") {
			continue
		}
		rec := d.value.(creditledger.PurchaseRecord)
		if rec.Status == creditledger.PurchaseCompleted && rec.ConsumePending {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteUser removes the user's purchases, sessions and balance.
func (s *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, d := range s.docs {
		switch v := d.value.(type) {
		case creditledger.PurchaseRecord:
			if v.UserID == userID {
				delete(s.docs, key)
			}
		case creditledger.GenerationSession:
			if v.UserID == userID {
				delete(s.docs, key)
			}
		}
	}
	delete(s.docs, balanceKey(userID))
	return nil
}

type memoryTx struct {
	store  *MemoryStore
	reads  map[string]uint64
	writes map[string]any
}

func (tx *memoryTx) get(key string) (any, bool) {
	if v, ok := tx.writes[key]; ok {
		return v, true
	}
	tx.store.mu.Lock()
	d, ok := tx.store.docs[key]
	tx.store.mu.Unlock()

	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = d.version
	}
	return d.value, ok
}

func (tx *memoryTx) GetBalance(userID string) (creditledger.UserBalance, bool, error) {
	v, ok := tx.get(balanceKey(userID))
	if !ok {
		return creditledger.UserBalance{}, false, nil
	}
	return v.(creditledger.UserBalance), true, nil
}

func (tx *memoryTx) PutBalance(b creditledger.UserBalance) error {
	tx.writes[balanceKey(b.UserID)] = b
	return nil
}

func (tx *memoryTx) GetSession(userID, sessionID string) (creditledger.GenerationSession, bool, error) {
	v, ok := tx.get(sessionKey(userID, sessionID))
	if !ok {
		return creditledger.GenerationSession{}, false, nil
	}
	return v.(creditledger.GenerationSession), true, nil
}

func (tx *memoryTx) PutSession(sess creditledger.GenerationSession) error {
	tx.writes[sessionKey(sess.UserID, sess.SessionID)] = sess
	return nil
}

func (tx *memoryTx) GetPurchase(id string) (creditledger.PurchaseRecord, bool, error) {
	v, ok := tx.get(purchaseKey(id))
	if !ok {
		return creditledger.PurchaseRecord{}, false, nil
	}
	return v.(creditledger.PurchaseRecord), true, nil
}

func (tx *memoryTx) PutPurchase(rec creditledger.PurchaseRecord) error {
	tx.writes[purchaseKey(rec.ID)] = rec
	return nil
}
