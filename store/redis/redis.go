// Package redis provides a Redis-backed Store for creditledger.
//
// Documents are stored as JSON strings. RunTx uses WATCH/MULTI/EXEC: every
// key read inside the transaction is watched, writes are queued and applied in
// one EXEC, and a concurrent change aborts the EXEC with ErrConflict. This
// makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ronitervo/creditledger"
)

// Store is a Redis-backed Store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

var _ creditledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or a failover client;
// transactions span balance, session and purchase keys, so Redis Cluster is
// not supported.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balanceKey(userID string) string {
	return s.keyPrefix + "balance:" + userID
}

func (s *Store) sessionKey(userID, sessionID string) string {
	return s.keyPrefix + "session:" + userID + ":" + sessionID
}

func (s *Store) purchaseKey(id string) string {
	return s.keyPrefix + "purchase:" + id
}

func (s *Store) userSessionsKey(userID string) string {
	return s.keyPrefix + "user:" + userID + ":sessions"
}

func (s *Store) userPurchasesKey(userID string) string {
	return s.keyPrefix + "user:" + userID + ":purchases"
}

func (s *Store) pendingKey() string {
	return s.keyPrefix + "purchases:consume_pending"
}

// RunTx executes fn inside WATCH and commits its writes with MULTI/EXEC.
func (s *Store) RunTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
		tx := &redisTx{
			ctx:    ctx,
			store:  s,
			rtx:    rtx,
			writes: make(map[string]write),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for key, w := range tx.writes {
				pipe.Set(ctx, key, w.data, 0)
				if w.index != nil {
					w.index(pipe)
				}
			}
			return nil
		})
		return err
	})
	if errors.Is(err, goredis.TxFailedErr) {
		return creditledger.ErrConflict
	}
	return err
}

// CreatePurchase inserts rec with SETNX.
func (s *Store) CreatePurchase(ctx context.Context, rec creditledger.PurchaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("creditledger/redis: encode purchase: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.purchaseKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creditledger/redis: create purchase: %w", err)
	}
	if !ok {
		return creditledger.ErrAlreadyExists
	}
	if err := s.client.SAdd(ctx, s.userPurchasesKey(rec.UserID), rec.ID).Err(); err != nil {
		return fmt.Errorf("creditledger/redis: index purchase: %w", err)
	}
	return nil
}

// ListPendingConsumption returns completed purchases still awaiting
// store-side consumption, oldest first.
func (s *Store) ListPendingConsumption(ctx context.Context, limit int) ([]creditledger.PurchaseRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("creditledger/redis: list pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.purchaseKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("creditledger/redis: list pending: %w", err)
	}

	out := make([]creditledger.PurchaseRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // deleted since the index was read
		}
		var rec creditledger.PurchaseRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("creditledger/redis: decode purchase: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteUser removes the user's purchases, sessions and balance.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	sessions, err := s.client.SMembers(ctx, s.userSessionsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("creditledger/redis: delete user: %w", err)
	}
	purchases, err := s.client.SMembers(ctx, s.userPurchasesKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("creditledger/redis: delete user: %w", err)
	}

	keys := []string{s.balanceKey(userID), s.userSessionsKey(userID), s.userPurchasesKey(userID)}
	for _, sid := range sessions {
		keys = append(keys, s.sessionKey(userID, sid))
	}
	pending := make([]any, 0, len(purchases))
	for _, id := range purchases {
		keys = append(keys, s.purchaseKey(id))
		pending = append(pending, id)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		if len(pending) > 0 {
			pipe.ZRem(ctx, s.pendingKey(), pending...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creditledger/redis: delete user: %w", err)
	}
	return nil
}

type write struct {
	data  []byte
	index func(pipe goredis.Pipeliner)
}

type redisTx struct {
	ctx    context.Context
	store  *Store
	rtx    *goredis.Tx
	writes map[string]write
}

// get watches key and decodes its current value into v. Buffered writes of
// the same transaction are visible.
func (tx *redisTx) get(key string, v any) (bool, error) {
	if w, ok := tx.writes[key]; ok {
		return true, json.Unmarshal(w.data, v)
	}
	if err := tx.rtx.Watch(tx.ctx, key).Err(); err != nil {
		return false, fmt.Errorf("creditledger/redis: watch: %w", err)
	}
	data, err := tx.rtx.Get(tx.ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creditledger/redis: get: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("creditledger/redis: decode %s: %w", key, err)
	}
	return true, nil
}

func (tx *redisTx) put(key string, v any, index func(pipe goredis.Pipeliner)) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("creditledger/redis: encode %s: %w", key, err)
	}
	tx.writes[key] = write{data: data, index: index}
	return nil
}

func (tx *redisTx) GetBalance(userID string) (creditledger.UserBalance, bool, error) {
	var b creditledger.UserBalance
	found, err := tx.get(tx.store.balanceKey(userID), &b)
	return b, found, err
}

func (tx *redisTx) PutBalance(b creditledger.UserBalance) error {
	return tx.put(tx.store.balanceKey(b.UserID), b, nil)
}

func (tx *redisTx) GetSession(userID, sessionID string) (creditledger.GenerationSession, bool, error) {
	var sess creditledger.GenerationSession
	found, err := tx.get(tx.store.sessionKey(userID, sessionID), &sess)
	return sess, found, err
}

func (tx *redisTx) PutSession(sess creditledger.GenerationSession) error {
	s := tx.store
	return tx.put(s.sessionKey(sess.UserID, sess.SessionID), sess, func(pipe goredis.Pipeliner) {
		pipe.SAdd(tx.ctx, s.userSessionsKey(sess.UserID), sess.SessionID)
	})
}

func (tx *redisTx) GetPurchase(id string) (creditledger.PurchaseRecord, bool, error) {
	var rec creditledger.PurchaseRecord
	found, err := tx.get(tx.store.purchaseKey(id), &rec)
	return rec, found, err
}

func (tx *redisTx) PutPurchase(rec creditledger.PurchaseRecord) error {
	s := tx.store
	return tx.put(s.purchaseKey(rec.ID), rec, func(pipe goredis.Pipeliner) {
		pipe.SAdd(tx.ctx, s.userPurchasesKey(rec.UserID), rec.ID)
		if rec.Status == creditledger.PurchaseCompleted && rec.ConsumePending {
			pipe.ZAdd(tx.ctx, s.pendingKey(), goredis.Z{
				Score:  float64(rec.UpdatedAt.UnixMilli()),
				Member: rec.ID,
			})
		} else {
			pipe.ZRem(tx.ctx, s.pendingKey(), rec.ID)
		}
	})
}
