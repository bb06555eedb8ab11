// Package postgres provides a PostgreSQL-backed Store for creditledger.
//
// Documents are stored as JSONB rows. RunTx runs at SERIALIZABLE isolation;
// serialization failures are reported as ErrConflict so the ledger retries
// the whole transition. This makes it safe for multi-instance deployments and
// provides durability across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ronitervo/creditledger"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ creditledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balancesTable() string  { return s.tablePrefix + "balances" }
func (s *Store) sessionsTable() string  { return s.tablePrefix + "sessions" }
func (s *Store) purchasesTable() string { return s.tablePrefix + "purchases" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (user_id, session_id)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			consume_pending BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_user_idx ON %[3]s (user_id);
		CREATE INDEX IF NOT EXISTS %[3]s_pending_idx ON %[3]s (updated_at) WHERE consume_pending;
	`, s.balancesTable(), s.sessionsTable(), s.purchasesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// RunTx executes fn in a serializable transaction.
func (s *Store) RunTx(ctx context.Context, fn func(tx creditledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, store: s, tx: tx}); err != nil {
		return conflictOr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return conflictOr(fmt.Errorf("creditledger/postgres: commit: %w", err))
	}
	return nil
}

func conflictOr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return creditledger.ErrConflict
	}
	return err
}

// CreatePurchase inserts rec unless a record with the same id exists.
func (s *Store) CreatePurchase(ctx context.Context, rec creditledger.PurchaseRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: encode purchase: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, status, consume_pending, updated_at, doc)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`, s.purchasesTable()),
		rec.ID, rec.UserID, string(rec.Status), rec.ConsumePending, rec.UpdatedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: create purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return creditledger.ErrAlreadyExists
	}
	return nil
}

// ListPendingConsumption returns completed purchases still awaiting
// store-side consumption, oldest first.
func (s *Store) ListPendingConsumption(ctx context.Context, limit int) ([]creditledger.PurchaseRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT doc FROM %s
			WHERE consume_pending AND status = $1
			ORDER BY updated_at
			LIMIT $2`, s.purchasesTable()),
		string(creditledger.PurchaseCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []creditledger.PurchaseRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: list pending: %w", err)
		}
		var rec creditledger.PurchaseRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: decode purchase: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: list pending: %w", err)
	}
	return out, nil
}

// DeleteUser removes the user's purchases, sessions and balance in one
// transaction.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{s.purchasesTable(), s.sessionsTable(), s.balancesTable()} {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, table), userID); err != nil {
			return fmt.Errorf("creditledger/postgres: delete user from %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("creditledger/postgres: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx   context.Context
	store *Store
	tx    pgx.Tx
}

func (t *pgTx) get(query string, v any, args ...any) (bool, error) {
	var doc []byte
	err := t.tx.QueryRow(t.ctx, query, args...).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creditledger/postgres: get: %w", err)
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("creditledger/postgres: decode: %w", err)
	}
	return true, nil
}

func (t *pgTx) exec(query string, args ...any) error {
	if _, err := t.tx.Exec(t.ctx, query, args...); err != nil {
		return fmt.Errorf("creditledger/postgres: put: %w", err)
	}
	return nil
}

func (t *pgTx) GetBalance(userID string) (creditledger.UserBalance, bool, error) {
	var b creditledger.UserBalance
	found, err := t.get(
		fmt.Sprintf(`SELECT doc FROM %s WHERE user_id = $1`, t.store.balancesTable()),
		&b, userID,
	)
	return b, found, err
}

func (t *pgTx) PutBalance(b creditledger.UserBalance) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: encode balance: %w", err)
	}
	return t.exec(
		fmt.Sprintf(`INSERT INTO %s (user_id, doc) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc`, t.store.balancesTable()),
		b.UserID, doc,
	)
}

func (t *pgTx) GetSession(userID, sessionID string) (creditledger.GenerationSession, bool, error) {
	var sess creditledger.GenerationSession
	found, err := t.get(
		fmt.Sprintf(`SELECT doc FROM %s WHERE user_id = $1 AND session_id = $2`, t.store.sessionsTable()),
		&sess, userID, sessionID,
	)
	return sess, found, err
}

func (t *pgTx) PutSession(sess creditledger.GenerationSession) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: encode session: %w", err)
	}
	return t.exec(
		fmt.Sprintf(`INSERT INTO %s (user_id, session_id, doc) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, session_id) DO UPDATE SET doc = EXCLUDED.doc`, t.store.sessionsTable()),
		sess.UserID, sess.SessionID, doc,
	)
}

func (t *pgTx) GetPurchase(id string) (creditledger.PurchaseRecord, bool, error) {
	var rec creditledger.PurchaseRecord
	found, err := t.get(
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, t.store.purchasesTable()),
		&rec, id,
	)
	return rec, found, err
}

func (t *pgTx) PutPurchase(rec creditledger.PurchaseRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: encode purchase: %w", err)
	}
	return t.exec(
		fmt.Sprintf(`INSERT INTO %s (id, user_id, status, consume_pending, updated_at, doc)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				consume_pending = EXCLUDED.consume_pending,
				updated_at = EXCLUDED.updated_at,
				doc = EXCLUDED.doc`, t.store.purchasesTable()),
		rec.ID, rec.UserID, string(rec.Status), rec.ConsumePending, rec.UpdatedAt, doc,
	)
}
