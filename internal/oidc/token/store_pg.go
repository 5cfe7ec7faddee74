package token

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationOIDCTokens is the SQL DDL for the oidc_tokens table. It is safe
// to execute multiple times (uses IF NOT EXISTS); serve runs it at startup
// as an auto-migration step.
const MigrationOIDCTokens = `
CREATE TABLE IF NOT EXISTS oidc_tokens (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    payload     JSONB NOT NULL,
    grant_id    TEXT,
    user_code   TEXT,
    uid         TEXT,
    expires_at  BIGINT NOT NULL,
    consumed_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_oidc_tokens_grant_id  ON oidc_tokens (grant_id);
CREATE INDEX IF NOT EXISTS idx_oidc_tokens_user_code ON oidc_tokens (user_code);
CREATE INDEX IF NOT EXISTS idx_oidc_tokens_uid       ON oidc_tokens (uid);
CREATE INDEX IF NOT EXISTS idx_oidc_tokens_type_exp  ON oidc_tokens (type, expires_at);
`

// ---------------------------------------------------------------------------
// pgRow / pgRows / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgRows represents a result set returned by Query.
type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// pgConn is the minimal database interface required by PGStore. Both
// *pgxpool.Pool (via a thin adapter) and test mocks implement this.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Query(ctx context.Context, sql string, args ...any) (pgRows, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// ---------------------------------------------------------------------------
// PGStore
// ---------------------------------------------------------------------------

// PGStore is the PostgreSQL-backed FullStore. Payloads live in a JSONB
// column; expiry and consumption are bigint Unix seconds so the status
// predicates stay pure integer comparisons.
type PGStore struct {
	db  pgConn
	now func() time.Time
}

// NewPGStore creates a store over the given pgConn. Use NewPGStoreFromPool
// in production; pass a mock in tests.
func NewPGStore(db pgConn) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// NewPGStoreFromPool creates a PG-backed store directly from a *pgxpool.Pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: &pgxPoolWrapper{pool: pool}, now: time.Now}
}

const tokenColumns = `id, type, payload, grant_id, user_code, uid, expires_at, consumed_at`

// Upsert implements Store.
func (s *PGStore) Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal token payload: %w", err)
	}

	expiresAt := resolveExpiry(s.now(), payload, ttl)

	var consumedAt *int64
	if c := payload.consumedSeconds(); c != 0 {
		consumedAt = &c
	}

	const query = `INSERT INTO oidc_tokens (id, type, payload, grant_id, user_code, uid, expires_at, consumed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET type        = EXCLUDED.type,
                               payload     = EXCLUDED.payload,
                               grant_id    = EXCLUDED.grant_id,
                               user_code   = EXCLUDED.user_code,
                               uid         = EXCLUDED.uid,
                               expires_at  = EXCLUDED.expires_at,
                               consumed_at = EXCLUDED.consumed_at`

	if _, err := s.db.Exec(ctx, query, id, string(kind),
		data, nullable(payload.String("grantId")), nullable(payload.String("userCode")),
		nullable(payload.String("uid")), expiresAt, consumedAt); err != nil {
		return fmt.Errorf("upsert %s record: %w", kind, err)
	}
	return nil
}

// Find implements Store. Expired rows for this (kind, id) are removed
// first so a stale record is indistinguishable from an absent one.
func (s *PGStore) Find(ctx context.Context, kind Kind, id string) (Payload, error) {
	now := s.now().Unix()

	if _, err := s.db.Exec(ctx,
		`DELETE FROM oidc_tokens WHERE type = $1 AND id = $2 AND expires_at < $3`,
		string(kind), id, now); err != nil {
		return nil, fmt.Errorf("prune expired %s records: %w", kind, err)
	}

	return s.selectOne(ctx, kind,
		`SELECT payload, consumed_at FROM oidc_tokens WHERE type = $1 AND id = $2`,
		string(kind), id)
}

// FindByUID implements Store. Every expired row of the kind is pruned
// before the secondary-key lookup runs.
func (s *PGStore) FindByUID(ctx context.Context, kind Kind, uid string) (Payload, error) {
	if err := s.pruneKind(ctx, kind); err != nil {
		return nil, err
	}
	return s.selectOne(ctx, kind,
		`SELECT payload, consumed_at FROM oidc_tokens WHERE type = $1 AND uid = $2 LIMIT 1`,
		string(kind), uid)
}

// FindByUserCode implements Store.
func (s *PGStore) FindByUserCode(ctx context.Context, kind Kind, userCode string) (Payload, error) {
	if err := s.pruneKind(ctx, kind); err != nil {
		return nil, err
	}
	return s.selectOne(ctx, kind,
		`SELECT payload, consumed_at FROM oidc_tokens WHERE type = $1 AND user_code = $2 LIMIT 1`,
		string(kind), userCode)
}

func (s *PGStore) pruneKind(ctx context.Context, kind Kind) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM oidc_tokens WHERE type = $1 AND expires_at < $2`,
		string(kind), s.now().Unix()); err != nil {
		return fmt.Errorf("prune expired %s records: %w", kind, err)
	}
	return nil
}

func (s *PGStore) selectOne(ctx context.Context, kind Kind, query string, args ...any) (Payload, error) {
	var (
		data       []byte
		consumedAt *int64
	)
	if err := s.db.QueryRow(ctx, query, args...).Scan(&data, &consumedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find %s record: %w", kind, err)
	}

	var consumed int64
	if consumedAt != nil {
		consumed = *consumedAt
	}
	return withConsumed(parsePayload(data), consumed), nil
}

// Consume implements Store. The consumed_at IS NULL guard makes the mark
// a database-level compare-and-set, so concurrent redemptions of a
// single-use artifact cannot both pass: rows-affected tells the caller
// whether this call won the mark.
func (s *PGStore) Consume(ctx context.Context, kind Kind, id string) (bool, error) {
	const query = `UPDATE oidc_tokens SET consumed_at = $3
WHERE type = $1 AND id = $2 AND consumed_at IS NULL`

	n, err := s.db.Exec(ctx, query, string(kind), id, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("consume %s record: %w", kind, err)
	}
	return n > 0, nil
}

// Destroy implements Store.
func (s *PGStore) Destroy(ctx context.Context, kind Kind, id string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM oidc_tokens WHERE type = $1 AND id = $2`, string(kind), id); err != nil {
		return fmt.Errorf("destroy %s record: %w", kind, err)
	}
	return nil
}

// RevokeByGrantID implements Store.
func (s *PGStore) RevokeByGrantID(ctx context.Context, kind Kind, grantID string) error {
	if !kind.GrantBound() || grantID == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM oidc_tokens WHERE type = $1 AND grant_id = $2`, string(kind), grantID); err != nil {
		return fmt.Errorf("revoke %s records for grant: %w", kind, err)
	}
	return nil
}

// List implements AdminStore.
func (s *PGStore) List(ctx context.Context, f Filter) ([]Summary, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Kind != "" {
		clauses = append(clauses, "type = "+arg(f.Kind))
	}
	switch f.Status {
	case StatusActive:
		clauses = append(clauses, "expires_at > "+arg(s.now().Unix()), "consumed_at IS NULL")
	case StatusExpired:
		clauses = append(clauses, "expires_at < "+arg(s.now().Unix()))
	case StatusConsumed:
		clauses = append(clauses, "consumed_at IS NOT NULL")
	}

	query := `SELECT ` + tokenColumns + ` FROM oidc_tokens`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY expires_at ASC LIMIT ` + arg(f.clampLimit())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list token records: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token record: %w", err)
		}
		out = append(out, summarize(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list token records: %w", err)
	}
	return out, nil
}

// Get implements AdminStore.
func (s *PGStore) Get(ctx context.Context, id string) (*Summary, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oidc_tokens WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token record: %w", err)
	}
	sum := summarize(rec)
	return &sum, nil
}

// DeleteByID implements AdminStore.
func (s *PGStore) DeleteByID(ctx context.Context, id string) (int64, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM oidc_tokens WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete token record: %w", err)
	}
	return n, nil
}

// DeleteByGrant implements AdminStore.
func (s *PGStore) DeleteByGrant(ctx context.Context, grantID string) (int64, error) {
	if grantID == "" {
		return 0, nil
	}
	n, err := s.db.Exec(ctx, `DELETE FROM oidc_tokens WHERE grant_id = $1`, grantID)
	if err != nil {
		return 0, fmt.Errorf("delete token records for grant: %w", err)
	}
	return n, nil
}

// scanRecord reads one full row. A payload that no longer parses is
// contained to that row as {"parseError": ...} so listings stay usable
// for forensics.
func scanRecord(row pgRow) (Record, error) {
	var (
		rec        Record
		kind       string
		data       []byte
		grantID    *string
		userCode   *string
		uid        *string
		consumedAt *int64
	)
	if err := row.Scan(&rec.ID, &kind, &data, &grantID, &userCode, &uid, &rec.ExpiresAt, &consumedAt); err != nil {
		return Record{}, err
	}

	rec.Kind = Kind(kind)
	rec.Payload = parsePayload(data)
	if grantID != nil {
		rec.GrantID = *grantID
	}
	if userCode != nil {
		rec.UserCode = *userCode
	}
	if uid != nil {
		rec.UID = *uid
	}
	if consumedAt != nil {
		rec.ConsumedAt = *consumedAt
	}
	return rec, nil
}

// parsePayload decodes a stored payload, degrading to a parse-error
// payload instead of failing the read.
func parsePayload(data []byte) Payload {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{"parseError": err.Error()}
	}
	return p
}

// nullable maps an empty string onto SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isNoRows returns true when the error represents a "no rows" condition.
// It works with both pgx (pgx.ErrNoRows) and the mock used in tests.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// ---------------------------------------------------------------------------
// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface
// ---------------------------------------------------------------------------

// pgxPoolWrapper wraps a *pgxpool.Pool so it satisfies the pgConn
// interface. The adapter is necessary because pgxpool.Pool.Exec returns
// (pgconn.CommandTag, error) whereas pgConn.Exec returns rows affected.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Query(ctx context.Context, sql string, args ...any) (pgRows, error) {
	rows, err := w.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := w.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
