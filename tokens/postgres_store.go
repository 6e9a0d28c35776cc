package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const (
	selectByHashSQL = `SELECT id, token_hash, subject, family_id, issued_at, expires_at, revoked, revoked_at, replaced_by_hash, client_ip, user_agent
FROM refresh_tokens
WHERE token_hash = $1`

	insertSQL = `INSERT INTO refresh_tokens
(id, token_hash, subject, family_id, issued_at, expires_at, revoked, revoked_at, replaced_by_hash, client_ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	conditionalRevokeSQL = `UPDATE refresh_tokens
SET revoked = TRUE, revoked_at = $2, replaced_by_hash = COALESCE(NULLIF($3, ''), replaced_by_hash)
WHERE id = $1 AND revoked = FALSE`

	revokeFamilySQL = `UPDATE refresh_tokens
SET revoked = TRUE, revoked_at = $2
WHERE family_id = $1 AND revoked = FALSE`

	deleteExpiredSQL = `DELETE FROM refresh_tokens WHERE expires_at < $1`
)

// PostgresStore keeps tokens in the refresh_tokens table. The revoked flag is
// only ever changed by UPDATE statements guarded with "AND revoked = FALSE",
// so row-level locking in the database serialises competing rotations.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (*Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		t         Token
		revokedAt sql.NullTime
		replaced  sql.NullString
		clientIP  sql.NullString
		userAgent sql.NullString
	)
	err := s.db.QueryRowContext(ctx, selectByHashSQL, hash).Scan(
		&t.ID,
		&t.Hash,
		&t.Subject,
		&t.FamilyID,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.Revoked,
		&revokedAt,
		&replaced,
		&clientIP,
		&userAgent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if revokedAt.Valid {
		t.RevokedAt = revokedAt.Time
	}
	t.ReplacedByHash = replaced.String
	t.ClientIP = clientIP.String
	t.UserAgent = userAgent.String
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRow(ctx context.Context, db execer, t *Token) error {
	_, err := db.ExecContext(ctx, insertSQL,
		t.ID,
		t.Hash,
		t.Subject,
		t.FamilyID,
		t.IssuedAt,
		t.ExpiresAt,
		t.Revoked,
		nullTime(t.RevokedAt),
		nullString(t.ReplacedByHash),
		t.ClientIP,
		t.UserAgent,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateHash
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *PostgresStore) Insert(ctx context.Context, t *Token) error {
	if t == nil || t.ID == "" || t.Hash == "" || t.FamilyID == "" {
		return errors.New("tokens: id, hash and family are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return insertRow(ctx, s.db, t)
}

func (s *PostgresStore) ConditionalRevoke(ctx context.Context, id, replacedByHash string, at time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, conditionalRevokeSQL, id, at, replacedByHash)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) RevokeAllInFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, revokeFamilySQL, familyID, at)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Rotate runs the conditional revoke and the successor insert in one
// transaction. A concurrent rotation of the same row blocks on the row lock,
// then re-evaluates "revoked = FALSE" and affects zero rows.
func (s *PostgresStore) Rotate(ctx context.Context, presentedID string, successor *Token, at time.Time) (rotated bool, err error) {
	if successor == nil || successor.ID == "" || successor.Hash == "" || successor.FamilyID == "" {
		return false, errors.New("tokens: successor id, hash and family are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if !rotated || err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, conditionalRevokeSQL, presentedID, at, successor.Hash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertRow(ctx, tx, successor); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, deleteExpiredSQL, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
