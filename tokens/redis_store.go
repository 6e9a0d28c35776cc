package tokens

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/taskgate/kv"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "rt:"
	// DefaultRetention keeps rows readable past expiry so a replayed, rotated
	// token is still recognised as reuse instead of as unknown.
	DefaultRetention = 24 * time.Hour
)

const (
	fieldID        = "id"
	fieldHash      = "hash"
	fieldSubject   = "sub"
	fieldFamily    = "fam"
	fieldIssuedAt  = "iat"
	fieldExpiresAt = "exp"
	fieldRevoked   = "rev"
	fieldRevokedAt = "rat"
	fieldReplaced  = "rby"
	fieldClientIP  = "ip"
	fieldUserAgent = "ua"
)

const (
	insertStatusDuplicate int64 = 0
	insertStatusInserted  int64 = 1

	rotateStatusAlreadyRevoked int64 = 0
	rotateStatusRotated        int64 = 1
	rotateStatusDuplicate      int64 = 2
)

// KEYS: row, hash index, family set
// ARGV: id, expireAtMs, field/value pairs...
// The family set always takes the newest member's expiry, which is the latest
// in the family because every token in it shares one lifetime.
const insertScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("PEXPIREAT", KEYS[1], ARGV[2])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("PEXPIREAT", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("PEXPIREAT", KEYS[3], ARGV[2])
return 1
`

var insertLua = redis.NewScript(insertScript)

// KEYS: row
// ARGV: revokedAtMs, replacedByHash
const conditionalRevokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "rev") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "rev", "1", "rat", ARGV[1])
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[1], "rby", ARGV[2])
end
return 1
`

var conditionalRevokeLua = redis.NewScript(conditionalRevokeScript)

// KEYS: presented row, successor row, successor hash index, family set
// ARGV: revokedAtMs, successor hash, successor id, successor expireAtMs, field/value pairs...
const rotateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "rev") == "1" then
  return 0
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 2
end
redis.call("HSET", KEYS[1], "rev", "1", "rat", ARGV[1], "rby", ARGV[2])
redis.call("HSET", KEYS[2], unpack(ARGV, 5))
redis.call("PEXPIREAT", KEYS[2], ARGV[4])
redis.call("SET", KEYS[3], ARGV[3])
redis.call("PEXPIREAT", KEYS[3], ARGV[4])
redis.call("SADD", KEYS[4], ARGV[3])
redis.call("PEXPIREAT", KEYS[4], ARGV[4])
return 1
`

var rotateLua = redis.NewScript(rotateScript)

// KEYS: family set
// ARGV: revokedAtMs, row key prefix
const revokeFamilyScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local changed = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call("EXISTS", key) == 1 and redis.call("HGET", key, "rev") ~= "1" then
    redis.call("HSET", key, "rev", "1", "rat", ARGV[1])
    changed = changed + 1
  end
end
return changed
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

// KEYS: row
// ARGV: nowMs, hash index prefix, family prefix
const deleteExpiredScript = `
local exp = tonumber(redis.call("HGET", KEYS[1], "exp") or "-1")
if exp < 0 or exp >= tonumber(ARGV[1]) then
  return 0
end
local id = redis.call("HGET", KEYS[1], "id")
local hash = redis.call("HGET", KEYS[1], "hash")
local fam = redis.call("HGET", KEYS[1], "fam")
redis.call("DEL", KEYS[1])
if hash then
  local idxKey = ARGV[2] .. hash
  if redis.call("GET", idxKey) == id then
    redis.call("DEL", idxKey)
  end
end
if fam then
  redis.call("SREM", ARGV[3] .. fam, id)
end
return 1
`

var deleteExpiredLua = redis.NewScript(deleteExpiredScript)

// RedisOptions tunes key layout and retention.
type RedisOptions struct {
	Prefix    string
	Retention time.Duration
	// ScanCount is the COUNT hint used by DeleteExpired.
	ScanCount int64
}

// RedisStore keeps each token as a hash at <prefix>tok:<id>, a hash index at
// <prefix>h:<hash> and a family membership set at <prefix>fam:<family>. All
// three expire Retention after the token's own expiry.
//
// The scripts address keys derived from the family set, so the store expects
// a single Redis primary rather than a sharded cluster.
type RedisStore struct {
	client    *kv.Client
	prefix    string
	retention time.Duration
	scanCount int64
}

func NewRedisStore(client *kv.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = 256
	}
	return &RedisStore{
		client:    client,
		prefix:    opts.Prefix,
		retention: opts.Retention,
		scanCount: opts.ScanCount,
	}
}

func (s *RedisStore) rowPrefix() string { return s.prefix + "tok:" }
func (s *RedisStore) hashPrefix() string { return s.prefix + "h:" }
func (s *RedisStore) familyPrefix() string { return s.prefix + "fam:" }

func (s *RedisStore) rowKey(id string) string { return s.rowPrefix() + id }
func (s *RedisStore) hashKey(hash string) string { return s.hashPrefix() + hash }
func (s *RedisStore) familyKey(family string) string { return s.familyPrefix() + family }
func (s *RedisStore) expireAt(t *Token) int64 { return t.ExpiresAt.Add(s.retention).UnixMilli() }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FindByHash resolves the hash index and loads the row.
//
// Performance: 1 GET + 1 HGETALL.
func (s *RedisStore) FindByHash(ctx context.Context, hash string) (*Token, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	rdb := s.client.Redis()
	id, err := rdb.Get(ctx, s.hashKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fields, err := rdb.HGetAll(ctx, s.rowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	t, err := decodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return t, nil
}

// Insert stores a new row. A hash that already exists yields ErrDuplicateHash.
//
// Performance: 1 Lua EVALSHA.
func (s *RedisStore) Insert(ctx context.Context, t *Token) error {
	if t == nil || t.ID == "" || t.Hash == "" || t.FamilyID == "" {
		return errors.New("tokens: id, hash and family are required")
	}

	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	args := append([]interface{}{t.ID, s.expireAt(t)}, encodeFields(t)...)
	res, err := insertLua.Run(
		ctx,
		s.client.Redis(),
		[]string{s.rowKey(t.ID), s.hashKey(t.Hash), s.familyKey(t.FamilyID)},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res == insertStatusDuplicate {
		return ErrDuplicateHash
	}
	return nil
}

// ConditionalRevoke flips rev to 1 only when it is not already set.
//
// Performance: 1 Lua EVALSHA.
func (s *RedisStore) ConditionalRevoke(ctx context.Context, id, replacedByHash string, at time.Time) (int64, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	n, err := conditionalRevokeLua.Run(
		ctx,
		s.client.Redis(),
		[]string{s.rowKey(id)},
		at.UnixMilli(),
		replacedByHash,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// RevokeAllInFamily revokes every live row listed in the family set.
//
// Performance: 1 Lua EVALSHA, O(family size) inside the script.
func (s *RedisStore) RevokeAllInFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	n, err := revokeFamilyLua.Run(
		ctx,
		s.client.Redis(),
		[]string{s.familyKey(familyID)},
		at.UnixMilli(),
		s.rowPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Rotate performs the conditional revoke and successor insert in one script.
//
// Performance: 1 Lua EVALSHA.
// Security: a second Rotate of the same presentedID observes rev=1 and returns
// false without writing anything.
func (s *RedisStore) Rotate(ctx context.Context, presentedID string, successor *Token, at time.Time) (bool, error) {
	if successor == nil || successor.ID == "" || successor.Hash == "" || successor.FamilyID == "" {
		return false, errors.New("tokens: successor id, hash and family are required")
	}

	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	args := append([]interface{}{
		at.UnixMilli(),
		successor.Hash,
		successor.ID,
		s.expireAt(successor),
	}, encodeFields(successor)...)

	res, err := rotateLua.Run(
		ctx,
		s.client.Redis(),
		[]string{
			s.rowKey(presentedID),
			s.rowKey(successor.ID),
			s.hashKey(successor.Hash),
			s.familyKey(successor.FamilyID),
		},
		args...,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch res {
	case rotateStatusRotated:
		return true, nil
	case rotateStatusAlreadyRevoked:
		return false, nil
	case rotateStatusDuplicate:
		return false, ErrDuplicateHash
	default:
		return false, fmt.Errorf("%w: invalid rotate script status %d", ErrUnavailable, res)
	}
}

// DeleteExpired walks the row keyspace with SCAN and removes rows whose expiry
// is before now, together with their index entries.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	rdb := s.client.Redis()
	var (
		cursor  uint64
		deleted int64
	)
	for {
		scanCtx, cancel := s.client.WithTimeout(ctx)
		keys, next, err := rdb.Scan(scanCtx, cursor, s.rowPrefix()+"*", s.scanCount).Result()
		cancel()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, key := range keys {
			delCtx, cancel := s.client.WithTimeout(ctx)
			n, err := deleteExpiredLua.Run(
				delCtx,
				rdb,
				[]string{key},
				now.UnixMilli(),
				s.hashPrefix(),
				s.familyPrefix(),
			).Int64()
			cancel()
			if err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			deleted += n
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
	}
}

func encodeFields(t *Token) []interface{} {
	revoked := "0"
	if t.Revoked {
		revoked = "1"
	}
	var revokedAt int64
	if !t.RevokedAt.IsZero() {
		revokedAt = t.RevokedAt.UnixMilli()
	}
	return []interface{}{
		fieldID, t.ID,
		fieldHash, t.Hash,
		fieldSubject, t.Subject,
		fieldFamily, t.FamilyID,
		fieldIssuedAt, t.IssuedAt.UnixMilli(),
		fieldExpiresAt, t.ExpiresAt.UnixMilli(),
		fieldRevoked, revoked,
		fieldRevokedAt, revokedAt,
		fieldReplaced, t.ReplacedByHash,
		fieldClientIP, t.ClientIP,
		fieldUserAgent, t.UserAgent,
	}
}

func decodeFields(f map[string]string) (*Token, error) {
	iat, err := parseMillis(f[fieldIssuedAt])
	if err != nil {
		return nil, fmt.Errorf("corrupt iat: %w", err)
	}
	exp, err := parseMillis(f[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("corrupt exp: %w", err)
	}
	rat, err := parseMillis(f[fieldRevokedAt])
	if err != nil {
		return nil, fmt.Errorf("corrupt rat: %w", err)
	}

	return &Token{
		ID:             f[fieldID],
		Hash:           f[fieldHash],
		Subject:        f[fieldSubject],
		FamilyID:       f[fieldFamily],
		IssuedAt:       iat,
		ExpiresAt:      exp,
		Revoked:        f[fieldRevoked] == "1",
		RevokedAt:      rat,
		ReplacedByHash: f[fieldReplaced],
		ClientIP:       f[fieldClientIP],
		UserAgent:      f[fieldUserAgent],
	}, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
