// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the production Store. Counter state lives in Redis hashes
// and every operation runs as a single Lua script, so the read-check-write
// sequence is a conditional transaction rather than an optimistic-retry
// loop. Safe for multi-instance gateway deployments.
//
// Key layout under the configured prefix:
//
//	acct:<community>:<period>  hash {committed, reserved}
//	resv:<id>                  hash {community, period, estimate, actual,
//	                                 state, created_ms, expires_ms}
//	expiry                     zset member=<id> score=ttl expiry (unix ms)
type RedisStore struct {
	client           redis.Cmdable
	keyPrefix        string
	terminalRetainMS int64
}

var _ Store = (*RedisStore)(nil)

// DefaultTerminalRetention is how long a terminal reservation hash stays
// readable for idempotent replays before Redis evicts it. Retries and
// redeliveries land well inside this window.
const DefaultTerminalRetention = 24 * time.Hour

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "tollgate:budget:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithTerminalRetention sets how long terminal reservations remain
// readable for idempotent replay.
func WithTerminalRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.terminalRetainMS = d.Milliseconds() }
}

// NewRedisStore creates a Store backed by the given Redis client.
// The client must be a connected *redis.Client or *redis.ClusterClient.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:           client,
		keyPrefix:        "tollgate:budget:",
		terminalRetainMS: DefaultTerminalRetention.Milliseconds(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) accountKey(communityID string, period PeriodKey) string {
	return s.keyPrefix + "acct:" + communityID + ":" + string(period)
}

func (s *RedisStore) reservationKey(id string) string {
	return s.keyPrefix + "resv:" + id
}

func (s *RedisStore) expiryKey() string {
	return s.keyPrefix + "expiry"
}

// reserveScript is the conditional check-and-increment.
// KEYS[1] = account hash, KEYS[2] = reservation hash, KEYS[3] = expiry zset
// ARGV[1] = estimate, ARGV[2] = limit, ARGV[3] = created (unix ms),
// ARGV[4] = ttl expiry (unix ms), ARGV[5] = community, ARGV[6] = period,
// ARGV[7] = reservation id
//
// Returns {"REPLAY", state} when the id was seen before, {"REJECTED"} when
// the estimate does not fit, {"APPROVED"} on success.
var reserveScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[2], "state")
if state then
    return {"REPLAY", state}
end

local committed = tonumber(redis.call("HGET", KEYS[1], "committed") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local estimate = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

if committed + reserved + estimate > limit then
    return {"REJECTED"}
end

redis.call("HINCRBY", KEYS[1], "reserved", estimate)
redis.call("HSET", KEYS[2],
    "community", ARGV[5],
    "period", ARGV[6],
    "estimate", ARGV[1],
    "actual", "0",
    "state", "ACTIVE",
    "created_ms", ARGV[3],
    "expires_ms", ARGV[4])
redis.call("ZADD", KEYS[3], tonumber(ARGV[4]), ARGV[7])
return {"APPROVED"}
`)

// finalizeScript commits an ACTIVE reservation.
// KEYS[1] = reservation hash, KEYS[2] = account hash, KEYS[3] = expiry zset
// ARGV[1] = actual cost, ARGV[2] = reservation id, ARGV[3] = retention ms
var finalizeScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return {"NOT_FOUND"}
end
if state ~= "ACTIVE" then
    local est = redis.call("HGET", KEYS[1], "estimate") or "0"
    local act = redis.call("HGET", KEYS[1], "actual") or "0"
    return {"NOOP", state, est, act}
end

local estimate = tonumber(redis.call("HGET", KEYS[1], "estimate"))
redis.call("HINCRBY", KEYS[2], "reserved", -estimate)
redis.call("HINCRBY", KEYS[2], "committed", tonumber(ARGV[1]))
redis.call("HSET", KEYS[1], "state", "FINALIZED", "actual", ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]))
return {"APPLIED", "FINALIZED", tostring(estimate), ARGV[1]}
`)

// releaseScript aborts or expires an ACTIVE reservation, returning its
// estimate to the pool. The state check makes overlapping reaper sweeps
// (or an abort racing an expiry) a no-op for the loser.
// KEYS[1] = reservation hash, KEYS[2] = account hash, KEYS[3] = expiry zset
// ARGV[1] = target state, ARGV[2] = reservation id, ARGV[3] = retention ms
var releaseScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return {"NOT_FOUND"}
end
if state ~= "ACTIVE" then
    local est = redis.call("HGET", KEYS[1], "estimate") or "0"
    local act = redis.call("HGET", KEYS[1], "actual") or "0"
    return {"NOOP", state, est, act}
end

local estimate = tonumber(redis.call("HGET", KEYS[1], "estimate"))
redis.call("HINCRBY", KEYS[2], "reserved", -estimate)
redis.call("HSET", KEYS[1], "state", ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]))
return {"APPLIED", ARGV[1], tostring(estimate), "0"}
`)

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, cmd ReserveCommand) (ReserveOutcome, error) {
	now := cmd.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	expires := now.Add(cmd.TTL)

	raw, err := reserveScript.Run(ctx, s.client,
		[]string{
			s.accountKey(cmd.CommunityID, cmd.PeriodKey),
			s.reservationKey(cmd.ReservationID),
			s.expiryKey(),
		},
		int64(cmd.Estimate), int64(cmd.Limit),
		now.UnixMilli(), expires.UnixMilli(),
		cmd.CommunityID, string(cmd.PeriodKey), cmd.ReservationID,
	).Result()
	if err != nil {
		return ReserveOutcome{}, fmt.Errorf("%w: reserve: %v", ErrStorageUnavailable, err)
	}

	reply, err := scriptReply(raw)
	if err != nil {
		return ReserveOutcome{}, fmt.Errorf("budget/redis: reserve: %w", err)
	}

	switch reply[0] {
	case "APPROVED":
		return ReserveOutcome{Approved: true, State: StateActive}, nil
	case "REJECTED":
		return ReserveOutcome{Approved: false}, nil
	case "REPLAY":
		return ReserveOutcome{Approved: true, Replayed: true, State: ReservationState(reply[1])}, nil
	default:
		return ReserveOutcome{}, fmt.Errorf("budget/redis: unexpected reserve reply %q", reply[0])
	}
}

// Finalize implements Store.
func (s *RedisStore) Finalize(ctx context.Context, reservationID string, actual MicroUSD) (TransitionOutcome, error) {
	resv, err := s.Get(ctx, reservationID)
	if err != nil {
		if err == ErrReservationNotFound {
			return TransitionOutcome{NotFound: true}, nil
		}
		return TransitionOutcome{}, err
	}

	raw, err := finalizeScript.Run(ctx, s.client,
		[]string{
			s.reservationKey(reservationID),
			s.accountKey(resv.CommunityID, resv.PeriodKey),
			s.expiryKey(),
		},
		int64(actual), reservationID, s.terminalRetainMS,
	).Result()
	if err != nil {
		return TransitionOutcome{}, fmt.Errorf("%w: finalize: %v", ErrStorageUnavailable, err)
	}

	return s.transitionOutcome(raw, resv)
}

// Abort implements Store.
func (s *RedisStore) Abort(ctx context.Context, reservationID string) (TransitionOutcome, error) {
	return s.release(ctx, reservationID, StateAborted)
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, reservationID string) (TransitionOutcome, error) {
	return s.release(ctx, reservationID, StateExpired)
}

func (s *RedisStore) release(ctx context.Context, reservationID string, target ReservationState) (TransitionOutcome, error) {
	resv, err := s.Get(ctx, reservationID)
	if err != nil {
		if err == ErrReservationNotFound {
			return TransitionOutcome{NotFound: true}, nil
		}
		return TransitionOutcome{}, err
	}

	raw, err := releaseScript.Run(ctx, s.client,
		[]string{
			s.reservationKey(reservationID),
			s.accountKey(resv.CommunityID, resv.PeriodKey),
			s.expiryKey(),
		},
		string(target), reservationID, s.terminalRetainMS,
	).Result()
	if err != nil {
		return TransitionOutcome{}, fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, target, err)
	}

	return s.transitionOutcome(raw, resv)
}

func (s *RedisStore) transitionOutcome(raw interface{}, resv Reservation) (TransitionOutcome, error) {
	reply, err := scriptReply(raw)
	if err != nil {
		return TransitionOutcome{}, fmt.Errorf("budget/redis: transition: %w", err)
	}

	out := TransitionOutcome{
		CommunityID: resv.CommunityID,
		PeriodKey:   resv.PeriodKey,
	}

	switch reply[0] {
	case "NOT_FOUND":
		out.NotFound = true
		return out, nil
	case "APPLIED", "NOOP":
		out.Applied = reply[0] == "APPLIED"
		out.State = ReservationState(reply[1])
		est, _ := strconv.ParseInt(reply[2], 10, 64)
		act, _ := strconv.ParseInt(reply[3], 10, 64)
		out.Estimate = MicroUSD(est)
		out.ActualCost = MicroUSD(act)
		return out, nil
	default:
		return out, fmt.Errorf("budget/redis: unexpected transition reply %q", reply[0])
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, reservationID string) (Reservation, error) {
	vals, err := s.client.HGetAll(ctx, s.reservationKey(reservationID)).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: get: %v", ErrStorageUnavailable, err)
	}
	if len(vals) == 0 {
		return Reservation{}, ErrReservationNotFound
	}

	estimate, _ := strconv.ParseInt(vals["estimate"], 10, 64)
	actual, _ := strconv.ParseInt(vals["actual"], 10, 64)
	createdMS, _ := strconv.ParseInt(vals["created_ms"], 10, 64)
	expiresMS, _ := strconv.ParseInt(vals["expires_ms"], 10, 64)

	return Reservation{
		ID:            reservationID,
		CommunityID:   vals["community"],
		PeriodKey:     PeriodKey(vals["period"]),
		EstimatedCost: MicroUSD(estimate),
		ActualCost:    MicroUSD(actual),
		State:         ReservationState(vals["state"]),
		CreatedAt:     time.UnixMilli(createdMS).UTC(),
		TTLExpiresAt:  time.UnixMilli(expiresMS).UTC(),
	}, nil
}

// ExpiredBefore implements Store.
func (s *RedisStore) ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: expired scan: %v", ErrStorageUnavailable, err)
	}
	return ids, nil
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context, communityID string, period PeriodKey) (AccountSnapshot, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(communityID, period), "committed", "reserved").Result()
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("%w: snapshot: %v", ErrStorageUnavailable, err)
	}

	snap := AccountSnapshot{CommunityID: communityID, PeriodKey: period}
	if str, ok := vals[0].(string); ok {
		v, _ := strconv.ParseInt(str, 10, 64)
		snap.Committed = MicroUSD(v)
	}
	if str, ok := vals[1].(string); ok {
		v, _ := strconv.ParseInt(str, 10, 64)
		snap.Reserved = MicroUSD(v)
	}
	return snap, nil
}

// SetCommitted implements Store.
func (s *RedisStore) SetCommitted(ctx context.Context, communityID string, period PeriodKey, committed MicroUSD) error {
	err := s.client.HSet(ctx, s.accountKey(communityID, period), "committed", int64(committed)).Err()
	if err != nil {
		return fmt.Errorf("%w: set committed: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// scriptReply normalizes a Lua array reply into strings. go-redis hands
// back []interface{} with string or int64 members depending on the value.
func scriptReply(raw interface{}) ([]string, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("malformed script reply %T", raw)
	}
	reply := make([]string, len(arr))
	for i, v := range arr {
		switch t := v.(type) {
		case string:
			reply[i] = t
		case int64:
			reply[i] = strconv.FormatInt(t, 10)
		default:
			return nil, fmt.Errorf("malformed script reply element %T", v)
		}
	}
	return reply, nil
}
