// Package admission enforces the global concurrency ceiling and the
// one-active-call-per-destination rule on a Redis instance shared by every
// dispatcher.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

var (
	// ErrNoCapacity means the global slot ceiling has been reached.
	ErrNoCapacity = errors.New("admission: no capacity")
	// ErrDestinationBusy means another call holds the destination lock.
	ErrDestinationBusy = errors.New("admission: destination busy")
)

const (
	acquired       = 1
	alreadyHolding = 2
	noCapacity     = 0
	lockHeld       = -1
)

// KEYS: counter, holders, lock. ARGV: limit, ttl ms, call id, now ms.
var acquireScript = redis.NewScript(`
local counter = KEYS[1]
local holders = KEYS[2]
local lock = KEYS[3]
local limit = tonumber(ARGV[1])
local ttl = ARGV[2]
local callId = ARGV[3]
local now = ARGV[4]
if redis.call('ZSCORE', holders, callId) then
  if redis.call('GET', lock) == callId then
    return 2
  end
  if redis.call('SET', lock, callId, 'NX', 'PX', ttl) then
    return 2
  end
  return -1
end
local current = tonumber(redis.call('GET', counter) or '0')
if current >= limit then
  return 0
end
if not redis.call('SET', lock, callId, 'NX', 'PX', ttl) then
  return -1
end
redis.call('INCR', counter)
redis.call('ZADD', holders, now, callId)
return 1
`)

// KEYS: counter, holders, lock. ARGV: call id (may be empty).
var releaseScript = redis.NewScript(`
local counter = KEYS[1]
local holders = KEYS[2]
local lock = KEYS[3]
local callId = ARGV[1]
if callId == '' then
  redis.call('DEL', lock)
  local current = tonumber(redis.call('GET', counter) or '0')
  if current > 0 then
    redis.call('DECR', counter)
    return 1
  end
  return 0
end
if redis.call('GET', lock) == callId then
  redis.call('DEL', lock)
end
if redis.call('ZREM', holders, callId) == 1 then
  local current = tonumber(redis.call('GET', counter) or '0')
  if current > 0 then
    redis.call('DECR', counter)
  end
  return 1
end
return 0
`)

// KEYS: counter, holders. ARGV: cutoff ms.
var reapScript = redis.NewScript(`
local counter = KEYS[1]
local holders = KEYS[2]
local cutoff = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', holders, '-inf', '(' .. cutoff)
for _, callId in ipairs(expired) do
  if redis.call('ZREM', holders, callId) == 1 then
    local current = tonumber(redis.call('GET', counter) or '0')
    if current > 0 then
      redis.call('DECR', counter)
    end
  end
end
return expired
`)

// Options tune a Controller.
type Options struct {
	MaxConcurrentCalls int
	LockTTL            time.Duration
	KeyPrefix          string
	RetryAttempts      int
	RetryInterval      time.Duration
	Clock              clock.PassiveClock
}

// Controller coordinates admission through Redis counters and locks.
type Controller struct {
	client redis.Cmdable
	log    *logger.Logger
	clock  clock.PassiveClock

	limit         int
	lockTTL       time.Duration
	prefix        string
	retryAttempts uint64
	retryInterval time.Duration
}

// NewController constructs an admission controller.
func NewController(client redis.Cmdable, log *logger.Logger, opts Options) *Controller {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Controller{
		client:        client,
		log:           log.Named("admission"),
		clock:         opts.Clock,
		limit:         opts.MaxConcurrentCalls,
		lockTTL:       opts.LockTTL,
		prefix:        opts.KeyPrefix,
		retryAttempts: uint64(opts.RetryAttempts),
		retryInterval: opts.RetryInterval,
	}
}

// Limit returns the configured ceiling.
func (c *Controller) Limit() int {
	return c.limit
}

// CanAdmit is an advisory check: the counter is below the ceiling and the
// destination is unlocked. Any store error yields false.
func (c *Controller) CanAdmit(ctx context.Context, destination string) bool {
	pipe := c.client.Pipeline()
	current := pipe.Get(ctx, c.counterKey())
	locked := pipe.Exists(ctx, c.lockKey(destination))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("admission check failed, denying",
			zap.String("destination", destination),
			zap.Error(err),
		)
		return false
	}

	n, err := current.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("admission counter unreadable, denying", zap.Error(err))
		return false
	}
	return n < c.limit && locked.Val() == 0
}

// Acquire atomically claims a slot and the destination lock for the call.
// A call that already holds a slot acquires again without consuming another.
func (c *Controller) Acquire(ctx context.Context, destination string, callID uuid.UUID) error {
	keys := []string{c.counterKey(), c.holdersKey(), c.lockKey(destination)}

	var res int
	op := func() error {
		var err error
		res, err = acquireScript.Run(ctx, c.client, keys,
			c.limit, c.lockTTL.Milliseconds(), callID.String(), c.clock.Now().UnixMilli()).Int()
		return err
	}
	if err := c.retry(ctx, op); err != nil {
		return fmt.Errorf("admission: acquire: %w", err)
	}

	switch res {
	case acquired, alreadyHolding:
		return nil
	case noCapacity:
		return ErrNoCapacity
	case lockHeld:
		return ErrDestinationBusy
	default:
		return fmt.Errorf("admission: acquire: unexpected result %d", res)
	}
}

// Release frees the slot held by the call and clears the destination lock if
// the call owns it. Releasing a call that holds nothing is a no-op. With a nil
// call id the lock is cleared and the counter decremented unconditionally.
func (c *Controller) Release(ctx context.Context, destination string, callID uuid.UUID) error {
	keys := []string{c.counterKey(), c.holdersKey(), c.lockKey(destination)}
	holder := ""
	if callID != uuid.Nil {
		holder = callID.String()
	}

	var released int
	op := func() error {
		var err error
		released, err = releaseScript.Run(ctx, c.client, keys, holder).Int()
		return err
	}
	if err := c.retry(ctx, op); err != nil {
		return fmt.Errorf("admission: release: %w", err)
	}
	if released == 0 {
		c.log.Debug("release without held slot",
			zap.String("destination", destination),
			zap.String("call_id", holder),
		)
	}
	return nil
}

// CurrentConcurrency returns the global slot count.
func (c *Controller) CurrentConcurrency(ctx context.Context) (int, error) {
	n, err := c.client.Get(ctx, c.counterKey()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("admission: current concurrency: %w", err)
	}
	return n, nil
}

// ReapExpired frees slots whose holders acquired them longer than the lock TTL
// ago and returns the affected call ids.
func (c *Controller) ReapExpired(ctx context.Context) ([]uuid.UUID, error) {
	cutoff := c.clock.Now().Add(-c.lockTTL).UnixMilli()
	raw, err := reapScript.Run(ctx, c.client, []string{c.counterKey(), c.holdersKey()},
		strconv.FormatInt(cutoff, 10)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("admission: reap expired: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			c.log.Warn("dropping malformed slot holder", zap.String("holder", s))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Controller) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = 10 * c.retryInterval
	policy.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.retryAttempts), ctx))
}

func (c *Controller) counterKey() string {
	return c.prefix + "concurrent_calls"
}

func (c *Controller) holdersKey() string {
	return c.prefix + "slot_holders"
}

func (c *Controller) lockKey(destination string) string {
	return c.prefix + "phone_lock:" + destination
}
