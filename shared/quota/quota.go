// Package quota tracks monthly message usage per user in redis.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// CountFunc loads the authoritative usage for a month when the counter is
// missing from redis.
type CountFunc func(ctx context.Context, userID uint, since time.Time) (int64, error)

type Counter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb, now: time.Now}
}

func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (c *Counter) key(userID uint) string {
	return monthKey(userID, c.now())
}

func monthKey(userID uint, t time.Time) string {
	return fmt.Sprintf("quota:%d:%s", userID, t.UTC().Format("2006-01"))
}

// Usage returns this month's usage, seeding the counter from load on a miss.
func (c *Counter) Usage(ctx context.Context, userID uint, load CountFunc) (int64, error) {
	key := c.key(userID)
	n, err := c.rdb.Get(ctx, key).Int64()
	if err == nil {
		return n, nil
	}
	if err != redis.Nil {
		return 0, err
	}

	n, err = load(ctx, userID, MonthStart(c.now()))
	if err != nil {
		return 0, err
	}
	// SetNX keeps a concurrent Incr from being overwritten.
	if err := c.rdb.SetNX(ctx, key, n, 32*24*time.Hour).Err(); err != nil {
		return 0, err
	}
	return c.rdb.Get(ctx, key).Int64()
}

// Allow reports whether one more message fits under limit. A limit < 0 is
// unlimited.
func (c *Counter) Allow(ctx context.Context, userID uint, limit int, load CountFunc) (bool, error) {
	if limit < 0 {
		return true, nil
	}
	used, err := c.Usage(ctx, userID, load)
	if err != nil {
		return false, err
	}
	return used < int64(limit), nil
}

// Record counts one message against the current month.
func (c *Counter) Record(ctx context.Context, userID uint) error {
	key := c.key(userID)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 32*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Release gives back one message counted in the month of sentAt, for a send
// the provider later reported as failed. A missing counter is left alone so
// the next Usage reseeds it.
func (c *Counter) Release(ctx context.Context, userID uint, sentAt time.Time) error {
	return releaseScript.Run(ctx, c.rdb, []string{monthKey(userID, sentAt)}).Err()
}
