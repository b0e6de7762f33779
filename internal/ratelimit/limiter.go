// Package ratelimit enforces per-principal fixed-window request limits
// backed by Redis. Both windows are updated in a single script call so a
// request is counted at most once per window regardless of outcome.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/clock"
)

const (
	WindowMinute = "minute"
	WindowDay    = "day"

	minuteSeconds = 60
	daySeconds    = 86400
)

// fixedWindowScript increments both window counters, arming the expiry on
// the first increment of each, and returns counts with remaining TTLs.
const fixedWindowScript = `
local c1 = redis.call("INCR", KEYS[1])
if c1 == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local t1 = redis.call("TTL", KEYS[1])

local c2 = redis.call("INCR", KEYS[2])
if c2 == 1 then
  redis.call("EXPIRE", KEYS[2], ARGV[2])
end
local t2 = redis.call("TTL", KEYS[2])

return {c1, t1, c2, t2}
`

// Limits carries the plan's per-window request ceilings. A nil field means
// the window is unlimited.
type Limits struct {
	PerMinute *int64
	PerDay    *int64
}

// Window describes one window's state after the current request was counted.
type Window struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Snapshot is the limiter's decision for a single request.
type Snapshot struct {
	Allowed        bool
	FailedOpen     bool
	ExceededWindow string
	RetryAfter     time.Duration
	Minute         *Window
	Day            *Window
}

// Limiter checks fixed-window limits against Redis.
type Limiter struct {
	scripter redis.Scripter
	script   *redis.Script
	clock    clock.Clock
	log      *zap.Logger
}

func New(scripter redis.Scripter, clk clock.Clock, log *zap.Logger) *Limiter {
	return &Limiter{
		scripter: scripter,
		script:   redis.NewScript(fixedWindowScript),
		clock:    clk,
		log:      log,
	}
}

// Check counts the request against both windows and reports whether it is
// admitted. When Redis is unreachable the request is admitted with a
// synthetic snapshot; callers can tell by the FailedOpen flag.
func (l *Limiter) Check(ctx context.Context, principalID string, limits Limits) *Snapshot {
	if limits.PerMinute == nil && limits.PerDay == nil {
		return &Snapshot{Allowed: true}
	}

	keys := []string{
		fmt.Sprintf("ratelimit:%s:minute", principalID),
		fmt.Sprintf("ratelimit:%s:day", principalID),
	}

	res, err := l.script.Run(ctx, l.scripter, keys, minuteSeconds, daySeconds).Int64Slice()
	if err != nil || len(res) < 4 {
		if l.log != nil {
			l.log.Warn("rate limiter unreachable, failing open",
				zap.String("principal_id", principalID),
				zap.Error(err),
			)
		}
		return l.failOpen(limits)
	}

	now := l.clock.Now()
	snap := &Snapshot{Allowed: true}
	if limits.PerMinute != nil {
		snap.Minute = l.window(*limits.PerMinute, res[0], res[1], minuteSeconds, now)
	}
	if limits.PerDay != nil {
		snap.Day = l.window(*limits.PerDay, res[2], res[3], daySeconds, now)
	}

	// The minute window takes priority when both are exhausted.
	if limits.PerMinute != nil && res[0] > *limits.PerMinute {
		snap.Allowed = false
		snap.ExceededWindow = WindowMinute
		snap.RetryAfter = snap.Minute.ResetAt.Sub(now)
	} else if limits.PerDay != nil && res[2] > *limits.PerDay {
		snap.Allowed = false
		snap.ExceededWindow = WindowDay
		snap.RetryAfter = snap.Day.ResetAt.Sub(now)
	}

	return snap
}

func (l *Limiter) window(limit, count, ttl int64, fullWindow int64, now time.Time) *Window {
	if ttl < 0 {
		ttl = fullWindow
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Window{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(ttl) * time.Second),
	}
}

// failOpen builds a snapshot that admits the request as if it were the first
// in each window.
func (l *Limiter) failOpen(limits Limits) *Snapshot {
	now := l.clock.Now()
	snap := &Snapshot{Allowed: true, FailedOpen: true}
	if limits.PerMinute != nil {
		snap.Minute = &Window{
			Limit:     *limits.PerMinute,
			Remaining: *limits.PerMinute - 1,
			ResetAt:   now.Add(minuteSeconds * time.Second),
		}
	}
	if limits.PerDay != nil {
		snap.Day = &Window{
			Limit:     *limits.PerDay,
			Remaining: *limits.PerDay - 1,
			ResetAt:   now.Add(daySeconds * time.Second),
		}
	}
	return snap
}
