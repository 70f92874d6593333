// Package budget implements the BudgetLedger: admission control over LLM
// calls gated by two sliding windows, per-hour and per-minute. It is the
// single-writer resource the Extractor owns — no other task ever calls
// Admit.
package budget

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Ledger tracks LLM call admission across an hourly and a per-minute
// window, using a rate.Limiter per window. A call is admitted only if both
// windows have remaining capacity; admitting one window's reservation
// while the other is exhausted would silently let the exhausted window's
// discipline slip, so Admit reserves from both and rolls back either
// reservation if the other is refused.
type Ledger struct {
	logger zerolog.Logger

	hourly *rate.Limiter
	minute *rate.Limiter

	hourlyCap int
	shared    *redis.Client
}

// NewLedger creates a BudgetLedger with the given per-hour and per-minute
// call caps. Each window is modeled as a token bucket that refills to its
// cap once per window with burst equal to the cap, so a freshly started
// process can immediately admit up to the full window capacity.
func NewLedger(logger zerolog.Logger, hourlyCap, minuteCap int) *Ledger {
	hourlyRate := rate.Limit(float64(hourlyCap) / time.Hour.Seconds())
	minuteRate := rate.Limit(float64(minuteCap) / time.Minute.Seconds())
	return &Ledger{
		logger:    logger.With().Str("component", "budget").Logger(),
		hourly:    rate.NewLimiter(hourlyRate, hourlyCap),
		minute:    rate.NewLimiter(minuteRate, minuteCap),
		hourlyCap: hourlyCap,
	}
}

// AttachRedis gives the Ledger a shared counter to coordinate the hourly
// cap across more than one sourcewatch process against the same provider
// account. A nil client (the common single-process case) leaves the
// Ledger purely in-process. Only the hourly window is coordinated; the
// per-minute window's burst is cheap enough that a momentary overshoot
// across processes is tolerable.
func (l *Ledger) AttachRedis(c *redis.Client) {
	l.shared = c
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	// RetryAfter is the duration until the earliest window frees capacity,
	// valid only when Admitted is false.
	RetryAfter time.Duration
}

// Admit reserves one unit of capacity from both windows and reports
// whether the call may proceed now. A refused reservation is always
// cancelled so it doesn't consume capacity that was never used.
func (l *Ledger) Admit() Decision {
	now := time.Now()

	hourRes := l.hourly.ReserveN(now, 1)
	minRes := l.minute.ReserveN(now, 1)

	hourDelay := hourRes.DelayFrom(now)
	minDelay := minRes.DelayFrom(now)

	if hourDelay == 0 && minDelay == 0 {
		if !l.admitShared() {
			hourRes.CancelAt(now)
			minRes.CancelAt(now)
			l.logger.Debug().Msg("hourly cap exhausted on shared counter, deferring")
			return Decision{Admitted: false, RetryAfter: time.Minute}
		}
		return Decision{Admitted: true}
	}

	hourRes.CancelAt(now)
	minRes.CancelAt(now)

	retry := hourDelay
	if minDelay > retry {
		retry = minDelay
	}
	l.logger.Debug().
		Dur("hour_delay", hourDelay).
		Dur("minute_delay", minDelay).
		Dur("retry_after", retry).
		Msg("budget exhausted, deferring")
	return Decision{Admitted: false, RetryAfter: retry}
}

// admitShared increments the shared hourly counter and reports whether it
// is still within hourlyCap. It fails open (admits) on any Redis error so
// a backing-store outage degrades to in-process-only limiting rather than
// blocking extraction entirely.
func (l *Ledger) admitShared() bool {
	if l.shared == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	key := "sourcewatch:budget:hourly:" + time.Now().UTC().Format("2006010215")
	count, err := l.shared.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Msg("shared budget counter unavailable, falling back to in-process limiter")
		return true
	}
	if count == 1 {
		l.shared.Expire(ctx, key, 2*time.Hour)
	}
	return int(count) <= l.hourlyCap
}

// Remaining reports the current remaining burst capacity in each window,
// for the admin stats surface.
func (l *Ledger) Remaining() (hourly, minute int) {
	now := time.Now()
	return int(l.hourly.TokensAt(now)), int(l.minute.TokensAt(now))
}
