// Package ratelimit enforces per-account sending quotas. A reservation is a
// single atomic check-and-increment across every bucket it touches, so a
// Grant is already counted when it is returned.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/coldreach/internal/domain"
)

// Outcome is the kind of admission decision.
type Outcome int

const (
	Grant Outcome = iota
	Deferred
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Grant:
		return "grant"
	case Deferred:
		return "deferred"
	case Denied:
		return "denied"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Decision answers one reservation. NextAvailableAt is set for Deferred and
// Reason for Deferred and Denied.
type Decision struct {
	Outcome         Outcome
	NextAvailableAt time.Time
	Reason          string
}

// Granted is shorthand for d.Outcome == Grant.
func (d Decision) Granted() bool { return d.Outcome == Grant }

// Cap is an extra daily bucket reserved together with the account, such as
// a per-sequence send throttle. Limit <= 0 disables it. The account's own
// daily bucket has no such escape: a zero cap denies.
type Cap struct {
	Key   string
	Limit int
}

// Usage is a read-only snapshot of an account's counters.
type Usage struct {
	SentToday   int `json:"sent_today"`
	SentHour    int `json:"sent_this_hour"`
	DailyLimit  int `json:"daily_limit"`
	HourlyLimit int `json:"hourly_limit"`
}

// Limiter is the quota authority shared by every executor worker.
type Limiter interface {
	Reserve(ctx context.Context, account *domain.SendingAccount, now time.Time, caps ...Cap) (Decision, error)
	Usage(ctx context.Context, account *domain.SendingAccount, now time.Time) (Usage, error)
}

// PausedRetry is how long a paused account defers work before it is asked
// again.
const PausedRetry = 15 * time.Minute

// bucket is one counter a reservation must fit into.
type bucket struct {
	key     string
	window  string // identifies the current period, e.g. 2026-03-02 or 2026-03-02T09
	limit   int
	resetAt time.Time
	reason  string
	hourly  bool
}

// admission returns the pre-check decision for account status; ok is false
// when the caller must not touch counters.
func admission(a *domain.SendingAccount, now time.Time) (Decision, bool) {
	if !a.IsSendable() {
		return Decision{Outcome: Denied, Reason: fmt.Sprintf("account %s is %s", a.ID, a.Status)}, false
	}
	if a.Status == domain.AccountPaused {
		return Decision{Outcome: Deferred, NextAvailableAt: now.Add(PausedRetry), Reason: "account paused"}, false
	}
	if a.EffectiveDailyLimit() <= 0 {
		return Decision{Outcome: Denied, Reason: fmt.Sprintf("account %s has no daily limit configured", a.ID)}, false
	}
	return Decision{}, true
}

// buckets lays out the counters for account at now in check order: daily,
// extra caps, hourly. The first failing bucket always has the latest reset.
// Every bucket returned has a positive limit.
func buckets(a *domain.SendingAccount, now time.Time, caps []Cap) []bucket {
	loc := a.Location()
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	nextDay := dayStart.AddDate(0, 0, 1)
	hourStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	day := dayStart.Format("2006-01-02")

	out := []bucket{{
		key:     "acct:" + a.ID + ":day",
		window:  day,
		limit:   a.EffectiveDailyLimit(),
		resetAt: nextDay,
		reason:  "daily limit reached",
	}}
	for _, c := range caps {
		if c.Limit <= 0 || c.Key == "" {
			continue
		}
		out = append(out, bucket{
			key:     "cap:" + c.Key + ":day",
			window:  day,
			limit:   c.Limit,
			resetAt: nextDay,
			reason:  "throttle " + c.Key + " reached",
		})
	}
	if a.HourlyLimit > 0 {
		out = append(out, bucket{
			key:     "acct:" + a.ID + ":hour",
			window:  hourStart.Format("2006-01-02T15"),
			limit:   a.HourlyLimit,
			resetAt: hourStart.Add(time.Hour),
			reason:  "hourly limit reached",
			hourly:  true,
		})
	}
	return out
}

func deferredBy(b bucket) Decision {
	return Decision{Outcome: Deferred, NextAvailableAt: b.resetAt, Reason: b.reason}
}
