package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ignite/coldreach/internal/domain"
)

// ErrBadPlan is wrapped by every campaign pacing validation error.
var ErrBadPlan = errors.New("invalid campaign pacing")

// ValidatePlan checks a campaign's pacing settings without planning.
func ValidatePlan(c *domain.Campaign) error {
	if c.MinDelaySeconds < 0 || c.MaxDelaySeconds < 0 {
		return fmt.Errorf("%w: negative delay", ErrBadPlan)
	}
	if c.BatchSize < 0 || c.BatchDelayMinutes < 0 {
		return fmt.Errorf("%w: negative batch settings", ErrBadPlan)
	}
	if c.SendMode == domain.SendSpread {
		if c.SpreadDays <= 0 {
			return fmt.Errorf("%w: spread_days must be positive", ErrBadPlan)
		}
		start, err := ParseClock(c.SpreadStartTime)
		if err != nil {
			return fmt.Errorf("%w: spread start: %v", ErrBadPlan, err)
		}
		end, err := ParseClock(c.SpreadEndTime)
		if err != nil {
			return fmt.Errorf("%w: spread end: %v", ErrBadPlan, err)
		}
		if end <= start {
			return fmt.Errorf("%w: spread end must be after start", ErrBadPlan)
		}
	}
	return nil
}

// PlanCampaign returns the due time of each of n recipients, in recipient
// order, for a campaign starting at start.
//
//   - spread mode splits recipients evenly over spread_days daily windows,
//     earlier days taking the remainder, spaced evenly inside each window;
//   - batch_size > 0 releases batch_size recipients every
//     batch_delay_minutes;
//   - otherwise recipients go one after another with a random gap in
//     [min_delay_seconds, max_delay_seconds], the first at start.
func PlanCampaign(c *domain.Campaign, start time.Time, n int, rng *rand.Rand) ([]time.Time, error) {
	if err := ValidatePlan(c); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	switch {
	case c.SendMode == domain.SendSpread:
		return planSpread(c, start, n)
	case c.BatchSize > 0:
		return planBatches(c, start, n), nil
	}
	return planJitter(c, start, n, rng), nil
}

func planBatches(c *domain.Campaign, start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	gap := time.Duration(c.BatchDelayMinutes) * time.Minute
	for i := range out {
		out[i] = start.Add(time.Duration(i/c.BatchSize) * gap)
	}
	return out
}

func planJitter(c *domain.Campaign, start time.Time, n int, rng *rand.Rand) []time.Time {
	lo, hi := c.MinDelaySeconds, c.MaxDelaySeconds
	if hi < lo {
		lo, hi = hi, lo
	}
	out := make([]time.Time, n)
	t := start
	for i := range out {
		if i > 0 {
			gap := lo
			if hi > lo {
				gap += rng.Intn(hi - lo + 1)
			}
			t = t.Add(time.Duration(gap) * time.Second)
		}
		out[i] = t
	}
	return out
}

func planSpread(c *domain.Campaign, start time.Time, n int) ([]time.Time, error) {
	ws, _ := ParseClock(c.SpreadStartTime)
	we, _ := ParseClock(c.SpreadEndTime)
	loc := domain.LoadLocation(c.Timezone)
	local := start.In(loc)
	first := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	// A start after today's window pushes the whole spread one day.
	if !local.Before(at(first, we, loc)) {
		first = first.AddDate(0, 0, 1)
	}

	days := c.SpreadDays
	out := make([]time.Time, 0, n)
	per, extra := n/days, n%days
	for d := 0; d < days; d++ {
		k := per
		if d < extra {
			k++
		}
		if k == 0 {
			continue
		}
		day := first.AddDate(0, 0, d)
		open, shut := at(day, ws, loc), at(day, we, loc)
		if open.Before(start) {
			open = start
		}
		step := shut.Sub(open) / time.Duration(k)
		for j := 0; j < k; j++ {
			out = append(out, open.Add(time.Duration(j)*step))
		}
	}
	return out, nil
}

// Backoff is the retry delay after attempt failures (1-based): base doubled
// per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
