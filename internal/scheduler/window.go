package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/coldreach/internal/domain"
)

// ErrEmptyWindow is returned for windows with no sendable instant.
var ErrEmptyWindow = errors.New("send window has no open time")

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is
// accepted as end of day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("time %q: bad minute", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}

// Window is a parsed send window: allowed weekdays and a daily
// [start, end) range in a timezone.
type Window struct {
	days  [7]bool
	start int // minutes after local midnight
	end   int
	loc   *time.Location
}

// ParseWindow validates a send window. A nil window yields nil. No days
// listed means every day.
func ParseWindow(w *domain.SendWindow) (*Window, error) {
	if w == nil {
		return nil, nil
	}
	start, err := ParseClock(w.StartTime)
	if err != nil {
		return nil, fmt.Errorf("send window start: %w", err)
	}
	end, err := ParseClock(w.EndTime)
	if err != nil {
		return nil, fmt.Errorf("send window end: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("%w: end %s is not after start %s", ErrEmptyWindow, w.EndTime, w.StartTime)
	}
	out := &Window{start: start, end: end, loc: domain.LoadLocation(w.Timezone)}
	if len(w.Days) == 0 {
		for i := range out.days {
			out.days[i] = true
		}
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("send window: bad weekday %d", d)
		}
		out.days[d] = true
	}
	return out, nil
}

func at(day time.Time, minutes int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, minutes, 0, 0, loc)
}

// Next returns the earliest instant >= t inside the window.
func (w *Window) Next(t time.Time) time.Time {
	local := t.In(w.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
	for d := 0; d < 8; d++ {
		day := midnight.AddDate(0, 0, d)
		if !w.days[day.Weekday()] {
			continue
		}
		open := at(day, w.start, w.loc)
		shut := at(day, w.end, w.loc)
		if d == 0 {
			if local.Before(open) {
				return open
			}
			if local.Before(shut) {
				return t
			}
			continue
		}
		return open
	}
	// Unreachable for a parsed window: at least one weekday is open.
	return t
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	return w.Next(t).Equal(t)
}

// StepDueAt is when step should run given the previous step finished at
// prev: prev plus the step delay, snapped into the window for email steps.
func StepDueAt(prev time.Time, step *domain.Step, w *Window) (time.Time, error) {
	delay, err := step.Delay()
	if err != nil {
		return time.Time{}, err
	}
	due := prev.Add(delay)
	if w != nil && step.Kind == domain.StepEmail {
		due = w.Next(due)
	}
	return due, nil
}
