package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/domain"
)

func TestPlanCampaignBatches(t *testing.T) {
	c := &domain.Campaign{SendMode: domain.SendImmediate, BatchSize: 2, BatchDelayMinutes: 10}
	due, err := PlanCampaign(c, t0, 5, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	batches := map[time.Time]int{}
	for _, d := range due {
		batches[d]++
	}
	assert.Equal(t, map[time.Time]int{
		t0:                       2,
		t0.Add(10 * time.Minute): 2,
		t0.Add(20 * time.Minute): 1,
	}, batches)
}

func TestPlanCampaignJitter(t *testing.T) {
	c := &domain.Campaign{SendMode: domain.SendImmediate, MinDelaySeconds: 30, MaxDelaySeconds: 90}
	due, err := PlanCampaign(c, t0, 50, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.Len(t, due, 50)
	assert.Equal(t, t0, due[0])
	for i := 1; i < len(due); i++ {
		gap := due[i].Sub(due[i-1])
		assert.GreaterOrEqual(t, gap, 30*time.Second)
		assert.LessOrEqual(t, gap, 90*time.Second)
	}
}

func TestPlanCampaignSpread(t *testing.T) {
	c := &domain.Campaign{
		SendMode: domain.SendSpread, SpreadDays: 3,
		SpreadStartTime: "09:00", SpreadEndTime: "17:00", Timezone: "UTC",
	}
	// Starting before the window opens on day one.
	start := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	due, err := PlanCampaign(c, start, 7, nil)
	require.NoError(t, err)
	require.Len(t, due, 7)

	perDay := map[int]int{}
	for _, d := range due {
		perDay[d.Day()]++
		assert.True(t, d.Hour() >= 9 && d.Hour() < 17, "outside window: %v", d)
	}
	assert.Equal(t, map[int]int{2: 3, 3: 2, 4: 2}, perDay)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), due[0])
}

func TestPlanCampaignSpreadAfterWindowStartsTomorrow(t *testing.T) {
	c := &domain.Campaign{
		SendMode: domain.SendSpread, SpreadDays: 1,
		SpreadStartTime: "09:00", SpreadEndTime: "10:00", Timezone: "UTC",
	}
	due, err := PlanCampaign(c, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), due[0])
	assert.Equal(t, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC), due[1])
}

func TestValidatePlan(t *testing.T) {
	assert.ErrorIs(t, ValidatePlan(&domain.Campaign{SendMode: domain.SendSpread}), ErrBadPlan)
	assert.ErrorIs(t, ValidatePlan(&domain.Campaign{
		SendMode: domain.SendSpread, SpreadDays: 1, SpreadStartTime: "17:00", SpreadEndTime: "09:00",
	}), ErrBadPlan)
	assert.NoError(t, ValidatePlan(&domain.Campaign{SendMode: domain.SendImmediate}))
}

func TestWindowNext(t *testing.T) {
	w, err := ParseWindow(&domain.SendWindow{
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartTime: "09:00", EndTime: "17:00", Timezone: "America/New_York",
	})
	require.NoError(t, err)
	ny, _ := time.LoadLocation("America/New_York")

	// Friday 18:00 local snaps to Monday 09:00 local.
	fri := time.Date(2026, 3, 6, 18, 0, 0, 0, ny)
	assert.True(t, w.Next(fri).Equal(time.Date(2026, 3, 9, 9, 0, 0, 0, ny)))

	// Inside the window stays put.
	mon := time.Date(2026, 3, 9, 11, 30, 0, 0, ny)
	assert.True(t, w.Next(mon).Equal(mon))
	assert.True(t, w.Contains(mon))

	// Before opening snaps to opening the same day.
	early := time.Date(2026, 3, 10, 7, 0, 0, 0, ny)
	assert.True(t, w.Next(early).Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, ny)))
}

func TestStepDueAt(t *testing.T) {
	w, err := ParseWindow(&domain.SendWindow{StartTime: "09:00", EndTime: "17:00", Timezone: "UTC"})
	require.NoError(t, err)
	prev := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

	email := &domain.Step{ID: "e", Kind: domain.StepEmail, DelayValue: 2, DelayUnit: domain.DelayHours}
	due, err := StepDueAt(prev, email, w)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), due)

	// Only email steps are snapped.
	tag := &domain.Step{ID: "t", Kind: domain.StepTag, DelayValue: 2, DelayUnit: domain.DelayHours}
	due, err = StepDueAt(prev, tag, w)
	require.NoError(t, err)
	assert.Equal(t, prev.Add(2*time.Hour), due)

	delay := &domain.Step{ID: "d", Kind: domain.StepDelay, DelayValue: 1, DelayUnit: domain.DelayDays}
	due, err = StepDueAt(prev, delay, nil)
	require.NoError(t, err)
	assert.Equal(t, prev.Add(24*time.Hour), due)
}

func TestParseWindowRejectsEmpty(t *testing.T) {
	_, err := ParseWindow(&domain.SendWindow{StartTime: "10:00", EndTime: "10:00"})
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(1, time.Minute, time.Hour))
	assert.Equal(t, 4*time.Minute, Backoff(3, time.Minute, time.Hour))
	assert.Equal(t, time.Hour, Backoff(20, time.Minute, time.Hour))
}
