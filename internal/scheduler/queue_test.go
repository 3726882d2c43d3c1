package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestPopDueOrdersByDueThenCreation(t *testing.T) {
	q := NewQueue(0)
	q.Schedule(Item{ID: "late", OwnerID: "c", DueAt: t0.Add(time.Minute), Order: 1})
	q.Schedule(Item{ID: "b", OwnerID: "c", DueAt: t0, Order: 3})
	q.Schedule(Item{ID: "a", OwnerID: "c", DueAt: t0, Order: 2})

	assert.Equal(t, []string{"a", "b"}, ids(q.PopDue(t0, 0)))
	assert.Empty(t, q.PopDue(t0, 0))
	assert.Equal(t, []string{"late"}, ids(q.PopDue(t0.Add(time.Minute), 0)))
	assert.Equal(t, 0, q.Len())
}

func TestScheduleIsUpsert(t *testing.T) {
	q := NewQueue(0)
	q.Schedule(Item{ID: "r1", OwnerID: "c", DueAt: t0})
	q.Schedule(Item{ID: "r1", OwnerID: "c", DueAt: t0.Add(time.Hour)})
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.PopDue(t0, 0))
	due, ok := q.NextDue()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), due)
}

func TestCancelIsIdempotent(t *testing.T) {
	q := NewQueue(0)
	q.Schedule(Item{ID: "r1", OwnerID: "c1", DueAt: t0})
	q.Schedule(Item{ID: "r2", OwnerID: "c1", DueAt: t0})
	q.Schedule(Item{ID: "r3", OwnerID: "c2", DueAt: t0})
	q.Defer("c1")

	assert.Equal(t, 2, q.Cancel("c1"))
	assert.Equal(t, 0, q.Cancel("c1"))
	assert.Equal(t, []string{"r3"}, ids(q.PopDue(t0, 0)))
	assert.False(t, q.IsParked("c1"))
}

func TestDeferKeepsPosition(t *testing.T) {
	q := NewQueue(0)
	q.Schedule(Item{ID: "a1", OwnerID: "A", DueAt: t0, Order: 1})
	q.Schedule(Item{ID: "b1", OwnerID: "B", DueAt: t0.Add(time.Minute), Order: 2})
	q.Schedule(Item{ID: "a2", OwnerID: "A", DueAt: t0.Add(2 * time.Minute), Order: 3})

	assert.Equal(t, 2, q.Defer("A"))
	// Work scheduled while parked stays parked.
	q.Schedule(Item{ID: "a3", OwnerID: "A", DueAt: t0, Order: 4})

	assert.Equal(t, []string{"b1"}, ids(q.PopDue(t0.Add(time.Hour), 0)))
	assert.Equal(t, 3, q.Resume("A"))
	assert.Equal(t, []string{"a1", "a3", "a2"}, ids(q.PopDue(t0.Add(time.Hour), 0)))
}

func TestPopDueRespectsMax(t *testing.T) {
	q := NewQueue(0)
	for i, id := range []string{"a", "b", "c"} {
		q.Schedule(Item{ID: id, OwnerID: "o", DueAt: t0, Order: int64(i)})
	}
	assert.Len(t, q.PopDue(t0, 2), 2)
	assert.Len(t, q.PopDue(t0, 2), 1)
}

func TestPendingListsParkedWork(t *testing.T) {
	q := NewQueue(0)
	q.Schedule(Item{ID: "x2", OwnerID: "o", DueAt: t0.Add(time.Minute)})
	q.Schedule(Item{ID: "x1", OwnerID: "o", DueAt: t0})
	q.Defer("o")
	assert.Equal(t, []string{"x1", "x2"}, ids(q.Pending("o")))
}

func TestWaitWakesOnEarlierItem(t *testing.T) {
	q := NewQueue(time.Hour)
	done := make(chan error, 1)
	go func() { done <- q.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	q.Schedule(Item{ID: "now", OwnerID: "o", DueAt: time.Now()})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on schedule")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	q := NewQueue(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)
}
