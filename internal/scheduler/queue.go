// Package scheduler keeps the time-ordered queue of pending sends and
// computes when each send is due.
//
// The queue is a min-heap on (due_at, creation order). Items belong to an
// owner (a campaign for recipients, an enrollment for step executions) so a
// whole owner can be parked, resumed or cancelled in one call.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Kind says what an item executes.
type Kind string

const (
	KindRecipient Kind = "recipient"
	KindStep      Kind = "step"
)

// Item is one unit of pending work.
type Item struct {
	ID      string    `json:"id"`       // recipient or step execution id
	Kind    Kind      `json:"kind"`
	OwnerID string    `json:"owner_id"` // campaign or enrollment id
	DueAt   time.Time `json:"due_at"`
	Order   int64     `json:"order"` // creation order of the target, FIFO tie-break
}

type entry struct {
	item   Item
	seq    uint64
	index  int // heap index, -1 while parked
	parked bool
}

type itemHeap []*entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.item.DueAt.Equal(b.item.DueAt) {
		return a.item.DueAt.Before(b.item.DueAt)
	}
	if a.item.Order != b.item.Order {
		return a.item.Order < b.item.Order
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	heap    itemHeap
	byID    map[string]*entry
	byOwner map[string]map[string]*entry
	paused  map[string]bool
	seq     uint64
	wake    chan struct{}

	now     func() time.Time
	maxWait time.Duration
}

// NewQueue returns an empty queue. Wait never sleeps longer than maxWait
// (default one minute) so wall-clock jumps are picked up.
func NewQueue(maxWait time.Duration) *Queue {
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &Queue{
		byID:    map[string]*entry{},
		byOwner: map[string]map[string]*entry{},
		paused:  map[string]bool{},
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		maxWait: maxWait,
	}
}

// SetClock overrides the time source used by Wait.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) addOwner(e *entry) {
	m, ok := q.byOwner[e.item.OwnerID]
	if !ok {
		m = map[string]*entry{}
		q.byOwner[e.item.OwnerID] = m
	}
	m[e.item.ID] = e
}

func (q *Queue) drop(e *entry) {
	if !e.parked && e.index >= 0 {
		heap.Remove(&q.heap, e.index)
	}
	delete(q.byID, e.item.ID)
	if m := q.byOwner[e.item.OwnerID]; m != nil {
		delete(m, e.item.ID)
		if len(m) == 0 {
			delete(q.byOwner, e.item.OwnerID)
		}
	}
}

// Schedule inserts the item or moves an existing item with the same ID to
// the new due time. Items of a parked owner are parked on arrival.
func (q *Queue) Schedule(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byID[it.ID]; ok {
		if e.item.OwnerID != it.OwnerID {
			q.drop(e)
		} else {
			e.item = it
			if !e.parked {
				heap.Fix(&q.heap, e.index)
				if q.heap[0] == e {
					q.signal()
				}
			}
			return
		}
	}

	q.seq++
	e := &entry{item: it, seq: q.seq, index: -1}
	q.byID[it.ID] = e
	q.addOwner(e)
	if q.paused[it.OwnerID] {
		e.parked = true
		return
	}
	heap.Push(&q.heap, e)
	if q.heap[0] == e {
		q.signal()
	}
}

// Remove drops one item. It reports whether the item was queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	q.drop(e)
	return true
}

// Cancel drops every item of owner, parked or not, and forgets that the
// owner was parked. Calling it twice is harmless.
func (q *Queue) Cancel(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.paused, owner)
	m := q.byOwner[owner]
	n := len(m)
	for _, e := range m {
		q.drop(e)
	}
	return n
}

// Defer parks every item of owner. Parked items keep their due time and
// order, and later Schedule calls for the owner are parked too.
func (q *Queue) Defer(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused[owner] = true
	n := 0
	for _, e := range q.byOwner[owner] {
		if e.parked {
			continue
		}
		heap.Remove(&q.heap, e.index)
		e.parked = true
		n++
	}
	return n
}

// Resume returns an owner's parked items to the heap. Items whose due time
// passed while parked become due immediately, in their original order.
func (q *Queue) Resume(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.paused, owner)
	n := 0
	for _, e := range q.byOwner[owner] {
		if !e.parked {
			continue
		}
		e.parked = false
		heap.Push(&q.heap, e)
		n++
	}
	if n > 0 {
		q.signal()
	}
	return n
}

// IsParked reports whether owner is currently deferred.
func (q *Queue) IsParked(owner string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[owner]
}

// PopDue removes and returns up to max items due at or before now, earliest
// first. max <= 0 means no limit.
func (q *Queue) PopDue(now time.Time, max int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for len(q.heap) > 0 && (max <= 0 || len(out) < max) {
		head := q.heap[0]
		if head.item.DueAt.After(now) {
			break
		}
		q.drop(head)
		out = append(out, head.item)
	}
	return out
}

// NextDue returns the earliest due time among unparked items.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].item.DueAt, true
}

// Get returns a queued item by id.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Item{}, false
	}
	return e.item, true
}

// Pending lists an owner's items, parked included, in dispatch order.
func (q *Queue) Pending(owner string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := make(itemHeap, 0, len(q.byOwner[owner]))
	for _, e := range q.byOwner[owner] {
		h = append(h, &entry{item: e.item, seq: e.seq})
	}
	heap.Init(&h)
	out := make([]Item, 0, len(h))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(*entry).item)
	}
	return out
}

// Len is the number of queued items, parked included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Wait blocks until the head item is due, an earlier item is scheduled, the
// owner of parked work resumes, or ctx ends. It never spins: an empty queue
// sleeps until woken.
func (q *Queue) Wait(ctx context.Context) error {
	due, ok := q.NextDue()
	wait := q.maxWait
	if ok {
		d := due.Sub(q.now())
		if d <= 0 {
			return nil
		}
		if d < wait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
		return nil
	case <-timer.C:
		return nil
	}
}
