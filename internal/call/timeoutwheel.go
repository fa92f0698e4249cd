package call

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// deadlineHeap orders scheduled timeouts by firing time; go-ethereum's txpool eviction heaps
// follow the same container/heap.Interface shape over a plain slice.
type deadlineHeap []deadlineEntry

type deadlineEntry struct {
	callID     string
	deadline   time.Time
	generation uint64
}

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// TimeoutWheel schedules a single timeout per callId: any non-terminal call older than its
// deadline fires onTimeout(callID) exactly once. Rescheduling a callId (Initiate's ringing
// window followed by Answer's call-duration window, for instance) pushes a new heap entry
// without removing the old one; generation tracks which entry is current per callId so a
// stale entry popped later is ignored instead of firing a timeout the reschedule superseded.
type TimeoutWheel struct {
	mu         sync.Mutex
	heap       deadlineHeap
	generation map[string]uint64
	cancelled  map[string]bool
	wake       chan struct{}
	onTimeout  func(ctx context.Context, callID string)
}

// NewTimeoutWheel constructs a wheel that invokes onTimeout for every call whose deadline
// elapses before Cancel is called.
func NewTimeoutWheel(onTimeout func(ctx context.Context, callID string)) *TimeoutWheel {
	return &TimeoutWheel{
		generation: make(map[string]uint64),
		cancelled:  make(map[string]bool),
		wake:       make(chan struct{}, 1),
		onTimeout:  onTimeout,
	}
}

// Schedule arms (or re-arms) callID's timeout for deadline, superseding any entry already
// pending for callID.
func (w *TimeoutWheel) Schedule(callID string, deadline time.Time) {
	w.mu.Lock()
	w.generation[callID]++
	gen := w.generation[callID]
	delete(w.cancelled, callID)
	heap.Push(&w.heap, deadlineEntry{callID: callID, deadline: deadline, generation: gen})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel suppresses any pending firing for callID (the call reached a terminal state through
// a normal transition before its timeout elapsed).
func (w *TimeoutWheel) Cancel(callID string) {
	w.mu.Lock()
	w.cancelled[callID] = true
	w.mu.Unlock()
}

// Run drives the wheel until ctx is cancelled, firing onTimeout for each elapsed, uncancelled
// entry. Intended to be run under an errgroup alongside the gateway's other background loops.
func (w *TimeoutWheel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		timer := time.NewTimer(time.Hour)
		defer timer.Stop()

		for {
			w.mu.Lock()
			var next time.Duration
			if w.heap.Len() == 0 {
				next = time.Hour
			} else {
				next = time.Until(w.heap[0].deadline)
				if next < 0 {
					next = 0
				}
			}
			w.mu.Unlock()

			timer.Reset(next)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
				if !timer.Stop() {
					<-timer.C
				}
			case <-timer.C:
				w.fireElapsed(ctx)
			}
		}
	})
	return g.Wait()
}

func (w *TimeoutWheel) fireElapsed(ctx context.Context) {
	now := time.Now()
	for {
		w.mu.Lock()
		if w.heap.Len() == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		entry := heap.Pop(&w.heap).(deadlineEntry)
		if entry.generation != w.generation[entry.callID] {
			// Superseded by a later Schedule for the same callID; this entry's window no
			// longer applies.
			w.mu.Unlock()
			continue
		}
		cancelled := w.cancelled[entry.callID]
		delete(w.cancelled, entry.callID)
		delete(w.generation, entry.callID)
		w.mu.Unlock()

		if !cancelled {
			w.onTimeout(ctx, entry.callID)
		}
	}
}
