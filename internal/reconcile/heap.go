// ABOUTME: Min-heap of pending reconciled events for the k-way merge
// ABOUTME: Ordered by compensated tick, then domain priority, then sequence
package reconcile

import "github.com/Hearback-Project/hearback-go/pkg/timeline"

// eventQueue orders pending events. Ties on tick break deterministically by
// the configured domain priority rank, then per-domain sequence number.
// Events are value types drained out of the ingest rings, so the heap holds
// no references back into producer-owned storage.
type eventQueue struct {
	items []timeline.Event
	rank  map[timeline.DomainID]int
}

func newEventQueue(rank map[timeline.DomainID]int) *eventQueue {
	return &eventQueue{rank: rank}
}

func (q *eventQueue) Len() int { return len(q.items) }

func (q *eventQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Tick != b.Tick {
		return a.Tick < b.Tick
	}
	if ra, rb := q.rank[a.Domain], q.rank[b.Domain]; ra != rb {
		return ra < rb
	}
	return a.Seq < b.Seq
}

func (q *eventQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *eventQueue) Push(x interface{}) {
	q.items = append(q.items, x.(timeline.Event))
}

func (q *eventQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *eventQueue) Peek() timeline.Event { return q.items[0] }
