package batch

import "github.com/timmy/voucherd/internal/domain"

// priorityQueue holds queued operation ids in one FIFO bucket per priority.
// It is not safe for concurrent use; Engine guards it with its mutex.
type priorityQueue struct {
	buckets map[domain.Priority][]string
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{buckets: make(map[domain.Priority][]string, len(domain.Priorities))}
	for _, p := range domain.Priorities {
		q.buckets[p] = nil
	}
	return q
}

// push appends id to the bucket of p. Unknown priorities go to medium.
func (q *priorityQueue) push(id string, p domain.Priority) {
	if !p.IsValid() {
		p = domain.PriorityMedium
	}
	q.buckets[p] = append(q.buckets[p], id)
}

// pop removes and returns the head of the highest non-empty bucket.
func (q *priorityQueue) pop() (string, bool) {
	for _, p := range domain.Priorities {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		id := bucket[0]
		bucket[0] = ""
		q.buckets[p] = bucket[1:]
		return id, true
	}
	return "", false
}

// remove deletes id from whichever bucket holds it.
func (q *priorityQueue) remove(id string) bool {
	for _, p := range domain.Priorities {
		bucket := q.buckets[p]
		for i, queued := range bucket {
			if queued == id {
				q.buckets[p] = append(bucket[:i:i], bucket[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *priorityQueue) contains(id string) bool {
	for _, p := range domain.Priorities {
		for _, queued := range q.buckets[p] {
			if queued == id {
				return true
			}
		}
	}
	return false
}

func (q *priorityQueue) len() int {
	n := 0
	for _, p := range domain.Priorities {
		n += len(q.buckets[p])
	}
	return n
}

// depths returns the number of queued ids per priority.
func (q *priorityQueue) depths() map[domain.Priority]int {
	d := make(map[domain.Priority]int, len(domain.Priorities))
	for _, p := range domain.Priorities {
		d[p] = len(q.buckets[p])
	}
	return d
}
