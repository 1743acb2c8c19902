package aec

import "time"

// pendingBatch is one near-end capture batch awaiting alignment with a
// far-end batch. pcm is always 16-bit mono at the negotiated near-end rate.
type pendingBatch struct {
	pcm       []byte
	timestamp time.Time
}

// referenceQueue is the ordered pending-reference queue. Batches enter in
// arrival order and leave only once the depth exceeds the configured input
// delay, guaranteeing the canceller delay-many batches of near-end
// lookahead. In steady state it is drained as fast as it is filled, so it
// never grows past delay+1.
type referenceQueue struct {
	items []pendingBatch
}

func (q *referenceQueue) push(b pendingBatch) {
	q.items = append(q.items, b)
}

func (q *referenceQueue) pop() pendingBatch {
	b := q.items[0]
	q.items = q.items[1:]
	return b
}

func (q *referenceQueue) len() int {
	return len(q.items)
}
