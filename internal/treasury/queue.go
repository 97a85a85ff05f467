package treasury

import "sync"

// blockQueueMaxSize bounds the pending-scan queue; beyond it, the oldest
// overflowDropCount entries are dropped to make room.
const blockQueueMaxSize = 1000

// overflowDropCount is how many oldest entries are dropped on overflow.
const overflowDropCount = 100

// blockQueue is a bounded, deduplicated FIFO of candidate blocks awaiting
// pool-address transaction scanning.
type blockQueue struct {
	mu    sync.Mutex
	order []string
	byHash map[string]CandidateBlock
}

func newBlockQueue() *blockQueue {
	return &blockQueue{byHash: make(map[string]CandidateBlock)}
}

// Enqueue adds a block if it is not already queued, dropping the oldest
// overflowDropCount entries first if the queue is at capacity.
func (q *blockQueue) Enqueue(b CandidateBlock) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byHash[b.Hash]; exists {
		return
	}

	if len(q.order) >= blockQueueMaxSize {
		drop := overflowDropCount
		if drop > len(q.order) {
			drop = len(q.order)
		}
		for _, h := range q.order[:drop] {
			delete(q.byHash, h)
		}
		q.order = q.order[drop:]
	}

	q.byHash[b.Hash] = b
	q.order = append(q.order, b.Hash)
}

// Dequeue removes and returns the oldest block, or false if the queue is
// empty.
func (q *blockQueue) Dequeue() (CandidateBlock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return CandidateBlock{}, false
	}
	hash := q.order[0]
	q.order = q.order[1:]
	b := q.byHash[hash]
	delete(q.byHash, hash)
	return b, true
}

// Len reports the number of blocks currently queued.
func (q *blockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
