package treasury

import "testing"

func TestBlockQueueDedup(t *testing.T) {
	q := newBlockQueue()
	q.Enqueue(CandidateBlock{Hash: "a"})
	q.Enqueue(CandidateBlock{Hash: "a"})
	if q.Len() != 1 {
		t.Errorf("expected dedup, got len %d", q.Len())
	}
}

func TestBlockQueueFIFO(t *testing.T) {
	q := newBlockQueue()
	q.Enqueue(CandidateBlock{Hash: "a"})
	q.Enqueue(CandidateBlock{Hash: "b"})

	first, ok := q.Dequeue()
	if !ok || first.Hash != "a" {
		t.Fatalf("expected a first, got %+v", first)
	}
	second, ok := q.Dequeue()
	if !ok || second.Hash != "b" {
		t.Fatalf("expected b second, got %+v", second)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue")
	}
}

func hashForIndex(i int) string {
	b := make([]byte, 0, 8)
	for i > 0 || len(b) == 0 {
		b = append(b, byte('a'+i%26))
		i /= 26
	}
	return string(b)
}

func TestBlockQueueOverflowDropsOldest(t *testing.T) {
	q := newBlockQueue()
	for i := 0; i < blockQueueMaxSize; i++ {
		q.Enqueue(CandidateBlock{Hash: hashForIndex(i) + "-" + hashForIndex(i*7)})
	}
	if q.Len() != blockQueueMaxSize {
		t.Fatalf("expected queue filled to %d, got %d", blockQueueMaxSize, q.Len())
	}

	q.Enqueue(CandidateBlock{Hash: "overflow-trigger"})
	wantLen := blockQueueMaxSize - overflowDropCount + 1
	if q.Len() != wantLen {
		t.Errorf("expected len %d after overflow, got %d", wantLen, q.Len())
	}
}
