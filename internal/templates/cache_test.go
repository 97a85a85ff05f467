package templates

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/kaspa-pool/kaspool/internal/jobs"
)

func newTemplate(b byte, daa uint64) *Template {
	var h [32]byte
	h[0] = b
	return &Template{HeaderHash: h, DAAScore: daa, Target: big.NewInt(1)}
}

func TestInsertAndGet(t *testing.T) {
	reg := jobs.NewRegistry()
	c := NewCache(2, reg)

	tpl := newTemplate(1, 100)
	jobID := c.Insert(tpl)

	got, ok := c.Get(tpl.HeaderHash)
	if !ok || got != tpl {
		t.Fatalf("Get after Insert = %v, %v", got, ok)
	}
	byJob, ok := c.GetByJobID(jobID)
	if !ok || byJob != tpl {
		t.Errorf("GetByJobID(%q) = %v, %v", jobID, byJob, ok)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	reg := jobs.NewRegistry()
	c := NewCache(2, reg)

	tpl := newTemplate(1, 100)
	id1 := c.Insert(tpl)
	id2 := c.Insert(tpl)
	if id1 != id2 {
		t.Errorf("re-inserting the same header hash should return the same job id")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached template, got %d", c.Len())
	}
}

func TestEvictionKeepsRegistryInLockstep(t *testing.T) {
	reg := jobs.NewRegistry()
	c := NewCache(2, reg)

	first := newTemplate(1, 1)
	firstID := c.Insert(first)
	c.Insert(newTemplate(2, 2))
	c.Insert(newTemplate(3, 3)) // evicts `first`

	if c.Len() != 2 {
		t.Fatalf("expected cache bounded to 2 entries, got %d", c.Len())
	}
	if reg.Len() != 2 {
		t.Fatalf("expected registry bounded to 2 entries, got %d", reg.Len())
	}
	if _, ok := c.Get(first.HeaderHash); ok {
		t.Error("evicted template should no longer be retrievable")
	}
	if _, ok := c.GetByJobID(firstID); ok {
		t.Error("evicted template's job id should no longer resolve")
	}
}

type fakeSubmitter struct {
	err error
}

func (f *fakeSubmitter) SubmitBlock(ctx context.Context, headerHash [32]byte, rawHeader []byte, txs [][]byte, nonce uint64) error {
	return f.err
}

type fakeRecorder struct {
	called bool
	err    error
}

func (f *fakeRecorder) RecordProvisionalBlock(ctx context.Context, minedBlockHash [32]byte, minerID, address string, daaScore uint64) error {
	f.called = true
	return f.err
}

func TestSubmitSuccessRecordsBlock(t *testing.T) {
	reg := jobs.NewRegistry()
	c := NewCache(4, reg)
	tpl := newTemplate(1, 100)
	c.Insert(tpl)

	rec := &fakeRecorder{}
	result, err := c.Submit(context.Background(), "miner1", "kaspa:qz1", tpl.HeaderHash, 42, &fakeSubmitter{}, rec)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if !result.Accepted {
		t.Error("expected Accepted=true")
	}
	if !rec.called {
		t.Error("expected RecordProvisionalBlock to be called")
	}
}

func TestSubmitNodeRejectionDoesNotRecordBlock(t *testing.T) {
	reg := jobs.NewRegistry()
	c := NewCache(4, reg)
	tpl := newTemplate(1, 100)
	c.Insert(tpl)

	rec := &fakeRecorder{}
	result, err := c.Submit(context.Background(), "miner1", "kaspa:qz1", tpl.HeaderHash, 42, &fakeSubmitter{err: errors.New("stale template")}, rec)
	if err != nil {
		t.Fatalf("Submit should not surface node rejection as an error: %v", err)
	}
	if result.Accepted {
		t.Error("expected Accepted=false on node rejection")
	}
	if rec.called {
		t.Error("a rejected submission must not record a block")
	}
}

func TestSubmitUnknownHeaderHash(t *testing.T) {
	reg := jobs.NewRegistry()
	c := NewCache(4, reg)
	var missing [32]byte
	missing[0] = 99

	_, err := c.Submit(context.Background(), "miner1", "kaspa:qz1", missing, 1, &fakeSubmitter{}, &fakeRecorder{})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}
