package templates

import (
	"context"
	"errors"
	"fmt"

	"github.com/kaspa-pool/kaspool/internal/util"
)

// ErrTemplateNotFound is returned when submit is attempted against a
// header hash no longer held in the cache.
var ErrTemplateNotFound = errors.New("templates: header hash not found")

// Submitter forwards a solved block to the upstream node. Submission is
// fire-and-forget by design: a failure here is logged, not retried, and
// does not roll back the share that was already counted.
type Submitter interface {
	SubmitBlock(ctx context.Context, headerHash [32]byte, rawHeader []byte, transactions [][]byte, nonce uint64) error
}

// BlockRecorder persists a provisional block-detail row for a submitted
// candidate, with reward fields left empty until the reward allocator
// resolves the coinbase event.
type BlockRecorder interface {
	RecordProvisionalBlock(ctx context.Context, minedBlockHash [32]byte, minerID, address string, daaScore uint64) error
}

// Result reports the outcome of a submit attempt.
type Result struct {
	Accepted bool
	Reason   string
}

// Submit applies nonce to the template cached under headerHash, forwards the
// reconstructed block to the node, and on success records a provisional
// block-detail row. A submission failure is reported in Result, not as an
// error, matching the fire-and-forget recovery policy.
func (c *Cache) Submit(ctx context.Context, minerID, address string, headerHash [32]byte, nonce uint64, sub Submitter, rec BlockRecorder) (Result, error) {
	t, ok := c.Get(headerHash)
	if !ok {
		return Result{}, ErrTemplateNotFound
	}

	if err := sub.SubmitBlock(ctx, headerHash, t.RawHeader, t.Transactions, nonce); err != nil {
		util.Warnf("templates: block submit rejected for miner %s: %v", minerID, err)
		return Result{Accepted: false, Reason: err.Error()}, nil
	}

	if err := rec.RecordProvisionalBlock(ctx, headerHash, minerID, address, t.DAAScore); err != nil {
		return Result{Accepted: true}, fmt.Errorf("templates: record provisional block: %w", err)
	}

	return Result{Accepted: true}, nil
}
