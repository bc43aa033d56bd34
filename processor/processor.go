// Package processor scans the origin store for newly indexed messages,
// wraps eligible ones into pending operations, and hands them to the
// submitter pipeline for their destination via a per-destination
// channel (spec §2 data-flow description).
package processor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/metricsx"
	"github.com/chainrelay/relayer-core/pendingop"
	"github.com/chainrelay/relayer-core/store"
)

// pollInterval bounds how often the processor re-scans the store for
// newly indexed, not-yet-processed messages.
const pollInterval = 2 * time.Second

// Fetcher reads message records the indexer has stored, in nonce order,
// starting after the given nonce.
type Fetcher interface {
	MessagesSince(ctx context.Context, afterNonce uint32) ([]domain.MessageRecord, error)
}

// Processor drives one origin's message-processing loop.
type Processor struct {
	Origin  domain.DomainID
	Store   store.OriginStore
	Fetcher Fetcher
	Metrics *metricsx.Registry
	Log     log.Logger

	// Destinations routes a message to the per-destination channel the
	// matching Submitter's receiver task is draining.
	Destinations map[domain.DomainID]chan *pendingop.Operation

	// NewContext builds the per-destination MessageContext a message's
	// operation needs; returning nil means the destination is not
	// configured and the message should be skipped.
	NewContext func(destination domain.DomainID) *pendingop.MessageContext
}

// Run loops until ctx is cancelled, advancing lastNonce as messages are
// handed off.
func (p *Processor) Run(ctx context.Context, lastNonce uint32) error {
	hasLast := lastNonce > 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := p.Fetcher.MessagesSince(ctx, lastNonce)
		if err != nil {
			p.Log.Warn("fetch new messages", "origin", p.Origin, "err", err)
			if sleepOrDone(ctx, pollInterval) {
				return nil
			}
			continue
		}
		if len(records) == 0 {
			if sleepOrDone(ctx, pollInterval) {
				return nil
			}
			continue
		}

		for _, rec := range records {
			if err := p.handle(ctx, rec); err != nil {
				p.Log.Error("handle message", "origin", p.Origin, "nonce", rec.Message.Nonce, "err", err)
				continue
			}
			if !hasLast || rec.Message.Nonce > lastNonce {
				lastNonce = rec.Message.Nonce
				hasLast = true
			}
			p.Metrics.MessagesProcessed.Inc(1)
		}
	}
}

func (p *Processor) handle(ctx context.Context, rec domain.MessageRecord) error {
	processed, ok, err := p.Store.RetrieveProcessedByNonce(rec.Message.Nonce)
	if err != nil {
		return err
	}
	if ok && processed {
		return nil
	}

	msgCtx := p.NewContext(rec.Message.Destination)
	if msgCtx == nil {
		p.Log.Warn("no context for destination, skipping", "destination", rec.Message.Destination)
		return nil
	}

	op, err := pendingop.New(msgCtx, rec.Message)
	if err != nil {
		return err
	}

	ch, ok := p.Destinations[rec.Message.Destination]
	if !ok {
		p.Log.Warn("no submitter channel for destination, skipping", "destination", rec.Message.Destination)
		return nil
	}

	select {
	case ch <- op:
	case <-ctx.Done():
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
