// Package submitter implements the serial submitter: four cooperating
// tasks per destination chain (receiver, prepare, submit, confirm)
// sharing three queues, per spec §4.5. A single submission slot per
// destination avoids nonce contention at the source-chain sender.
package submitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/chainrelay/relayer-core/confirmbuffer"
	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/mailbox"
	"github.com/chainrelay/relayer-core/metricsx"
	"github.com/chainrelay/relayer-core/opqueue"
	"github.com/chainrelay/relayer-core/pendingop"
)

const (
	maxBatchSizeDefault = 32

	prepareEmptySleep = 100 * time.Millisecond
	prepareIdleSleep  = 500 * time.Millisecond
	submitEmptySleep  = 100 * time.Millisecond
	confirmEmptySleep = 200 * time.Millisecond
	confirmIdleSleep  = 500 * time.Millisecond

	// cosmosStagger is applied after every single submit on sequence-number
	// chains to stagger sequence-number use (spec §4.5).
	cosmosStagger = time.Second
)

// Submitter drives one destination chain's prepare/submit/confirm
// pipeline.
type Submitter struct {
	Destination string
	Mailbox     mailbox.Mailbox
	MaxBatch    int
	StaggerSubmissions bool // true for Cosmos-like sequence-number chains

	incoming chan *pendingop.Operation
	prepare  *opqueue.Queue
	submit   *opqueue.Queue
	confirm  *opqueue.Queue
	buffer   *confirmbuffer.Buffer
	metrics  *metricsx.Registry

	log log.Logger
}

// New constructs a Submitter; incoming is the mpsc channel the message
// processor feeds new operations into.
func New(destination string, mb mailbox.Mailbox, incoming chan *pendingop.Operation, metrics *metricsx.Registry, logger log.Logger) *Submitter {
	maxBatch := maxBatchSizeDefault
	return &Submitter{
		Destination: destination,
		Mailbox:     mb,
		MaxBatch:    maxBatch,
		incoming:    incoming,
		prepare:     opqueue.New(),
		submit:      opqueue.New(),
		confirm:     opqueue.New(),
		buffer:      confirmbuffer.New(1024),
		metrics:     metrics,
		log:         logger,
	}
}

// PrepareQueue, SubmitQueue, ConfirmQueue expose the underlying queues so
// retryapi can broadcast MessageRetryRequests to all three.
func (s *Submitter) PrepareQueue() *opqueue.Queue { return s.prepare }
func (s *Submitter) SubmitQueue() *opqueue.Queue  { return s.submit }
func (s *Submitter) ConfirmQueue() *opqueue.Queue { return s.confirm }

// BroadcastRetry implements retryapi.Broadcaster across all three queues.
func (s *Submitter) BroadcastRetry(req opqueue.MessageRetryRequest) {
	s.prepare.BroadcastRetry(req)
	s.submit.BroadcastRetry(req)
	s.confirm.BroadcastRetry(req)
}

// Run starts all four tasks and blocks until ctx is cancelled or one task
// returns a fatal error.
func (s *Submitter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiverTask(ctx) })
	g.Go(func() error { return s.prepareTask(ctx) })
	g.Go(func() error { return s.submitTask(ctx) })
	g.Go(func() error { return s.confirmTask(ctx) })
	return g.Wait()
}

func (s *Submitter) receiverTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op, ok := <-s.incoming:
			if !ok {
				return nil
			}
			s.prepare.Push(op, nil)
		}
	}
}

func (s *Submitter) prepareTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ops := s.prepare.PopMany(s.MaxBatch)
		if len(ops) == 0 {
			if sleepOrDone(ctx, prepareEmptySleep) {
				return nil
			}
			continue
		}

		var wg sync.WaitGroup
		results := make([]domain.Result, len(ops))
		for i, op := range ops {
			wg.Add(1)
			go func(i int, op *pendingop.Operation) {
				defer wg.Done()
				results[i] = op.Prepare(ctx)
			}(i, op)
		}
		wg.Wait()

		allNotReady := true
		for i, op := range ops {
			res := results[i]
			if res.Outcome != domain.OutcomeNotReady {
				allNotReady = false
			}
			switch res.Outcome {
			case domain.OutcomeSuccess:
				ready := domain.StatusReadyToSubmit
				s.submit.Push(op, &ready)
				s.metrics.OpsPrepared.Inc(1)
			case domain.OutcomeNotReady:
				s.prepare.Push(op, nil)
			case domain.OutcomeReprepare:
				retry := domain.StatusRetry
				s.prepare.Push(op, &retry)
				s.metrics.OpsFailed.Inc(1)
			case domain.OutcomeDrop:
				s.metrics.OpsDropped.Inc(1)
			case domain.OutcomeConfirm:
				confirmStatus := domain.StatusConfirm
				s.confirm.Push(op, &confirmStatus)
				s.buffer.Push(op.ID.String())
			}
		}
		if allNotReady {
			if sleepOrDone(ctx, prepareIdleSleep) {
				return nil
			}
		}
	}
}

func (s *Submitter) submitTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ops := s.submit.PopMany(s.MaxBatch)
		switch len(ops) {
		case 0:
			if sleepOrDone(ctx, submitEmptySleep) {
				return nil
			}
			continue
		case 1:
			s.submitSingly(ctx, ops)
		default:
			s.submitBatch(ctx, ops)
		}
	}
}

func (s *Submitter) submitSingly(ctx context.Context, ops []*pendingop.Operation) {
	for _, op := range ops {
		res := op.Submit(ctx)
		s.routeSubmitResult(op, res)
		if s.StaggerSubmissions {
			sleepOrDone(ctx, cosmosStagger)
		}
	}
}

func (s *Submitter) submitBatch(ctx context.Context, ops []*pendingop.Operation) {
	items := make([]mailbox.BatchItem, len(ops))
	for i, op := range ops {
		items[i] = mailbox.BatchItem{Message: op.Message, Metadata: op.SubmissionData.Metadata, GasLimit: op.SubmissionData.GasLimit}
	}

	result, err := s.Mailbox.TryProcessBatch(ctx, items)
	if errors.Is(err, mailbox.ErrBatchUnsupported) {
		s.submitSingly(ctx, ops)
		return
	}
	if err != nil {
		s.log.Warn("batch submit failed, falling back to singly", "destination", s.Destination, "err", err)
		s.submitSingly(ctx, ops)
		return
	}

	failed := make(map[int]bool, len(result.FailedIndexes))
	for _, idx := range result.FailedIndexes {
		failed[idx] = true
	}

	var retrySingly []*pendingop.Operation
	for i, op := range ops {
		if failed[i] {
			retrySingly = append(retrySingly, op)
			continue
		}
		if result.Outcome != nil {
			op.SubmissionOutcome = result.Outcome
			op.Submitted = true
			op.Status = domain.StatusConfirm
			op.NextAttemptAfter = time.Now().Add(pendingop.ConfirmDelayProd)
		}
		confirmStatus := domain.StatusConfirm
		s.confirm.Push(op, &confirmStatus)
		s.buffer.Push(op.ID.String())
		s.metrics.OpsSubmitted.Inc(1)
	}
	if len(retrySingly) > 0 {
		// Same tick, per spec §8 S6.
		s.submitSingly(ctx, retrySingly)
	}
}

func (s *Submitter) routeSubmitResult(op *pendingop.Operation, res domain.Result) {
	switch res.Outcome {
	case domain.OutcomeSuccess:
		confirmStatus := domain.StatusConfirm
		s.confirm.Push(op, &confirmStatus)
		s.buffer.Push(op.ID.String())
		s.metrics.OpsSubmitted.Inc(1)
	case domain.OutcomeReprepare:
		retry := domain.StatusRetry
		s.prepare.Push(op, &retry)
		s.metrics.OpsFailed.Inc(1)
	}
}

func (s *Submitter) confirmTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ops := s.confirm.PopMany(s.MaxBatch)
		if len(ops) == 0 {
			if sleepOrDone(ctx, confirmEmptySleep) {
				return nil
			}
			continue
		}

		var wg sync.WaitGroup
		results := make([]domain.Result, len(ops))
		for i, op := range ops {
			wg.Add(1)
			go func(i int, op *pendingop.Operation) {
				defer wg.Done()
				results[i] = op.Confirm(ctx)
			}(i, op)
		}
		wg.Wait()

		allIdle := true
		for i, op := range ops {
			res := results[i]
			switch res.Outcome {
			case domain.OutcomeSuccess:
				allIdle = false
				s.metrics.OpsConfirmed.Inc(1)
			case domain.OutcomeNotReady:
				s.confirm.Push(op, nil)
			case domain.OutcomeReprepare:
				allIdle = false
				retry := domain.StatusRetry
				s.prepare.Push(op, &retry)
				s.metrics.ConfirmationFailures.Inc(1)
			default:
				allIdle = false
			}
		}
		if allIdle {
			if sleepOrDone(ctx, confirmIdleSleep) {
				return nil
			}
		}
	}
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
