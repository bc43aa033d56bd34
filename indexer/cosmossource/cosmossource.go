// Package cosmossource implements indexer.SequenceSource for a
// Cosmos-SDK-style origin chain, where the Mailbox module exposes
// messages by a contiguous on-chain sequence number rather than a block
// range (index.mode = "sequence"). Matches mailbox/cosmos's level of
// abstraction: the gRPC/Tendermint RPC wiring itself is left to an
// injected RPC implementation.
package cosmossource

import (
	"context"
	"fmt"

	"github.com/chainrelay/relayer-core/domain"
)

// RPC is the Cosmos-SDK Mailbox module query surface this source needs.
type RPC interface {
	LatestNonce(ctx context.Context) (uint64, error)
	MessagesByNonceRange(ctx context.Context, from, to uint64) ([]domain.MessageRecord, error)
}

// Source adapts RPC to indexer.SequenceSource.
type Source struct {
	origin domain.DomainID
	rpc    RPC
}

func New(origin domain.DomainID, rpc RPC) *Source {
	return &Source{origin: origin, rpc: rpc}
}

func (s *Source) FinalizedNonce(ctx context.Context) (uint64, error) {
	n, err := s.rpc.LatestNonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("cosmossource: latest nonce: %w", err)
	}
	return n, nil
}

func (s *Source) FetchByNonceRange(ctx context.Context, from, to uint64) ([]domain.MessageRecord, error) {
	records, err := s.rpc.MessagesByNonceRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("cosmossource: messages by nonce range: %w", err)
	}
	return records, nil
}
