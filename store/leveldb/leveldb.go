// Package leveldb implements store.OriginStore on top of goleveldb, the
// way geth's rawdb package layers a typed schema over a raw key-value
// engine: fixed key prefixes, big-endian numeric keys, RLP-encoded values.
package leveldb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/errs"
)

var (
	prefixMessage     = []byte("m/") // m/<nonce big-endian> -> rlp(storedRecord)
	keyLatestNonce    = []byte("latest_nonce")
	keyCursor         = []byte("cursor")
	prefixProcessed   = []byte("p/") // p/<nonce big-endian> -> 0x01
	prefixRetryCount  = []byte("r/") // r/<messageID> -> big-endian uint64
)

// storedRecord is the RLP wire form of domain.MessageRecord; rlp requires
// exported fields and fixed-size arrays, which domain.Hash32/common.Hash
// already are.
type storedRecord struct {
	Version     uint8
	Nonce       uint32
	Origin      uint32
	Sender      [32]byte
	Destination uint32
	Recipient   [32]byte
	Body        []byte

	BlockNumber uint64
	BlockHash   [32]byte
	TxHash      [32]byte
	LogIndex    uint64
	Address     [20]byte
}

func toStored(r domain.MessageRecord) storedRecord {
	return storedRecord{
		Version:     r.Message.Version,
		Nonce:       r.Message.Nonce,
		Origin:      uint32(r.Message.Origin),
		Sender:      r.Message.Sender,
		Destination: uint32(r.Message.Destination),
		Recipient:   r.Message.Recipient,
		Body:        r.Message.Body,
		BlockNumber: r.Meta.BlockNumber,
		BlockHash:   r.Meta.BlockHash,
		TxHash:      r.Meta.TxHash,
		LogIndex:    r.Meta.LogIndex,
		Address:     r.Meta.Address,
	}
}

func fromStored(s storedRecord) domain.MessageRecord {
	return domain.MessageRecord{
		Message: domain.Message{
			Version:     s.Version,
			Nonce:       s.Nonce,
			Origin:      domain.DomainID(s.Origin),
			Sender:      s.Sender,
			Destination: domain.DomainID(s.Destination),
			Recipient:   s.Recipient,
			Body:        s.Body,
		},
		Meta: domain.LogMeta{
			BlockNumber: s.BlockNumber,
			BlockHash:   s.BlockHash,
			TxHash:      s.TxHash,
			LogIndex:    s.LogIndex,
			Address:     s.Address,
		},
	}
}

func nonceKey(prefix []byte, nonce uint32) []byte {
	k := make([]byte, len(prefix)+4)
	copy(k, prefix)
	binary.BigEndian.PutUint32(k[len(prefix):], nonce)
	return k
}

// Store is a goleveldb-backed store.OriginStore for one origin chain.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, errs.Database("open", fmt.Errorf("opening %q: %w", path, err))
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Database("close", err)
	}
	return nil
}

// StoreMessages persists records and the running latest-nonce marker in
// one atomic batch, so a crash never leaves the marker ahead of the data
// it claims to describe.
func (s *Store) StoreMessages(records []domain.MessageRecord) (uint32, error) {
	if len(records) == 0 {
		return 0, nil
	}
	batch := new(leveldb.Batch)
	maxNonce := records[0].Message.Nonce
	for _, r := range records {
		enc, err := rlp.EncodeToBytes(toStored(r))
		if err != nil {
			return 0, errs.New(errs.ClassValidation, "encode_message", err)
		}
		batch.Put(nonceKey(prefixMessage, r.Message.Nonce), enc)
		if r.Message.Nonce > maxNonce {
			maxNonce = r.Message.Nonce
		}
	}

	existing, ok, err := s.RetrieveLatestNonce()
	if err != nil {
		return 0, err
	}
	if !ok || maxNonce > existing {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, maxNonce)
		batch.Put(keyLatestNonce, buf)
	} else {
		maxNonce = existing
	}

	if err := s.db.Write(batch, nil); err != nil {
		return 0, errs.Database("store_messages", err)
	}
	return maxNonce, nil
}

func (s *Store) RetrieveLatestNonce() (uint32, bool, error) {
	v, err := s.db.Get(keyLatestNonce, nil)
	if err == errors.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Database("retrieve_latest_nonce", err)
	}
	return binary.BigEndian.Uint32(v), true, nil
}

func (s *Store) StoreLatestValidMessageRangeStartBlock(block uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, block)
	if err := s.db.Put(keyCursor, buf, nil); err != nil {
		return errs.Database("store_cursor", err)
	}
	return nil
}

func (s *Store) RetrieveLatestValidMessageRangeStartBlock() (uint64, bool, error) {
	v, err := s.db.Get(keyCursor, nil)
	if err == errors.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Database("retrieve_cursor", err)
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (s *Store) StoreProcessedByNonce(nonce uint32, processed bool) error {
	var v byte
	if processed {
		v = 1
	}
	if err := s.db.Put(nonceKey(prefixProcessed, nonce), []byte{v}, nil); err != nil {
		return errs.Database("store_processed", err)
	}
	return nil
}

func (s *Store) RetrieveProcessedByNonce(nonce uint32) (bool, bool, error) {
	v, err := s.db.Get(nonceKey(prefixProcessed, nonce), nil)
	if err == errors.ErrNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, errs.Database("retrieve_processed", err)
	}
	return v[0] == 1, true, nil
}

// MessagesSince implements processor.Fetcher: it scans the m/ keyspace
// starting just past afterNonce, the way rawdb's ReadCanonicalHash range
// scans walk a prefixed keyspace in nonce order rather than keeping a
// second index.
func (s *Store) MessagesSince(ctx context.Context, afterNonce uint32) ([]domain.MessageRecord, error) {
	start := nonceKey(prefixMessage, afterNonce+1)
	rng := util.BytesPrefix(prefixMessage)
	rng.Start = start

	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []domain.MessageRecord
	for iter.Next() {
		var stored storedRecord
		if err := rlp.DecodeBytes(iter.Value(), &stored); err != nil {
			return nil, errs.New(errs.ClassValidation, "decode_message", err)
		}
		out = append(out, fromStored(stored))
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Database("messages_since", err)
	}
	return out, nil
}

func retryKey(id domain.MessageID) []byte {
	k := make([]byte, len(prefixRetryCount)+len(id))
	copy(k, prefixRetryCount)
	copy(k[len(prefixRetryCount):], id[:])
	return k
}

func (s *Store) StorePendingMessageRetryCount(id domain.MessageID, count int) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	if err := s.db.Put(retryKey(id), buf, nil); err != nil {
		return errs.Database("store_retry_count", err)
	}
	return nil
}

func (s *Store) RetrievePendingMessageRetryCount(id domain.MessageID) (int, bool, error) {
	v, err := s.db.Get(retryKey(id), nil)
	if err == errors.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Database("retrieve_retry_count", err)
	}
	return int(binary.BigEndian.Uint64(v)), true, nil
}
