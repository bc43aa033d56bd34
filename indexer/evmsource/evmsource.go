// Package evmsource implements indexer.Source over an EVM Mailbox
// contract's Dispatch event log, the way bind's FilterLogs-based
// watchers scan a contract's event history in bounded block ranges.
package evmsource

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainrelay/relayer-core/domain"
)

// dispatchEventABI is the Hyperlane-style Mailbox Dispatch event: sender,
// destination domain, recipient and raw message bytes.
const dispatchEventABI = `[{"anonymous":false,"inputs":[
	{"indexed":true,"name":"sender","type":"address"},
	{"indexed":false,"name":"destination","type":"uint32"},
	{"indexed":true,"name":"recipient","type":"bytes32"},
	{"indexed":false,"name":"message","type":"bytes"}
],"name":"Dispatch","type":"event"}]`

// Source scans one Mailbox contract's Dispatch logs for one origin.
type Source struct {
	client  *ethclient.Client
	address common.Address
	origin  domain.DomainID

	parsed    abi.ABI
	eventID   common.Hash
}

func New(client *ethclient.Client, address common.Address, origin domain.DomainID) (*Source, error) {
	parsed, err := abi.JSON(strings.NewReader(dispatchEventABI))
	if err != nil {
		return nil, err
	}
	return &Source{
		client:  client,
		address: address,
		origin:  origin,
		parsed:  parsed,
		eventID: parsed.Events["Dispatch"].ID,
	}, nil
}

func (s *Source) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("evmsource: header by number: %w", err)
	}
	return header.Number.Uint64(), nil
}

// dispatchLog is the unpacked non-indexed portion of one Dispatch event.
type dispatchLog struct {
	Destination uint32
	Message     []byte
}

func (s *Source) FetchSortedMessages(ctx context.Context, from, to uint64) ([]domain.MessageRecord, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.address},
		Topics:    [][]common.Hash{{s.eventID}},
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("evmsource: filter logs: %w", err)
	}

	records := make([]domain.MessageRecord, 0, len(logs))
	for _, lg := range logs {
		var ev dispatchLog
		if err := s.parsed.UnpackIntoInterface(&ev, "Dispatch", lg.Data); err != nil {
			return nil, fmt.Errorf("evmsource: unpack dispatch: %w", err)
		}
		msg, err := decodeWireMessage(ev.Message)
		if err != nil {
			return nil, fmt.Errorf("evmsource: decode message: %w", err)
		}
		records = append(records, domain.MessageRecord{
			Message: msg,
			Meta: domain.LogMeta{
				BlockNumber: lg.BlockNumber,
				BlockHash:   lg.BlockHash,
				TxHash:      lg.TxHash,
				LogIndex:    uint64(lg.Index),
				Address:     lg.Address,
			},
		})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Message.Nonce < records[j].Message.Nonce })
	return records, nil
}

// decodeWireMessage parses the Hyperlane-style packed message body
// (version, nonce, origin, sender, destination, recipient, body) back
// into domain.Message, the inverse of Message.Encode.
func decodeWireMessage(raw []byte) (domain.Message, error) {
	const headerLen = 1 + 4 + 4 + 32 + 4 + 32
	if len(raw) < headerLen {
		return domain.Message{}, fmt.Errorf("message too short: %d bytes", len(raw))
	}
	var m domain.Message
	i := 0
	m.Version = raw[i]
	i++
	m.Nonce = beUint32(raw[i:])
	i += 4
	m.Origin = domain.DomainID(beUint32(raw[i:]))
	i += 4
	copy(m.Sender[:], raw[i:i+32])
	i += 32
	m.Destination = domain.DomainID(beUint32(raw[i:]))
	i += 4
	copy(m.Recipient[:], raw[i:i+32])
	i += 32
	m.Body = append([]byte(nil), raw[i:]...)
	return m, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
