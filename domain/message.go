// Package domain holds the core data model shared by every relayer
// subsystem: Message, MessageRecord, PendingOperation status values and
// the small value types (DomainID, Nonce) they are keyed by.
package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// DomainID identifies a chain the relayer operates on, origin or
// destination. It mirrors hyperlane-core's u32 domain id.
type DomainID uint32

func (d DomainID) String() string { return fmt.Sprintf("%d", uint32(d)) }

// Hash32 is a 32-byte content hash or address, matching the wire format of
// Message.id/sender/recipient.
type Hash32 [32]byte

func (h Hash32) String() string { return "0x" + hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash32) IsZero() bool { return h == Hash32{} }

// Address20 renders h as a 20-byte EVM address, truncating to the low 20
// bytes the way Hyperlane-style 32-byte recipient/sender fields embed an
// EVM address.
func (h Hash32) Address20() common.Address {
	return common.BytesToAddress(h[:])
}

// BytesToHash32 left-pads or truncates b into a Hash32, mirroring
// common.BytesToHash semantics for 20-byte EVM addresses embedded in the
// 32-byte wire format.
func BytesToHash32(b []byte) Hash32 {
	var h Hash32
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(h[32-len(b):], b)
	return h
}

// Message is the unit of cross-chain delivery. (origin, nonce) is unique
// and forms a gapless sequence starting at 0 per origin.
type Message struct {
	Version     uint8
	Nonce       uint32
	Origin      DomainID
	Sender      Hash32
	Destination DomainID
	Recipient   Hash32
	Body        []byte
}

// Encode returns the message's canonical encoding. The message id is its
// content hash, computed the way hyperlane-core computes it: keccak256 of
// these bytes. Callers apply crypto.Keccak256Hash to the result so this
// package stays free of the crypto import.
func (m Message) Encode() []byte {
	buf := make([]byte, 1+4+4+32+4+32+len(m.Body))
	i := 0
	buf[i] = m.Version
	i++
	putUint32(buf[i:], m.Nonce)
	i += 4
	putUint32(buf[i:], uint32(m.Origin))
	i += 4
	copy(buf[i:i+32], m.Sender[:])
	i += 32
	putUint32(buf[i:], uint32(m.Destination))
	i += 4
	copy(buf[i:i+32], m.Recipient[:])
	i += 32
	copy(buf[i:], m.Body)
	return buf
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// RecipientAddress renders Recipient as a 20-byte EVM address for adapters
// that need common.Address; callers on non-EVM destinations ignore it.
func (m Message) RecipientAddress() common.Address {
	return common.BytesToAddress(m.Recipient[:])
}

// LogMeta is the provenance of a MessageRecord: exactly where on-chain the
// dispatch log was observed.
type LogMeta struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint64
	Address     common.Address
}

// MessageRecord is what the indexer persists: the message plus its log
// provenance. Created by the indexer; read-only thereafter.
type MessageRecord struct {
	Message Message
	Meta    LogMeta
}

// MessageID is the message's 32-byte content hash. Computing it requires
// keccak256 (crypto.Keccak256Hash), which callers apply to Message.Encode()
// to avoid this package depending on go-ethereum/crypto.
type MessageID = Hash32
