package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"

	"github.com/chainrelay/relayer-core/domain"
)

func TestHashMessageIsKeccak256OfEncoding(t *testing.T) {
	msg := domain.Message{Nonce: 1, Body: []byte("x")}
	want := domain.MessageID(crypto.Keccak256Hash(msg.Encode()))
	assert.Equal(t, want, hashMessage(msg))
}

func TestHashMessageDiffersOnDifferentMessages(t *testing.T) {
	a := domain.Message{Nonce: 1}
	b := domain.Message{Nonce: 2}
	assert.NotEqual(t, hashMessage(a), hashMessage(b))
}

func TestOriginDBPathJoinsBaseAndName(t *testing.T) {
	assert.Equal(t, "/data/origin-a", originDBPath("/data", "origin-a"))
}
