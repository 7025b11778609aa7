package dbft

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgedlt/dbft/internal/crypto"
)

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, Hash{}, MerkleRoot(nil))

	a, b, c := NewTestHash("a"), NewTestHash("b"), NewTestHash("c")
	assert.Equal(t, a, MerkleRoot([]Hash{a}))

	ab := Hash(crypto.Hash256(append(a.Bytes(), b.Bytes()...)))
	assert.Equal(t, ab, MerkleRoot([]Hash{a, b}))

	cc := Hash(crypto.Hash256(append(c.Bytes(), c.Bytes()...)))
	abc := Hash(crypto.Hash256(append(ab.Bytes(), cc.Bytes()...)))
	assert.Equal(t, abc, MerkleRoot([]Hash{a, b, c}), "odd level duplicates the last node")
}

func TestBlockHeaderHash(t *testing.T) {
	h := &BlockHeader{
		PrevHash:     NewTestHash("prev"),
		MerkleRoot:   NewTestHash("root"),
		Timestamp:    1000,
		Nonce:        7,
		Index:        12,
		PrimaryIndex: 3,
	}
	base := h.Hash()
	assert.Equal(t, base, h.Hash(), "deterministic")

	mutations := []func(*BlockHeader){
		func(x *BlockHeader) { x.Timestamp++ },
		func(x *BlockHeader) { x.Nonce++ },
		func(x *BlockHeader) { x.Index++ },
		func(x *BlockHeader) { x.PrimaryIndex++ },
		func(x *BlockHeader) { x.PrevHash[0] ^= 1 },
		func(x *BlockHeader) { x.NextConsensus[0] ^= 1 },
	}
	for i, mutate := range mutations {
		cp := *h
		mutate(&cp)
		assert.NotEqual(t, base, cp.Hash(), "mutation %d", i)
	}
}

func TestBlockDataInvocationScript(t *testing.T) {
	sig := func(b byte) []byte { return bytes.Repeat([]byte{b}, commitSignatureSize) }
	data := &BlockData{
		Signatures: []ValidatorSignature{
			{Index: 0, Signature: sig(1)},
			{Index: 2, Signature: sig(2)},
			{Index: 3, Signature: sig(3)},
		},
		RequiredSignatures: 2,
	}

	script := data.InvocationScript()
	assert.Len(t, script, 2*(2+commitSignatureSize))
	assert.Equal(t, byte(0x0C), script[0])
	assert.Equal(t, byte(0x40), script[1])
	assert.Equal(t, sig(1), script[2:66])
	assert.Equal(t, sig(2), script[68:132])
}
