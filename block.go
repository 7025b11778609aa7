package dbft

import (
	"crypto/sha256"

	"github.com/edgedlt/dbft/internal/crypto"
	"github.com/edgedlt/dbft/internal/wire"
)

// BlockHeader holds the header fields agreed on by consensus.
type BlockHeader struct {
	Version       uint32
	PrevHash      Hash
	MerkleRoot    Hash
	Timestamp     uint64
	Nonce         uint64
	Index         uint32
	PrimaryIndex  uint8
	NextConsensus Uint160
}

// Hash returns SHA-256 of the unsigned header.
func (h *BlockHeader) Hash() Hash {
	w := wire.NewWriter(4 + 2*HashSize + 8 + 8 + 4 + 1 + 20)
	w.WriteU32LE(h.Version)
	w.WriteBytes(h.PrevHash[:])
	w.WriteBytes(h.MerkleRoot[:])
	w.WriteU64LE(h.Timestamp)
	w.WriteU64LE(h.Nonce)
	w.WriteU32LE(h.Index)
	w.WriteU8(h.PrimaryIndex)
	w.WriteBytes(h.NextConsensus[:])
	return sha256.Sum256(w.Bytes())
}

// MerkleRoot computes the transaction merkle root.
func MerkleRoot(txs []Hash) Hash {
	leaves := make([][32]byte, len(txs))
	for i := range txs {
		leaves[i] = txs[i]
	}
	return crypto.MerkleRoot(leaves)
}

// ValidatorSignature is one commit signature of a committed block.
type ValidatorSignature struct {
	Index     uint8
	Signature []byte
}

// BlockData is handed to the ledger when a block commits. The ledger builds
// the final block and its multisig witness from it.
type BlockData struct {
	BlockIndex         uint32
	BlockHash          Hash
	PrevHash           Hash
	ViewNumber         uint8
	Timestamp          uint64
	Nonce              uint64
	PrimaryIndex       uint8
	NextConsensus      Uint160
	TransactionHashes  []Hash
	Signatures         []ValidatorSignature // sorted by validator index
	ValidatorPubKeys   []PublicKey
	RequiredSignatures int
}

// InvocationScript builds the multisig invocation script: the first
// RequiredSignatures signatures pushed in validator order.
func (b *BlockData) InvocationScript() []byte {
	out := make([]byte, 0, b.RequiredSignatures*(2+commitSignatureSize))
	for i, s := range b.Signatures {
		if i == b.RequiredSignatures {
			break
		}
		out = append(out, crypto.InvocationScript(s.Signature)...)
	}
	return out
}
