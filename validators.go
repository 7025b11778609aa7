package dbft

import (
	"bytes"
	"fmt"

	"github.com/edgedlt/dbft/internal/crypto"
)

// MaxValidators is the largest validator set addressable by a u8 index.
const MaxValidators = 255

// ValidatorInfo describes one authorized signer of a round.
type ValidatorInfo struct {
	Index      uint8
	PublicKey  PublicKey
	ScriptHash Uint160
}

// Address returns the account address of the validator.
func (v ValidatorInfo) Address() string {
	return v.ScriptHash.Address()
}

// Validators is the ordered, immutable validator directory of a round.
type Validators struct {
	list          []ValidatorInfo
	nextConsensus Uint160
}

// NewValidators builds the directory from an ordered list of public keys.
// The list order defines validator indices.
func NewValidators(keys []PublicKey) (*Validators, error) {
	if len(keys) == 0 {
		return nil, wrapConfig("validator set is empty")
	}
	if len(keys) > MaxValidators {
		return nil, wrapConfigf("too many validators: %d > %d", len(keys), MaxValidators)
	}

	vs := &Validators{list: make([]ValidatorInfo, len(keys))}
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		if k == nil {
			return nil, wrapConfigf("validator %d has no public key", i)
		}
		b := k.Bytes()
		for j := 0; j < i; j++ {
			if bytes.Equal(raw[j], b) {
				return nil, wrapConfigf("validator %d duplicates validator %d", i, j)
			}
		}
		raw[i] = b
		vs.list[i] = ValidatorInfo{
			Index:      uint8(i),
			PublicKey:  k,
			ScriptHash: crypto.ScriptHash(crypto.VerificationScript(b)),
		}
	}

	script, err := crypto.MultisigScript(vs.M(), raw)
	if err != nil {
		return nil, wrapConfigf("next consensus script: %v", err)
	}
	vs.nextConsensus = crypto.ScriptHash(script)

	return vs, nil
}

// N returns the number of validators.
func (vs *Validators) N() int {
	return len(vs.list)
}

// F returns the number of tolerated faulty validators, (N-1)/3.
func (vs *Validators) F() int {
	return (vs.N() - 1) / 3
}

// M returns the quorum size, N-F.
func (vs *Validators) M() int {
	return vs.N() - vs.F()
}

// Get returns the validator at index.
func (vs *Validators) Get(index uint8) (ValidatorInfo, bool) {
	if int(index) >= len(vs.list) {
		return ValidatorInfo{}, false
	}
	return vs.list[index], true
}

// Contains reports whether index is within [0, N).
func (vs *Validators) Contains(index uint8) bool {
	return int(index) < len(vs.list)
}

// IndexOf returns the index of the validator with the given compressed key.
func (vs *Validators) IndexOf(publicKey []byte) (uint8, bool) {
	for _, v := range vs.list {
		if bytes.Equal(v.PublicKey.Bytes(), publicKey) {
			return v.Index, true
		}
	}
	return 0, false
}

// PublicKeys returns the public keys in index order.
func (vs *Validators) PublicKeys() []PublicKey {
	out := make([]PublicKey, len(vs.list))
	for i, v := range vs.list {
		out[i] = v.PublicKey
	}
	return out
}

// All returns a copy of the directory.
func (vs *Validators) All() []ValidatorInfo {
	out := make([]ValidatorInfo, len(vs.list))
	copy(out, vs.list)
	return out
}

// NextConsensus returns the script hash of the M-of-N multisig account
// that signs blocks produced by this validator set.
func (vs *Validators) NextConsensus() Uint160 {
	return vs.nextConsensus
}

// PrimaryIndex returns the primary for (height, view):
// (height - view) mod N, normalized into [0, N).
func (vs *Validators) PrimaryIndex(height uint32, view uint8) uint8 {
	return primaryIndex(height, view, vs.N())
}

func primaryIndex(height uint32, view uint8, n int) uint8 {
	p := (int64(height) - int64(view)) % int64(n)
	if p < 0 {
		p += int64(n)
	}
	return uint8(p)
}

func (vs *Validators) String() string {
	return fmt.Sprintf("Validators{N=%d F=%d M=%d}", vs.N(), vs.F(), vs.M())
}
