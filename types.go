// Package dbft implements the delegated Byzantine Fault Tolerant (dBFT 2.0)
// consensus core used by Neo N3 style networks.
//
// A fixed set of N validators agrees on one block per height. For every
// view one validator is primary and proposes; the others are backups.
// A block commits once M = N - F validators have signed it, where
// F = (N-1)/3 is the number of tolerated faulty validators.
//
// The Service type is a single-threaded state machine: it consumes signed
// Payloads, is driven by a view-change deadline and emits Events. Node wraps
// a Service in an actor goroutine that owns it exclusively.
package dbft

import (
	"encoding/hex"
	"fmt"

	"github.com/edgedlt/dbft/internal/crypto"
)

// HashSize is the size of a Hash in bytes.
const HashSize = 32

// Hash is a 256-bit hash (block, transaction or payload hash).
type Hash [HashSize]byte

// Bytes returns a copy of the raw hash bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the big-endian hex form used by block explorers.
func (h Hash) String() string {
	var rev [HashSize]byte
	for i := range h {
		rev[i] = h[HashSize-1-i]
	}
	return "0x" + hex.EncodeToString(rev[:])
}

// HashFromBytes converts a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Uint160 is a script hash (account identifier).
type Uint160 [20]byte

// Address returns the base58check address of the script hash.
func (u Uint160) Address() string {
	return crypto.Address(u)
}

// String returns the big-endian hex form.
func (u Uint160) String() string {
	var rev [20]byte
	for i := range u {
		rev[i] = u[len(u)-1-i]
	}
	return "0x" + hex.EncodeToString(rev[:])
}

// PublicKey represents a validator's public key for signature verification.
type PublicKey interface {
	// Bytes returns the compressed encoding of the public key.
	Bytes() []byte

	// Verify verifies a signature over the given message.
	Verify(message []byte, signature []byte) bool

	// String returns a short human-readable form.
	String() string
}

// Signer is the signing capability supplied by the wallet. It is invoked
// synchronously and treated as a pure function.
type Signer interface {
	// Sign signs data and returns the raw signature.
	Sign(data []byte) ([]byte, error)

	// PublicKeyBytes returns the compressed public key of the signing key.
	PublicKeyBytes() []byte
}

// ParsePublicKey decodes a 33-byte compressed secp256r1 public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	pk, err := crypto.Secp256r1PublicKeyFromBytes(b)
	if err != nil {
		return nil, wrapConfigf("parse public key: %v", err)
	}
	return pk, nil
}

// Mempool supplies transaction hashes to the primary when it proposes.
type Mempool interface {
	// ProposalTransactions returns at most max transaction hashes for the
	// block at height.
	ProposalTransactions(height uint32, max int) []Hash
}

// MessageType identifies a consensus message kind on the wire.
type MessageType uint8

const (
	ChangeViewType      MessageType = 0x00
	PrepareRequestType  MessageType = 0x20
	PrepareResponseType MessageType = 0x21
	CommitType          MessageType = 0x30
	RecoveryRequestType MessageType = 0x40
	RecoveryMessageType MessageType = 0x41
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case ChangeViewType:
		return "ChangeView"
	case PrepareRequestType:
		return "PrepareRequest"
	case PrepareResponseType:
		return "PrepareResponse"
	case CommitType:
		return "Commit"
	case RecoveryRequestType:
		return "RecoveryRequest"
	case RecoveryMessageType:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(mt))
	}
}

// ChangeViewReason explains why a validator asked for a view change.
type ChangeViewReason uint8

const (
	ReasonTimeout               ChangeViewReason = 0x00
	ReasonChangeAgreement       ChangeViewReason = 0x01
	ReasonTxNotFound            ChangeViewReason = 0x02
	ReasonTxRejectedByPolicy    ChangeViewReason = 0x03
	ReasonTxInvalid             ChangeViewReason = 0x04
	ReasonBlockRejectedByPolicy ChangeViewReason = 0x05
)

func (r ChangeViewReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonChangeAgreement:
		return "ChangeAgreement"
	case ReasonTxNotFound:
		return "TxNotFound"
	case ReasonTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case ReasonTxInvalid:
		return "TxInvalid"
	case ReasonBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(r))
	}
}

// State is the phase of the current round.
type State uint8

const (
	StateInitial State = iota
	StateRequestSent
	StateRequestReceived
	StateCommit
	StateViewChanging
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateRequestSent:
		return "RequestSent"
	case StateRequestReceived:
		return "RequestReceived"
	case StateCommit:
		return "Commit"
	case StateViewChanging:
		return "ViewChanging"
	case StateCommitted:
		return "Committed"
	default:
		return "Unknown"
	}
}

// RecoveryState tracks resynchronisation through RecoveryMessages.
type RecoveryState uint8

const (
	RecoveryIdle RecoveryState = iota
	RecoveryAwaiting
	RecoveryResynced
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryIdle:
		return "Idle"
	case RecoveryAwaiting:
		return "AwaitingRecovery"
	case RecoveryResynced:
		return "Resynced"
	default:
		return "Unknown"
	}
}
