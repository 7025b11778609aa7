package dbft

import (
	"crypto/sha256"
	"fmt"

	"github.com/edgedlt/dbft/internal/wire"
)

// Wire limits for decoded messages.
const (
	maxTransactionsOnWire = 0xFFFF
	maxInvocationScript   = 1024
	maxRecoveryEntries    = MaxValidators
	commitSignatureSize   = 64
)

// Message is the decoded body of a Payload.
type Message interface {
	// Type returns the wire type of the message.
	Type() MessageType

	// SignData returns the type-specific data authenticated by the witness.
	// blockHash is only consulted by PrepareRequest and Commit.
	SignData(blockIndex uint32, view uint8, blockHash Hash) []byte

	encode(w *wire.Writer)
	decode(r *wire.Reader)
}

// PrepareRequest is the primary's block proposal.
type PrepareRequest struct {
	Timestamp         uint64
	Nonce             uint64
	TransactionHashes []Hash
}

// PrepareResponse witnesses the proposal identified by PreparationHash
// (the proposed block hash).
type PrepareResponse struct {
	PreparationHash Hash
}

// Commit carries the validator's signature over network || block hash.
type Commit struct {
	Signature []byte
}

// ChangeView asks to move the round to NewViewNumber.
type ChangeView struct {
	NewViewNumber uint8
	Timestamp     uint64
	Reason        ChangeViewReason
}

// RecoveryRequest asks peers for a RecoveryMessage.
type RecoveryRequest struct {
	Timestamp uint64
}

// ChangeViewCompact is a ChangeView embedded in a RecoveryMessage.
type ChangeViewCompact struct {
	ValidatorIndex     uint8
	OriginalViewNumber uint8
	NewViewNumber      uint8
	Timestamp          uint64
	Reason             ChangeViewReason
	InvocationScript   []byte
}

// PrepareRequestCompact is the primary's proposal embedded in a RecoveryMessage.
type PrepareRequestCompact struct {
	ValidatorIndex    uint8
	Timestamp         uint64
	Nonce             uint64
	TransactionHashes []Hash
	InvocationScript  []byte
}

// PreparationCompact is a PrepareResponse embedded in a RecoveryMessage.
type PreparationCompact struct {
	ValidatorIndex   uint8
	InvocationScript []byte
}

// CommitCompact is a Commit embedded in a RecoveryMessage.
type CommitCompact struct {
	ViewNumber       uint8
	ValidatorIndex   uint8
	Signature        []byte
	InvocationScript []byte
}

// RecoveryMessage aggregates everything a validator collected for a round.
// Either PrepareRequest or PreparationHash is set when preparations exist.
type RecoveryMessage struct {
	ChangeViews     []ChangeViewCompact
	PrepareRequest  *PrepareRequestCompact
	PreparationHash *Hash
	Preparations    []PreparationCompact
	Commits         []CommitCompact
}

func (*PrepareRequest) Type() MessageType  { return PrepareRequestType }
func (*PrepareResponse) Type() MessageType { return PrepareResponseType }
func (*Commit) Type() MessageType          { return CommitType }
func (*ChangeView) Type() MessageType      { return ChangeViewType }
func (*RecoveryRequest) Type() MessageType { return RecoveryRequestType }
func (*RecoveryMessage) Type() MessageType { return RecoveryMessageType }

// signPrefix writes marker || block_index (u32 LE) || view_number.
func signPrefix(marker byte, blockIndex uint32, view uint8, extra int) *wire.Writer {
	w := wire.NewWriter(6 + extra)
	w.WriteU8(marker)
	w.WriteU32LE(blockIndex)
	w.WriteU8(view)
	return w
}

// SignData is 'P' || block_index || view || timestamp || block_hash.
func (m *PrepareRequest) SignData(blockIndex uint32, view uint8, blockHash Hash) []byte {
	w := signPrefix('P', blockIndex, view, 8+HashSize)
	w.WriteU64LE(m.Timestamp)
	w.WriteBytes(blockHash[:])
	return w.Bytes()
}

// SignData is 'R' || block_index || view || block_hash.
func (m *PrepareResponse) SignData(blockIndex uint32, view uint8, _ Hash) []byte {
	w := signPrefix('R', blockIndex, view, HashSize)
	w.WriteBytes(m.PreparationHash[:])
	return w.Bytes()
}

// SignData is 'C' || block_index || view || block_hash.
func (m *Commit) SignData(blockIndex uint32, view uint8, blockHash Hash) []byte {
	w := signPrefix('C', blockIndex, view, HashSize)
	w.WriteBytes(blockHash[:])
	return w.Bytes()
}

// SignData is 'V' || block_index || view || new_view || reason.
func (m *ChangeView) SignData(blockIndex uint32, view uint8, _ Hash) []byte {
	w := signPrefix('V', blockIndex, view, 2)
	w.WriteU8(m.NewViewNumber)
	w.WriteU8(uint8(m.Reason))
	return w.Bytes()
}

// SignData is 'Q' || block_index || view || timestamp.
func (m *RecoveryRequest) SignData(blockIndex uint32, view uint8, _ Hash) []byte {
	w := signPrefix('Q', blockIndex, view, 8)
	w.WriteU64LE(m.Timestamp)
	return w.Bytes()
}

// SignData is 'M' || block_index || view || SHA256(body).
func (m *RecoveryMessage) SignData(blockIndex uint32, view uint8, _ Hash) []byte {
	digest := sha256.Sum256(EncodeMessage(m))
	w := signPrefix('M', blockIndex, view, HashSize)
	w.WriteBytes(digest[:])
	return w.Bytes()
}

// CommitSignData is the data signed by a Commit signature:
// network magic (u32 LE) || block hash.
func CommitSignData(network uint32, blockHash Hash) []byte {
	w := wire.NewWriter(4 + HashSize)
	w.WriteU32LE(network)
	w.WriteBytes(blockHash[:])
	return w.Bytes()
}

// EncodeMessage returns the body bytes of m.
func EncodeMessage(m Message) []byte {
	w := wire.NewWriter(64)
	m.encode(w)
	return w.Bytes()
}

// DecodeMessage decodes a body of the given type.
func DecodeMessage(t MessageType, body []byte) (Message, error) {
	var m Message
	switch t {
	case PrepareRequestType:
		m = &PrepareRequest{}
	case PrepareResponseType:
		m = &PrepareResponse{}
	case CommitType:
		m = &Commit{}
	case ChangeViewType:
		m = &ChangeView{}
	case RecoveryRequestType:
		m = &RecoveryRequest{}
	case RecoveryMessageType:
		m = &RecoveryMessage{}
	default:
		return nil, wrapInvalidMessagef("unknown message type 0x%02x", uint8(t))
	}

	r := wire.NewReader(body)
	m.decode(r)
	if err := r.Finish(); err != nil {
		return nil, wrapInvalidMessagef("decode %s: %v", t, err)
	}
	return m, nil
}

func writeHashes(w *wire.Writer, hashes []Hash) {
	w.WriteVarUint(uint64(len(hashes)))
	for i := range hashes {
		w.WriteBytes(hashes[i][:])
	}
}

func readHashes(r *wire.Reader) []Hash {
	n := r.ReadVarUint(maxTransactionsOnWire)
	if r.Err != nil || n == 0 {
		return nil
	}
	out := make([]Hash, n)
	for i := range out {
		r.ReadBytes(out[i][:])
	}
	return out
}

func readSignature(r *wire.Reader) []byte {
	sig := make([]byte, commitSignatureSize)
	r.ReadBytes(sig)
	return sig
}

func (m *PrepareRequest) encode(w *wire.Writer) {
	w.WriteU64LE(m.Timestamp)
	w.WriteU64LE(m.Nonce)
	writeHashes(w, m.TransactionHashes)
}

func (m *PrepareRequest) decode(r *wire.Reader) {
	m.Timestamp = r.ReadU64LE()
	m.Nonce = r.ReadU64LE()
	m.TransactionHashes = readHashes(r)
}

func (m *PrepareResponse) encode(w *wire.Writer) {
	w.WriteBytes(m.PreparationHash[:])
}

func (m *PrepareResponse) decode(r *wire.Reader) {
	r.ReadBytes(m.PreparationHash[:])
}

func (m *Commit) encode(w *wire.Writer) {
	w.WriteBytes(m.Signature)
}

func (m *Commit) decode(r *wire.Reader) {
	m.Signature = readSignature(r)
}

func (m *ChangeView) encode(w *wire.Writer) {
	w.WriteU8(m.NewViewNumber)
	w.WriteU64LE(m.Timestamp)
	w.WriteU8(uint8(m.Reason))
}

func (m *ChangeView) decode(r *wire.Reader) {
	m.NewViewNumber = r.ReadU8()
	m.Timestamp = r.ReadU64LE()
	m.Reason = ChangeViewReason(r.ReadU8())
}

func (m *RecoveryRequest) encode(w *wire.Writer) {
	w.WriteU64LE(m.Timestamp)
}

func (m *RecoveryRequest) decode(r *wire.Reader) {
	m.Timestamp = r.ReadU64LE()
}

func (m *RecoveryMessage) encode(w *wire.Writer) {
	w.WriteVarUint(uint64(len(m.ChangeViews)))
	for _, cv := range m.ChangeViews {
		w.WriteU8(cv.ValidatorIndex)
		w.WriteU8(cv.OriginalViewNumber)
		w.WriteU8(cv.NewViewNumber)
		w.WriteU64LE(cv.Timestamp)
		w.WriteU8(uint8(cv.Reason))
		w.WriteVarBytes(cv.InvocationScript)
	}

	w.WriteBool(m.PrepareRequest != nil)
	if pr := m.PrepareRequest; pr != nil {
		w.WriteU8(pr.ValidatorIndex)
		w.WriteU64LE(pr.Timestamp)
		w.WriteU64LE(pr.Nonce)
		writeHashes(w, pr.TransactionHashes)
		w.WriteVarBytes(pr.InvocationScript)
	} else if m.PreparationHash != nil {
		w.WriteVarBytes(m.PreparationHash[:])
	} else {
		w.WriteVarUint(0)
	}

	w.WriteVarUint(uint64(len(m.Preparations)))
	for _, p := range m.Preparations {
		w.WriteU8(p.ValidatorIndex)
		w.WriteVarBytes(p.InvocationScript)
	}

	w.WriteVarUint(uint64(len(m.Commits)))
	for _, c := range m.Commits {
		w.WriteU8(c.ViewNumber)
		w.WriteU8(c.ValidatorIndex)
		w.WriteBytes(c.Signature)
		w.WriteVarBytes(c.InvocationScript)
	}
}

func (m *RecoveryMessage) decode(r *wire.Reader) {
	n := r.ReadVarUint(maxRecoveryEntries)
	for i := uint64(0); i < n && r.Err == nil; i++ {
		var cv ChangeViewCompact
		cv.ValidatorIndex = r.ReadU8()
		cv.OriginalViewNumber = r.ReadU8()
		cv.NewViewNumber = r.ReadU8()
		cv.Timestamp = r.ReadU64LE()
		cv.Reason = ChangeViewReason(r.ReadU8())
		cv.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		m.ChangeViews = append(m.ChangeViews, cv)
	}

	if r.ReadBool() {
		pr := &PrepareRequestCompact{}
		pr.ValidatorIndex = r.ReadU8()
		pr.Timestamp = r.ReadU64LE()
		pr.Nonce = r.ReadU64LE()
		pr.TransactionHashes = readHashes(r)
		pr.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		m.PrepareRequest = pr
	} else {
		b := r.ReadVarBytes(HashSize)
		switch len(b) {
		case 0:
		case HashSize:
			var h Hash
			copy(h[:], b)
			m.PreparationHash = &h
		default:
			if r.Err == nil {
				r.Err = fmt.Errorf("preparation hash must be %d bytes, got %d", HashSize, len(b))
			}
		}
	}

	n = r.ReadVarUint(maxRecoveryEntries)
	for i := uint64(0); i < n && r.Err == nil; i++ {
		var p PreparationCompact
		p.ValidatorIndex = r.ReadU8()
		p.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		m.Preparations = append(m.Preparations, p)
	}

	n = r.ReadVarUint(maxRecoveryEntries)
	for i := uint64(0); i < n && r.Err == nil; i++ {
		var c CommitCompact
		c.ViewNumber = r.ReadU8()
		c.ValidatorIndex = r.ReadU8()
		c.Signature = readSignature(r)
		c.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		m.Commits = append(m.Commits, c)
	}
}
