package dbft

import (
	"crypto/sha256"
	"fmt"

	"github.com/edgedlt/dbft/internal/crypto"
	"github.com/edgedlt/dbft/internal/wire"
)

const (
	// MaxPayloadSize bounds a serialized payload accepted from the transport.
	MaxPayloadSize = 1 << 20

	payloadHeaderSize = 4 + 4 + 1 + 1 + 1
)

// Payload is the signed transport envelope of a consensus message.
//
// Wire format:
//
//	network u32 LE | block_index u32 LE | view u8 | validator u8 | type u8 |
//	var_bytes(body) | var_bytes(witness)
type Payload struct {
	Network        uint32
	BlockIndex     uint32
	ViewNumber     uint8
	ValidatorIndex uint8
	Type           MessageType
	Body           []byte
	// Witness is the invocation script pushing the validator's signature.
	Witness []byte
}

// NewPayload wraps an encoded message in an unsigned envelope.
func NewPayload(network uint32, blockIndex uint32, view uint8, validator uint8, m Message) *Payload {
	return &Payload{
		Network:        network,
		BlockIndex:     blockIndex,
		ViewNumber:     view,
		ValidatorIndex: validator,
		Type:           m.Type(),
		Body:           EncodeMessage(m),
	}
}

// Bytes serializes the payload.
func (p *Payload) Bytes() []byte {
	w := wire.NewWriter(payloadHeaderSize + len(p.Body) + len(p.Witness) + 6)
	w.WriteU32LE(p.Network)
	w.WriteU32LE(p.BlockIndex)
	w.WriteU8(p.ViewNumber)
	w.WriteU8(p.ValidatorIndex)
	w.WriteU8(uint8(p.Type))
	w.WriteVarBytes(p.Body)
	w.WriteVarBytes(p.Witness)
	return w.Bytes()
}

// PayloadFromBytes deserializes a payload. The body is not decoded.
func PayloadFromBytes(data []byte) (*Payload, error) {
	if len(data) < payloadHeaderSize {
		return nil, wrapInvalidMessagef("data too short for payload: %d bytes", len(data))
	}
	if len(data) > MaxPayloadSize {
		return nil, wrapInvalidMessagef("payload too large: %d bytes", len(data))
	}

	r := wire.NewReader(data)
	p := &Payload{
		Network:        r.ReadU32LE(),
		BlockIndex:     r.ReadU32LE(),
		ViewNumber:     r.ReadU8(),
		ValidatorIndex: r.ReadU8(),
		Type:           MessageType(r.ReadU8()),
	}
	p.Body = r.ReadVarBytes(MaxPayloadSize)
	p.Witness = r.ReadVarBytes(maxInvocationScript)
	if err := r.Finish(); err != nil {
		return nil, wrapInvalidMessagef("decode payload: %v", err)
	}
	return p, nil
}

// Hash returns SHA-256 of the serialized payload. It keys the replay cache.
func (p *Payload) Hash() Hash {
	return sha256.Sum256(p.Bytes())
}

// Message decodes the body according to Type.
func (p *Payload) Message() (Message, error) {
	return DecodeMessage(p.Type, p.Body)
}

func (p *Payload) String() string {
	return fmt.Sprintf("%s{block=%d view=%d validator=%d}", p.Type, p.BlockIndex, p.ViewNumber, p.ValidatorIndex)
}

// witnessData is network (u32 LE) || message sign-data.
func witnessData(p *Payload, m Message, blockHash Hash) []byte {
	sd := m.SignData(p.BlockIndex, p.ViewNumber, blockHash)
	w := wire.NewWriter(4 + len(sd))
	w.WriteU32LE(p.Network)
	w.WriteBytes(sd)
	return w.Bytes()
}

// signPayload fills p.Witness with an invocation script over the witness data.
func signPayload(signer Signer, p *Payload, m Message, blockHash Hash) error {
	sig, err := signer.Sign(witnessData(p, m, blockHash))
	if err != nil {
		return fmt.Errorf("sign %s: %w", p.Type, err)
	}
	p.Witness = crypto.InvocationScript(sig)
	return nil
}

// verifyWitness checks that p.Witness authenticates m under pub.
func verifyWitness(pub PublicKey, p *Payload, m Message, blockHash Hash) bool {
	sig, err := crypto.SignatureFromInvocation(p.Witness)
	if err != nil {
		return false
	}
	return pub.Verify(witnessData(p, m, blockHash), sig)
}
