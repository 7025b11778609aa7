package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// secp256r1 (NIST P-256) keys as used by dBFT validators.
// Signatures are ECDSA over SHA-256(message) encoded as r||s.

var (
	// ErrInvalidSecp256r1Signature indicates signature verification failed.
	ErrInvalidSecp256r1Signature = errors.New("invalid secp256r1 signature")

	// ErrInvalidSecp256r1Key indicates a malformed key encoding.
	ErrInvalidSecp256r1Key = errors.New("invalid secp256r1 key")
)

const (
	// PublicKeySize is the size of a compressed public key in bytes.
	PublicKeySize = 33

	// PrivateKeySize is the size of a private scalar in bytes.
	PrivateKeySize = 32

	// SignatureSize is the size of an r||s signature in bytes.
	SignatureSize = 64
)

// Secp256r1PrivateKey wraps an ECDSA P-256 private key.
type Secp256r1PrivateKey struct {
	key *ecdsa.PrivateKey
	pub *Secp256r1PublicKey
}

// Secp256r1PublicKey wraps an ECDSA P-256 public key.
type Secp256r1PublicKey struct {
	key        *ecdsa.PublicKey
	compressed []byte
}

// GenerateSecp256r1Key generates a new key pair.
func GenerateSecp256r1Key() (*Secp256r1PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256r1 key: %w", err)
	}
	return newPrivateKey(key), nil
}

func newPrivateKey(key *ecdsa.PrivateKey) *Secp256r1PrivateKey {
	return &Secp256r1PrivateKey{key: key, pub: newPublicKey(&key.PublicKey)}
}

func newPublicKey(key *ecdsa.PublicKey) *Secp256r1PublicKey {
	return &Secp256r1PublicKey{
		key:        key,
		compressed: elliptic.MarshalCompressed(elliptic.P256(), key.X, key.Y),
	}
}

// PublicKey returns the public half of the key pair.
func (sk *Secp256r1PrivateKey) PublicKey() *Secp256r1PublicKey {
	return sk.pub
}

// PublicKeyBytes returns the compressed public key.
func (sk *Secp256r1PrivateKey) PublicKeyBytes() []byte {
	return sk.pub.Bytes()
}

// Sign hashes message with SHA-256 and signs the digest.
func (sk *Secp256r1PrivateKey) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, sk.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Bytes returns the 32-byte private scalar.
func (sk *Secp256r1PrivateKey) Bytes() []byte {
	out := make([]byte, PrivateKeySize)
	sk.key.D.FillBytes(out)
	return out
}

// Secp256r1PrivateKeyFromBytes reconstructs a private key from its scalar.
func Secp256r1PrivateKeyFromBytes(data []byte) (*Secp256r1PrivateKey, error) {
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecp256r1Key, PrivateKeySize, len(data))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(data)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidSecp256r1Key)
	}

	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(data)
	return newPrivateKey(key), nil
}

// Verify checks an r||s signature over SHA-256(message).
func (pk *Secp256r1PublicKey) Verify(message []byte, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}

	digest := sha256.Sum256(message)
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	return ecdsa.Verify(pk.key, digest[:], r, s)
}

// Bytes returns the 33-byte compressed encoding.
func (pk *Secp256r1PublicKey) Bytes() []byte {
	out := make([]byte, len(pk.compressed))
	copy(out, pk.compressed)
	return out
}

// Equals checks if two public keys are equal by comparing bytes.
func (pk *Secp256r1PublicKey) Equals(other interface{ Bytes() []byte }) bool {
	return string(pk.compressed) == string(other.Bytes())
}

// String returns hex representation of the public key (first 8 bytes).
func (pk *Secp256r1PublicKey) String() string {
	return fmt.Sprintf("%x...", pk.compressed[:8])
}

// Secp256r1PublicKeyFromBytes decodes a compressed public key.
func Secp256r1PublicKeyFromBytes(data []byte) (*Secp256r1PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecp256r1Key, PublicKeySize, len(data))
	}

	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data)
	if x == nil {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidSecp256r1Key)
	}
	return newPublicKey(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}), nil
}
