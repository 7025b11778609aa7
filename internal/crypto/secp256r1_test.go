package crypto

import (
	"bytes"
	"testing"
)

func TestSecp256r1KeyGeneration(t *testing.T) {
	key, err := GenerateSecp256r1Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	if len(key.Bytes()) != PrivateKeySize {
		t.Errorf("Private key size mismatch: expected %d, got %d", PrivateKeySize, len(key.Bytes()))
	}

	pub := key.PublicKey()
	if len(pub.Bytes()) != PublicKeySize {
		t.Errorf("Public key size mismatch: expected %d, got %d", PublicKeySize, len(pub.Bytes()))
	}
	if prefix := pub.Bytes()[0]; prefix != 0x02 && prefix != 0x03 {
		t.Errorf("Unexpected compression prefix 0x%02x", prefix)
	}
}

func TestSecp256r1SignAndVerify(t *testing.T) {
	key, err := GenerateSecp256r1Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	message := []byte("commit block 42")

	signature, err := key.Sign(message)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if len(signature) != SignatureSize {
		t.Errorf("Signature size mismatch: expected %d, got %d", SignatureSize, len(signature))
	}

	pub := key.PublicKey()
	if !pub.Verify(message, signature) {
		t.Error("Valid signature failed verification")
	}
	if pub.Verify([]byte("commit block 43"), signature) {
		t.Error("Signature verified with wrong message")
	}
	if pub.Verify(message, make([]byte, SignatureSize)) {
		t.Error("Zero signature incorrectly verified")
	}
	if pub.Verify(message, signature[:10]) {
		t.Error("Truncated signature incorrectly verified")
	}

	other, _ := GenerateSecp256r1Key()
	if other.PublicKey().Verify(message, signature) {
		t.Error("Signature verified with wrong public key")
	}
}

func TestSecp256r1KeySerialization(t *testing.T) {
	key, err := GenerateSecp256r1Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	restored, err := Secp256r1PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("Failed to restore private key: %v", err)
	}
	if !bytes.Equal(restored.PublicKeyBytes(), key.PublicKeyBytes()) {
		t.Error("Restored private key has a different public key")
	}

	pub, err := Secp256r1PublicKeyFromBytes(key.PublicKeyBytes())
	if err != nil {
		t.Fatalf("Failed to decode public key: %v", err)
	}
	if !pub.Equals(key.PublicKey()) {
		t.Error("Decoded public key does not equal original")
	}

	msg := []byte("roundtrip")
	sig, _ := restored.Sign(msg)
	if !pub.Verify(msg, sig) {
		t.Error("Signature from restored key failed verification")
	}
}

func TestSecp256r1InvalidKeys(t *testing.T) {
	if _, err := Secp256r1PrivateKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("Expected error for short private key")
	}
	if _, err := Secp256r1PrivateKeyFromBytes(make([]byte, PrivateKeySize)); err == nil {
		t.Error("Expected error for zero scalar")
	}
	if _, err := Secp256r1PublicKeyFromBytes(make([]byte, 32)); err == nil {
		t.Error("Expected error for short public key")
	}

	bad := make([]byte, PublicKeySize)
	bad[0] = 0x02
	for i := 1; i < len(bad); i++ {
		bad[i] = 0xFF
	}
	if _, err := Secp256r1PublicKeyFromBytes(bad); err == nil {
		t.Error("Expected error for point off the curve")
	}
}
