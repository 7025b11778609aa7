package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestInvocationScriptRoundTrip(t *testing.T) {
	sig := bytes.Repeat([]byte{0xAB}, SignatureSize)

	script := InvocationScript(sig)
	if len(script) != 66 || script[0] != 0x0C || script[1] != 0x40 {
		t.Fatalf("Unexpected invocation script prefix: %x", script[:2])
	}

	got, err := SignatureFromInvocation(script)
	if err != nil {
		t.Fatalf("Failed to extract signature: %v", err)
	}
	if !bytes.Equal(got, sig) {
		t.Error("Extracted signature differs")
	}

	if _, err := SignatureFromInvocation(script[:65]); err == nil {
		t.Error("Expected error for truncated script")
	}
}

func TestVerificationScriptLayout(t *testing.T) {
	key, _ := GenerateSecp256r1Key()
	pub := key.PublicKeyBytes()

	script := VerificationScript(pub)
	if len(script) != 40 {
		t.Fatalf("Expected 40-byte script, got %d", len(script))
	}
	if script[0] != 0x0C || script[1] != 0x21 {
		t.Errorf("Unexpected push prefix %x", script[:2])
	}
	if !bytes.Equal(script[2:35], pub) {
		t.Error("Public key not embedded")
	}
	if hex.EncodeToString(script[35:]) != "4156e7b327" {
		t.Errorf("Unexpected CheckSig suffix %x", script[35:])
	}
}

func TestMultisigScript(t *testing.T) {
	keys := make([][]byte, 4)
	for i := range keys {
		k, _ := GenerateSecp256r1Key()
		keys[i] = k.PublicKeyBytes()
	}

	script, err := MultisigScript(3, keys)
	if err != nil {
		t.Fatalf("MultisigScript failed: %v", err)
	}
	if script[0] != 0x13 {
		t.Errorf("Expected PUSH3, got 0x%02x", script[0])
	}
	if script[len(script)-6] != 0x14 {
		t.Errorf("Expected PUSH4, got 0x%02x", script[len(script)-6])
	}

	// Order of the input must not matter.
	reversed := [][]byte{keys[3], keys[2], keys[1], keys[0]}
	again, _ := MultisigScript(3, reversed)
	if !bytes.Equal(script, again) {
		t.Error("Multisig script depends on key order")
	}

	if _, err := MultisigScript(5, keys); err == nil {
		t.Error("Expected error for m > n")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	key, _ := GenerateSecp256r1Key()
	hash := ScriptHash(VerificationScript(key.PublicKeyBytes()))

	addr := Address(hash)
	if addr[0] != 'N' {
		t.Errorf("Expected N3 address to start with N, got %s", addr)
	}

	decoded, err := ScriptHashFromAddress(addr)
	if err != nil {
		t.Fatalf("Failed to decode address: %v", err)
	}
	if decoded != hash {
		t.Error("Decoded script hash differs")
	}
}

func TestMerkleRoot(t *testing.T) {
	if MerkleRoot(nil) != ([32]byte{}) {
		t.Error("Empty merkle root must be zero")
	}

	a := Sha256([]byte("a"))
	if MerkleRoot([][32]byte{a}) != a {
		t.Error("Single-leaf root must equal the leaf")
	}

	b := Sha256([]byte("b"))
	c := Sha256([]byte("c"))
	ab := Hash256(append(a[:], b[:]...))
	cc := Hash256(append(c[:], c[:]...))
	want := Hash256(append(ab[:], cc[:]...))
	if got := MerkleRoot([][32]byte{a, b, c}); got != want {
		t.Errorf("Odd-level merkle root mismatch: got %x want %x", got, want)
	}
}
