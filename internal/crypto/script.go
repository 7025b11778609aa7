package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcutil/base58"
)

// VM opcodes and interop hashes used by witness scripts.
const (
	opPushInt8  = 0x00
	opPush0     = 0x10
	opPushData1 = 0x0C
	opSyscall   = 0x41
)

var (
	// System.Crypto.CheckSig
	interopCheckSig = []byte{0x56, 0xe7, 0xb3, 0x27}
	// System.Crypto.CheckMultisig
	interopCheckMultisig = []byte{0x9e, 0xd0, 0xdc, 0x3a}
)

// AddressVersion is the base58check version byte of N3 addresses.
const AddressVersion = 0x35

// ErrInvalidInvocationScript indicates an invocation script that does not
// push exactly one signature.
var ErrInvalidInvocationScript = errors.New("invalid invocation script")

// InvocationScript wraps a signature as PUSHDATA1 64 <sig>.
func InvocationScript(signature []byte) []byte {
	out := make([]byte, 0, 2+len(signature))
	out = append(out, opPushData1, byte(len(signature)))
	return append(out, signature...)
}

// SignatureFromInvocation extracts the signature pushed by an invocation script.
func SignatureFromInvocation(script []byte) ([]byte, error) {
	if len(script) != 2+SignatureSize || script[0] != opPushData1 || script[1] != SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidInvocationScript, len(script))
	}
	sig := make([]byte, SignatureSize)
	copy(sig, script[2:])
	return sig, nil
}

// VerificationScript builds the single-signature verification script
// PUSHDATA1 33 <pubkey> SYSCALL CheckSig.
func VerificationScript(publicKey []byte) []byte {
	out := make([]byte, 0, 2+len(publicKey)+5)
	out = append(out, opPushData1, byte(len(publicKey)))
	out = append(out, publicKey...)
	out = append(out, opSyscall)
	return append(out, interopCheckSig...)
}

// MultisigScript builds an m-of-n verification script. Keys are ordered by
// their X coordinate, then by compression prefix.
func MultisigScript(m int, publicKeys [][]byte) ([]byte, error) {
	n := len(publicKeys)
	if m < 1 || m > n || n > 1024 {
		return nil, fmt.Errorf("invalid multisig parameters m=%d n=%d", m, n)
	}

	keys := make([][]byte, n)
	copy(keys, publicKeys)
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i][1:], keys[j][1:]); c != 0 {
			return c < 0
		}
		return keys[i][0] < keys[j][0]
	})

	out := make([]byte, 0, 4+n*(2+PublicKeySize)+5)
	out = appendPushInt(out, m)
	for _, k := range keys {
		out = append(out, opPushData1, byte(len(k)))
		out = append(out, k...)
	}
	out = appendPushInt(out, n)
	out = append(out, opSyscall)
	return append(out, interopCheckMultisig...), nil
}

func appendPushInt(out []byte, v int) []byte {
	if v <= 16 {
		return append(out, byte(opPush0+v))
	}
	// PUSHINT8 covers up to 127; PUSHINT16 beyond.
	if v <= 127 {
		return append(out, opPushInt8, byte(v))
	}
	return append(out, 0x01, byte(v), byte(v>>8))
}

// ScriptHash returns Hash160 of a verification script.
func ScriptHash(script []byte) [20]byte {
	return Hash160(script)
}

// Address encodes a script hash as a base58check N3 address.
func Address(scriptHash [20]byte) string {
	return base58.CheckEncode(scriptHash[:], AddressVersion)
}

// ScriptHashFromAddress decodes an N3 address.
func ScriptHashFromAddress(address string) ([20]byte, error) {
	var out [20]byte
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return out, fmt.Errorf("decode address: %w", err)
	}
	if version != AddressVersion || len(payload) != len(out) {
		return out, fmt.Errorf("unexpected address version 0x%02x", version)
	}
	copy(out[:], payload)
	return out, nil
}
