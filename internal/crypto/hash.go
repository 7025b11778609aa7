package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // script hashes are defined over RIPEMD-160
)

// Sha256 returns SHA-256(data).
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Hash256 returns SHA-256(SHA-256(data)).
func Hash256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Hash160 returns RIPEMD-160(SHA-256(data)).
func Hash160(data []byte) [20]byte {
	first := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(first[:])

	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MerkleRoot computes the Hash256 merkle root of leaves. An odd level
// pairs its last node with itself. An empty list yields the zero hash.
func MerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)

	var buf [64]byte
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(buf[:32], level[i][:])
			copy(buf[32:], right[:])
			next = append(next, Hash256(buf[:]))
		}
		level = next
	}
	return level[0]
}
