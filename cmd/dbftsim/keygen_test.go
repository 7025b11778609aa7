package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/internal/crypto"
)

func TestKeygen(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, keygen(&buf, 4))

	var out keygenOutput
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out.Validators, 4)
	require.Len(t, out.Keys, 4)

	keys := make([]dbft.PublicKey, 0, 4)
	for i, k := range out.Keys {
		assert.Equal(t, out.Validators[i], k.PublicKey)

		raw, err := hex.DecodeString(k.PrivateKey)
		require.NoError(t, err)
		priv, err := crypto.Secp256r1PrivateKeyFromBytes(raw)
		require.NoError(t, err)
		assert.Equal(t, k.PublicKey, hex.EncodeToString(priv.PublicKeyBytes()))

		keys = append(keys, priv.PublicKey())
	}

	vs, err := dbft.NewValidators(keys)
	require.NoError(t, err)
	for _, info := range vs.All() {
		assert.Equal(t, info.Address(), out.Keys[info.Index].Address)
	}
}

func TestKeygenInvalidCount(t *testing.T) {
	assert.Error(t, keygen(&bytes.Buffer{}, 0))
}
