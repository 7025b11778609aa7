package main

import (
	"encoding/hex"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgedlt/dbft/internal/crypto"
)

type keyEntry struct {
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
	Address    string `yaml:"address"`
}

type keygenOutput struct {
	Validators []string   `yaml:"validators"`
	Keys       []keyEntry `yaml:"keys"`
}

func keygenCommand() *cobra.Command {
	var count int
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generate secp256r1 validator keys",
		Long: "Generate validator keys. The validators list can be pasted into " +
			"every node's settings file; each node takes one private_key.",
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return keygen(c.OutOrStdout(), count)
		},
	}
	c.Flags().IntVarP(&count, "count", "n", 4, "number of keys")
	return c
}

func keygen(out io.Writer, count int) error {
	if count < 1 {
		return errors.New("count must be positive")
	}
	var res keygenOutput
	for _i := 0; _i < count; _i++ {
		key, err := crypto.GenerateSecp256r1Key()
		if err != nil {
			return err
		}
		pub := key.PublicKeyBytes()
		res.Validators = append(res.Validators, hex.EncodeToString(pub))
		res.Keys = append(res.Keys, keyEntry{
			PrivateKey: hex.EncodeToString(key.Bytes()),
			PublicKey:  hex.EncodeToString(pub),
			Address:    crypto.Address(crypto.ScriptHash(crypto.VerificationScript(pub))),
		})
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(res); err != nil {
		return err
	}
	return enc.Close()
}
