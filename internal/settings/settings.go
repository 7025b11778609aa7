// Package settings loads validator settings from a YAML file.
package settings

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/internal/crypto"
)

// Timeout growth names accepted in timeout_growth.
const (
	GrowthExponential = "exponential"
	GrowthLinear      = "linear"
)

// Settings is the on-disk configuration of a validator.
type Settings struct {
	Network         uint32        `yaml:"network"`
	BlockTime       time.Duration `yaml:"block_time"`
	TimeoutGrowth   string        `yaml:"timeout_growth"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	MaxTransactions int           `yaml:"max_transactions"`
	SeenCacheSize   int           `yaml:"seen_cache_size"`

	// Validators are hex encoded compressed secp256r1 public keys in
	// validator index order.
	Validators []string `yaml:"validators"`

	// PrivateKey is the hex encoded key of this validator. Optional: a
	// node without one observes consensus.
	PrivateKey string `yaml:"private_key"`

	DataDir string `yaml:"data_dir"`

	P2P P2P `yaml:"p2p"`
	Log Log `yaml:"log"`
}

// P2P configures the gossip transport.
type P2P struct {
	Listen []string `yaml:"listen"`
	// Peers are multiaddrs with a /p2p/<id> component.
	Peers []string `yaml:"peers"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
	// File enables a rotated log file in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the settings used for fields missing from a file.
func Default() *Settings {
	return &Settings{
		Network:         0x4E454F33,
		BlockTime:       15 * time.Second,
		TimeoutGrowth:   GrowthExponential,
		MaxTransactions: dbft.DefaultMaxTransactions,
		SeenCacheSize:   dbft.DefaultSeenCacheSize,
		DataDir:         "data",
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load reads and validates a settings file. Unknown keys are an error.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML settings.
func Parse(data []byte) (*Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks field ranges and key encodings.
func (s *Settings) Validate() error {
	if s.BlockTime <= 0 {
		return fmt.Errorf("%w: block_time must be positive", dbft.ErrConfig)
	}
	if s.MaxTimeout < 0 {
		return fmt.Errorf("%w: max_timeout must not be negative", dbft.ErrConfig)
	}
	if _, err := s.growth(); err != nil {
		return err
	}
	if s.MaxTransactions <= 0 || s.SeenCacheSize <= 0 {
		return fmt.Errorf("%w: max_transactions and seen_cache_size must be positive", dbft.ErrConfig)
	}
	if _, err := s.PublicKeys(); err != nil {
		return err
	}
	if _, err := s.Signer(); err != nil {
		return err
	}
	return nil
}

func (s *Settings) growth() (dbft.GrowthFunc, error) {
	switch strings.ToLower(s.TimeoutGrowth) {
	case "", GrowthExponential:
		return dbft.ExponentialGrowth(4), nil
	case GrowthLinear:
		return dbft.LinearGrowth(), nil
	default:
		return nil, fmt.Errorf("%w: unknown timeout_growth %q", dbft.ErrConfig, s.TimeoutGrowth)
	}
}

// PublicKeys decodes the validator keys.
func (s *Settings) PublicKeys() ([]dbft.PublicKey, error) {
	keys := make([]dbft.PublicKey, 0, len(s.Validators))
	for i, h := range s.Validators {
		raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: validator %d: %v", dbft.ErrConfig, i, err)
		}
		pk, err := crypto.Secp256r1PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: validator %d: %v", dbft.ErrConfig, i, err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// Signer decodes the private key. It returns nil when none is configured.
func (s *Settings) Signer() (*crypto.Secp256r1PrivateKey, error) {
	if s.PrivateKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: private_key: %v", dbft.ErrConfig, err)
	}
	key, err := crypto.Secp256r1PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: private_key: %v", dbft.ErrConfig, err)
	}
	return key, nil
}

// Options converts the settings to Service options. Validators and the
// signer are included when configured.
func (s *Settings) Options() ([]dbft.ConfigOption, error) {
	growth, err := s.growth()
	if err != nil {
		return nil, err
	}
	opts := []dbft.ConfigOption{
		dbft.WithNetwork(s.Network),
		dbft.WithBlockTime(s.BlockTime),
		dbft.WithTimeoutGrowth(growth),
		dbft.WithMaxTimeout(s.MaxTimeout),
		dbft.WithMaxTransactions(s.MaxTransactions),
		dbft.WithSeenCacheSize(s.SeenCacheSize),
	}

	keys, err := s.PublicKeys()
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		opts = append(opts, dbft.WithValidatorKeys(keys))
	}

	signer, err := s.Signer()
	if err != nil {
		return nil, err
	}
	if signer != nil {
		opts = append(opts, dbft.WithSigner(signer))
	}
	return opts, nil
}
