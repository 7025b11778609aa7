package dbft

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxTransactions caps the transaction hashes in one proposal.
const DefaultMaxTransactions = 512

// Config holds the configuration for a dBFT Service.
type Config struct {
	// Validators is the ordered validator directory.
	Validators *Validators

	// Signer signs this node's messages. Its key selects MyIndex.
	Signer Signer

	// Network is the network magic bound into every signature.
	Network uint32

	// Pacemaker configures view-change timeouts.
	Pacemaker PacemakerConfig

	// MaxTransactions bounds the transaction hashes of a proposal.
	MaxTransactions int

	// SeenCacheSize bounds the replay cache.
	SeenCacheSize int

	// Mempool supplies transactions to the primary. Optional.
	Mempool Mempool

	// Store persists snapshots for crash recovery. Optional.
	Store Store

	// Logger for structured logging.
	Logger *zap.Logger

	// Metrics records consensus metrics. Optional.
	Metrics *Metrics

	// Clock returns the current time in milliseconds.
	Clock func() uint64

	// NonceSource returns the nonce of a new proposal.
	NonceSource func() uint64
}

// ConfigOption is a functional option for configuring a Service.
type ConfigOption func(*Config) error

// NewConfig creates a new Config with the given options.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		Pacemaker:       DefaultPacemakerConfig(),
		MaxTransactions: DefaultMaxTransactions,
		SeenCacheSize:   DefaultSeenCacheSize,
		Logger:          zap.NewNop(), // Default: no-op logger
		Clock:           wallClock,
		NonceSource:     randomNonce,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate checks that all required configuration fields are set.
func (c *Config) validate() error {
	if c.Validators == nil {
		return wrapConfig("validators is required")
	}
	if c.Signer == nil {
		return wrapConfig("signer is required")
	}
	if err := c.Pacemaker.Validate(); err != nil {
		return err
	}
	if c.MaxTransactions <= 0 || c.MaxTransactions > maxTransactionsOnWire {
		return wrapConfigf("max transactions must be in [1, %d], got %d", maxTransactionsOnWire, c.MaxTransactions)
	}
	if c.SeenCacheSize <= 0 {
		return wrapConfigf("seen cache size must be positive, got %d", c.SeenCacheSize)
	}
	if c.Logger == nil {
		return wrapConfig("logger is required")
	}
	if c.Clock == nil || c.NonceSource == nil {
		return wrapConfig("clock and nonce source are required")
	}
	return nil
}

// MyIndex returns the validator index of the signer, if it is a validator.
func (c *Config) MyIndex() (uint8, bool) {
	return c.Validators.IndexOf(c.Signer.PublicKeyBytes())
}

// WithValidators sets the validator directory.
func WithValidators(vs *Validators) ConfigOption {
	return func(c *Config) error {
		if vs == nil {
			return wrapConfig("validators cannot be nil")
		}
		c.Validators = vs
		return nil
	}
}

// WithValidatorKeys builds the validator directory from ordered keys.
func WithValidatorKeys(keys []PublicKey) ConfigOption {
	return func(c *Config) error {
		vs, err := NewValidators(keys)
		if err != nil {
			return err
		}
		c.Validators = vs
		return nil
	}
}

// WithSigner sets the signing capability.
func WithSigner(s Signer) ConfigOption {
	return func(c *Config) error {
		if s == nil {
			return wrapConfig("signer cannot be nil")
		}
		c.Signer = s
		return nil
	}
}

// WithNetwork sets the network magic.
func WithNetwork(magic uint32) ConfigOption {
	return func(c *Config) error {
		c.Network = magic
		return nil
	}
}

// WithPacemaker replaces the timing configuration.
func WithPacemaker(pm PacemakerConfig) ConfigOption {
	return func(c *Config) error {
		if err := pm.Validate(); err != nil {
			return err
		}
		c.Pacemaker = pm
		return nil
	}
}

// WithBlockTime sets the base block time.
func WithBlockTime(d time.Duration) ConfigOption {
	return func(c *Config) error {
		if d <= 0 {
			return wrapConfigf("block time must be positive, got %s", d)
		}
		c.Pacemaker.BlockTime = d
		return nil
	}
}

// WithTimeoutGrowth sets the view-change timeout growth function.
func WithTimeoutGrowth(g GrowthFunc) ConfigOption {
	return func(c *Config) error {
		if g == nil {
			return wrapConfig("timeout growth cannot be nil")
		}
		c.Pacemaker.Growth = g
		return nil
	}
}

// WithMaxTimeout caps the view-change timeout.
func WithMaxTimeout(d time.Duration) ConfigOption {
	return func(c *Config) error {
		c.Pacemaker.MaxTimeout = d
		return nil
	}
}

// WithMaxTransactions bounds the transactions of a proposal.
func WithMaxTransactions(n int) ConfigOption {
	return func(c *Config) error {
		c.MaxTransactions = n
		return nil
	}
}

// WithSeenCacheSize bounds the replay cache.
func WithSeenCacheSize(n int) ConfigOption {
	return func(c *Config) error {
		c.SeenCacheSize = n
		return nil
	}
}

// WithMempool sets the transaction source of the primary.
func WithMempool(m Mempool) ConfigOption {
	return func(c *Config) error {
		c.Mempool = m
		return nil
	}
}

// WithStore enables snapshot persistence.
func WithStore(s Store) ConfigOption {
	return func(c *Config) error {
		c.Store = s
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) error {
		if logger == nil {
			return wrapConfig("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) ConfigOption {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// WithClock sets the millisecond clock.
func WithClock(clock func() uint64) ConfigOption {
	return func(c *Config) error {
		if clock == nil {
			return wrapConfig("clock cannot be nil")
		}
		c.Clock = clock
		return nil
	}
}

// WithNonceSource sets the proposal nonce generator.
func WithNonceSource(f func() uint64) ConfigOption {
	return func(c *Config) error {
		if f == nil {
			return wrapConfig("nonce source cannot be nil")
		}
		c.NonceSource = f
		return nil
	}
}

func wallClock() uint64 {
	return uint64(time.Now().UnixMilli())
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
