package dbft

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/dbft/internal/crypto"
)

// TestConfigCreation tests basic configuration creation.
func TestConfigCreation(t *testing.T) {
	validators, signers := NewTestValidators(4)

	cfg, err := NewConfig(
		WithValidators(validators),
		WithSigner(signers[2]),
		WithNetwork(0x334F454E),
	)
	if err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}

	idx, ok := cfg.MyIndex()
	if !ok || idx != 2 {
		t.Errorf("MyIndex should be 2, got %d (ok=%v)", idx, ok)
	}
	if cfg.Network != 0x334F454E {
		t.Errorf("Network should be set, got 0x%08x", cfg.Network)
	}
	if cfg.MaxTransactions != DefaultMaxTransactions {
		t.Errorf("MaxTransactions should default to %d, got %d", DefaultMaxTransactions, cfg.MaxTransactions)
	}
	if cfg.Pacemaker.BlockTime != 15*time.Second {
		t.Errorf("BlockTime should default to 15s, got %v", cfg.Pacemaker.BlockTime)
	}
	if cfg.Store != nil || cfg.Mempool != nil || cfg.Metrics != nil {
		t.Error("optional components should default to nil")
	}
}

// TestConfigValidationMissingFields tests that required fields are validated.
func TestConfigValidationMissingFields(t *testing.T) {
	validators, signers := NewTestValidators(4)

	tests := []struct {
		name    string
		opts    []ConfigOption
		wantErr string
	}{
		{
			name:    "MissingValidators",
			opts:    []ConfigOption{WithSigner(signers[0])},
			wantErr: "validators is required",
		},
		{
			name:    "MissingSigner",
			opts:    []ConfigOption{WithValidators(validators)},
			wantErr: "signer is required",
		},
		{
			name: "ZeroMaxTransactions",
			opts: []ConfigOption{
				WithValidators(validators),
				WithSigner(signers[0]),
				WithMaxTransactions(0),
			},
			wantErr: "max transactions",
		},
		{
			name: "NilValidators",
			opts: []ConfigOption{
				WithValidators(nil),
			},
			wantErr: "validators cannot be nil",
		},
		{
			name: "NilClock",
			opts: []ConfigOption{
				WithValidators(validators),
				WithSigner(signers[0]),
				WithClock(nil),
			},
			wantErr: "clock cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts...)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Expected ErrConfig, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.wantErr, err.Error())
			}
		})
	}
}

// TestConfigNonValidatorSigner tests that a foreign signer is accepted by the
// config but has no validator index.
func TestConfigNonValidatorSigner(t *testing.T) {
	validators, _ := NewTestValidators(4)
	outsider, err := crypto.GenerateSecp256r1Key()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg, err := NewConfig(WithValidators(validators), WithSigner(outsider))
	if err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}
	if _, ok := cfg.MyIndex(); ok {
		t.Error("outsider should not have a validator index")
	}
}

// TestConfigWithValidatorKeys tests building the directory from keys.
func TestConfigWithValidatorKeys(t *testing.T) {
	validators, signers := NewTestValidators(7)

	cfg, err := NewConfig(
		WithValidatorKeys(validators.PublicKeys()),
		WithSigner(signers[6]),
	)
	if err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}
	if cfg.Validators.N() != 7 {
		t.Errorf("expected 7 validators, got %d", cfg.Validators.N())
	}
	if idx, _ := cfg.MyIndex(); idx != 6 {
		t.Errorf("MyIndex should be 6, got %d", idx)
	}

	_, err = NewConfig(WithValidatorKeys(nil))
	if !errors.Is(err, ErrConfig) {
		t.Errorf("empty key list should be a config error, got %v", err)
	}
}

// TestConfigWithLogger tests custom logger configuration.
func TestConfigWithLogger(t *testing.T) {
	validators, signers := NewTestValidators(4)
	logger := zap.NewExample()

	cfg, err := NewConfig(
		WithValidators(validators),
		WithSigner(signers[0]),
		WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}
	if cfg.Logger != logger {
		t.Error("Logger should be set to custom logger")
	}
}

// TestConfigWithNilLogger tests that a nil logger is rejected.
func TestConfigWithNilLogger(t *testing.T) {
	_, err := NewConfig(WithLogger(nil))
	if err == nil {
		t.Fatal("Expected error for nil logger")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("Expected ErrConfig, got: %v", err)
	}
}

// TestConfigPacemakerOptions tests timing options.
func TestConfigPacemakerOptions(t *testing.T) {
	validators, signers := NewTestValidators(4)

	cfg, err := NewConfig(
		WithValidators(validators),
		WithSigner(signers[0]),
		WithBlockTime(time.Second),
		WithTimeoutGrowth(LinearGrowth()),
		WithMaxTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}
	if got := cfg.Pacemaker.Timeout(2); got != 3*time.Second {
		t.Errorf("linear timeout of view 2 should be 3s, got %v", got)
	}
	if got := cfg.Pacemaker.Timeout(10); got != 5*time.Second {
		t.Errorf("timeout should be capped at 5s, got %v", got)
	}

	_, err = NewConfig(
		WithValidators(validators),
		WithSigner(signers[0]),
		WithBlockTime(0),
	)
	if !errors.Is(err, ErrConfig) {
		t.Errorf("zero block time should be a config error, got %v", err)
	}
}
