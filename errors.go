package dbft

import (
	"errors"
	"fmt"
)

// Error classes for consensus operations.
// These represent categories of errors that integrators can handle uniformly.
// Use errors.Is() to check the class or the specific kind below.
//
// Error Classification:
//   - ErrConfig: Hard configuration errors - must fix and restart
//   - ErrInvalidMessage: Malformed or out-of-round messages - log and ignore
//   - ErrByzantine: Potential Byzantine behavior detected - may warrant peer penalties
//   - ErrInternal: Internal invariant violations - indicates bugs or corruption
var (
	// ErrConfig indicates a configuration error that prevents startup.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidMessage indicates a malformed or inapplicable message.
	// The message is dropped and consensus continues.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrByzantine indicates potential Byzantine behavior from a peer.
	// Examples: invalid signature, conflicting messages, wrong primary.
	ErrByzantine = errors.New("byzantine behavior detected")

	// ErrInternal indicates an internal invariant violation.
	ErrInternal = errors.New("internal error")
)

// Specific error kinds. Each one also matches its class with errors.Is.
var (
	// ErrNotValidator is returned by Start when the signer is not in the
	// validator set.
	ErrNotValidator = fmt.Errorf("%w: not a validator", ErrConfig)

	// ErrWrongBlock means the payload belongs to another height.
	ErrWrongBlock = fmt.Errorf("%w: wrong block", ErrInvalidMessage)

	// ErrWrongView means the payload belongs to another view.
	ErrWrongView = fmt.Errorf("%w: wrong view", ErrInvalidMessage)

	// ErrWrongNetwork means the payload carries a foreign network magic.
	ErrWrongNetwork = fmt.Errorf("%w: wrong network", ErrInvalidMessage)

	// ErrInvalidValidatorIndex means the validator index is outside [0, N).
	ErrInvalidValidatorIndex = fmt.Errorf("%w: invalid validator index", ErrInvalidMessage)

	// ErrAlreadyReceived means a different message of the same kind was
	// already accepted from this validator for this view.
	ErrAlreadyReceived = fmt.Errorf("%w: already received", ErrByzantine)

	// ErrDuplicateValidator is the Context-level form of ErrAlreadyReceived.
	ErrDuplicateValidator = fmt.Errorf("%w: duplicate validator", ErrByzantine)

	// ErrSignatureVerificationFailed means a witness or commit signature
	// does not authenticate.
	ErrSignatureVerificationFailed = fmt.Errorf("%w: signature verification failed", ErrByzantine)

	// ErrInvalidPrimary means a PrepareRequest came from a non-primary.
	ErrInvalidPrimary = fmt.Errorf("%w: sender is not primary", ErrByzantine)

	// ErrInsufficientSignatures is an invariant check before block assembly.
	ErrInsufficientSignatures = fmt.Errorf("%w: insufficient signatures", ErrInternal)

	// ErrNotRunning is returned when an operation needs an active round.
	ErrNotRunning = fmt.Errorf("%w: no active round", ErrInternal)

	// ErrSnapshotNotFound is returned by a Store with no saved snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Unexported helpers to wrap errors with the appropriate class or kind.

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func wrapInvalidMessage(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, msg)
}

func wrapInvalidMessagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func wrapByzantinef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrByzantine, fmt.Sprintf(format, args...))
}

func wrapInternal(msg string) error {
	return fmt.Errorf("%w: %s", ErrInternal, msg)
}

// wrapKindf annotates a specific error kind with detail.
func wrapKindf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
