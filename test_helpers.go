package dbft

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/edgedlt/dbft/internal/crypto"
)

// Compile-time interface verification.
// These ensure test types correctly implement production interfaces.
var (
	_ PublicKey = (*crypto.Secp256r1PublicKey)(nil)
	_ Signer    = (*crypto.Secp256r1PrivateKey)(nil)
	_ Store     = (*TestStore)(nil)
	_ Mempool   = (*TestMempool)(nil)
	_ EventSink = (*TestSink)(nil)
)

// NewTestHash creates a hash from a string.
func NewTestHash(data string) Hash {
	return sha256.Sum256([]byte(data))
}

// NewTestValidators generates n secp256r1 keys and the validator directory
// they form. Signers are ordered by validator index.
func NewTestValidators(n int) (*Validators, []Signer) {
	keys := make([]PublicKey, n)
	signers := make([]Signer, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateSecp256r1Key()
		if err != nil {
			panic(fmt.Sprintf("generate key: %v", err))
		}
		keys[i] = priv.PublicKey()
		signers[i] = priv
	}
	vs, err := NewValidators(keys)
	if err != nil {
		panic(fmt.Sprintf("validators: %v", err))
	}
	return vs, signers
}

// TestClock is a manually advanced millisecond clock.
type TestClock struct {
	mu  sync.Mutex
	now uint64
}

// NewTestClock creates a clock starting at start.
func NewTestClock(start uint64) *TestClock {
	return &TestClock{now: start}
}

// Now returns the current time.
func (c *TestClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms.
func (c *TestClock) Advance(ms uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}

// Set moves the clock to t.
func (c *TestClock) Set(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// TestSink records emitted events.
type TestSink struct {
	mu     sync.Mutex
	events []Event
}

// NewTestSink creates an empty sink.
func NewTestSink() *TestSink {
	return &TestSink{}
}

// Emit records e.
func (s *TestSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns all recorded events.
func (s *TestSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Drain returns and clears the recorded events.
func (s *TestSink) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// Broadcasts returns the payloads of recorded BroadcastMessage events.
func (s *TestSink) Broadcasts() []*Payload {
	var out []*Payload
	for _, e := range s.Events() {
		if b, ok := e.(BroadcastMessage); ok {
			out = append(out, b.Payload)
		}
	}
	return out
}

// BroadcastsOf returns broadcast payloads of type t.
func (s *TestSink) BroadcastsOf(t MessageType) []*Payload {
	var out []*Payload
	for _, p := range s.Broadcasts() {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Committed returns the recorded BlockCommitted events.
func (s *TestSink) Committed() []BlockCommitted {
	var out []BlockCommitted
	for _, e := range s.Events() {
		if c, ok := e.(BlockCommitted); ok {
			out = append(out, c)
		}
	}
	return out
}

// ViewChanges returns the recorded ViewChanged events.
func (s *TestSink) ViewChanges() []ViewChanged {
	var out []ViewChanged
	for _, e := range s.Events() {
		if v, ok := e.(ViewChanged); ok {
			out = append(out, v)
		}
	}
	return out
}

// TestMempool returns a fixed transaction list.
type TestMempool struct {
	Hashes []Hash
}

// ProposalTransactions returns up to max fixed hashes.
func (m *TestMempool) ProposalTransactions(_ uint32, max int) []Hash {
	if len(m.Hashes) > max {
		return append([]Hash(nil), m.Hashes[:max]...)
	}
	return append([]Hash(nil), m.Hashes...)
}

// TestStore keeps the latest snapshot in memory, encoded as bytes.
type TestStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewTestStore creates an empty store.
func NewTestStore() *TestStore {
	return &TestStore{}
}

// SaveSnapshot stores s.
func (s *TestStore) SaveSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = snap.Bytes()
	s.saves++
	return nil
}

// LoadSnapshot returns the stored snapshot or ErrSnapshotNotFound.
func (s *TestStore) LoadSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrSnapshotNotFound
	}
	return SnapshotFromBytes(s.data)
}

// Saves returns how many snapshots were written.
func (s *TestStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
