package dbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testBlockTime = time.Second

// harness wires services together through their sinks. Broadcasts are
// serialized and delivered to every other live service until the network
// is quiet.
type harness struct {
	t          *testing.T
	clock      *TestClock
	validators *Validators
	signers    []Signer
	services   []*Service
	sinks      []*TestSink
	stores     []*TestStore

	cursor []int
	down   map[int]bool
	// drop reports whether a delivery from -> to is lost.
	drop func(from, to int, p *Payload) bool
	errs []error
}

func newHarness(t *testing.T, n int, opts ...ConfigOption) *harness {
	t.Helper()
	vs, signers := NewTestValidators(n)
	h := &harness{
		t:          t,
		clock:      NewTestClock(1_000_000),
		validators: vs,
		signers:    signers,
		cursor:     make([]int, n),
		down:       make(map[int]bool),
	}
	for i := 0; i < n; i++ {
		store := NewTestStore()
		sink := NewTestSink()
		base := []ConfigOption{
			WithValidators(vs),
			WithSigner(signers[i]),
			WithNetwork(testNetwork),
			WithClock(h.clock.Now),
			WithBlockTime(testBlockTime),
			WithStore(store),
		}
		cfg, err := NewConfig(append(base, opts...)...)
		require.NoError(t, err)
		svc, err := NewService(cfg, sink)
		require.NoError(t, err)
		h.services = append(h.services, svc)
		h.sinks = append(h.sinks, sink)
		h.stores = append(h.stores, store)
	}
	return h
}

func (h *harness) startAll(height uint32, prev Hash) {
	h.t.Helper()
	for i, svc := range h.services {
		if h.down[i] {
			continue
		}
		require.NoError(h.t, svc.Start(height, h.clock.Now(), prev, 0))
	}
}

// pump delivers pending broadcasts until none are left and returns the
// number of deliveries.
func (h *harness) pump() int {
	delivered := 0
	for round := 0; round < 1000; round++ {
		progress := false
		for i := range h.services {
			events := h.sinks[i].Events()
			pending := events[h.cursor[i]:]
			h.cursor[i] = len(events)
			for _, e := range pending {
				b, ok := e.(BroadcastMessage)
				if !ok || h.down[i] {
					continue
				}
				progress = true
				for j, svc := range h.services {
					if j == i || h.down[j] {
						continue
					}
					if h.drop != nil && h.drop(i, j, b.Payload) {
						continue
					}
					p, err := PayloadFromBytes(b.Payload.Bytes())
					require.NoError(h.t, err)
					if err := svc.ProcessMessage(p); err != nil {
						h.errs = append(h.errs, err)
					}
					delivered++
				}
			}
		}
		if !progress {
			return delivered
		}
	}
	h.t.Fatal("network did not quiesce")
	return delivered
}

// tickAll advances the clock by d and fires every live service timer.
func (h *harness) tickAll(d time.Duration) {
	now := h.clock.Advance(uint64(d.Milliseconds()))
	for i, svc := range h.services {
		if h.down[i] {
			continue
		}
		require.NoError(h.t, svc.Tick(now))
	}
}

// signed builds a payload signed by validator from.
func (h *harness) signed(from uint8, height uint32, view uint8, m Message, blockHash Hash) *Payload {
	h.t.Helper()
	p := NewPayload(testNetwork, height, view, from, m)
	require.NoError(h.t, signPayload(h.signers[from], p, m, blockHash))
	return p
}

func (h *harness) committed(i int) []BlockCommitted {
	return h.sinks[i].Committed()
}
