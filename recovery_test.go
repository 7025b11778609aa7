package dbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSendRecovery(t *testing.T) {
	h := newHarness(t, 7)
	for _, svc := range h.services {
		require.NoError(t, svc.Start(0, h.clock.Now(), Hash{}, 0))
	}

	// F=2: the three validators after requester 5 answer.
	var responders []int
	for i, svc := range h.services {
		if svc.shouldSendRecovery(5) {
			responders = append(responders, i)
		}
	}
	assert.Equal(t, []int{0, 1, 6}, responders)
}

// TestRecovery_PartitionedNodeCatchesUp tests that a validator cut off for
// the whole round commits the same block from recovery messages.
func TestRecovery_PartitionedNodeCatchesUp(t *testing.T) {
	h := newHarness(t, 4)
	partitioned := true
	h.drop = func(from, to int, _ *Payload) bool {
		return partitioned && (from == 3 || to == 3)
	}
	h.startAll(1, Hash{})
	h.pump()

	for i := 0; i < 3; i++ {
		require.Len(t, h.committed(i), 1)
	}
	require.Empty(t, h.committed(3))

	partitioned = false
	h.tickAll(testBlockTime)
	lagging := h.services[3]
	assert.Equal(t, StateViewChanging, lagging.Context().State())
	h.pump()

	commits := h.committed(3)
	require.Len(t, commits, 1)
	assert.Equal(t, h.committed(0)[0].BlockHash, commits[0].BlockHash)
	assert.Equal(t, uint8(0), commits[0].BlockData.ViewNumber)
	assert.NotEmpty(t, h.sinks[0].BroadcastsOf(RecoveryMessageType))
}

// TestRecovery_RequestRecoveryWhenQuorumLost tests that a node that cannot
// expect a view change to succeed asks for recovery and resyncs.
func TestRecovery_RequestRecoveryWhenQuorumLost(t *testing.T) {
	h := newHarness(t, 4)
	lagging := h.services[3]

	// The lagging node last heard from its peers at height 10.
	require.NoError(t, lagging.Start(10, h.clock.Now(), Hash{}, 0))
	h.startAll(12, Hash{})
	prepare := h.sinks[0].BroadcastsOf(PrepareRequestType)[0]
	assert.Equal(t, 3, lagging.Context().CountFailed())
	assert.True(t, lagging.Context().MoreThanFNodesCommittedOrLost())

	require.NoError(t, lagging.Tick(lagging.Deadline()))
	assert.Equal(t, RecoveryAwaiting, lagging.Context().RecoveryState())
	require.Len(t, h.sinks[3].BroadcastsOf(RecoveryRequestType), 1)
	assert.Empty(t, h.sinks[3].BroadcastsOf(ChangeViewType))

	// Validator 1 knows the proposal; its recovery message resyncs node 3.
	require.NoError(t, h.services[1].ProcessMessage(prepare))
	msg := h.services[1].buildRecoveryMessage()
	require.NotNil(t, msg.PrepareRequest)
	assert.Equal(t, uint8(0), msg.PrepareRequest.ValidatorIndex)
	require.Len(t, msg.Preparations, 1)

	p, err := h.services[1].makePayload(msg, Hash{})
	require.NoError(t, err)
	require.NoError(t, lagging.ProcessMessage(p))

	assert.Equal(t, RecoveryResynced, lagging.Context().RecoveryState())
	got, ok := lagging.Context().ProposedBlockHash()
	require.True(t, ok)
	want, _ := h.services[0].Context().ProposedBlockHash()
	assert.Equal(t, want, got)
	assert.True(t, lagging.Context().CommitSent(), "proposal and two responses reach M")

	h.pump()
	require.Len(t, h.committed(3), 1)
	assert.Equal(t, want, h.committed(3)[0].BlockHash)
}

// TestRecovery_ForgedCommitsDoNotResync tests that commits carried by a
// recovery message count only once their signatures are verified.
func TestRecovery_ForgedCommitsDoNotResync(t *testing.T) {
	h := newHarness(t, 4)
	node := h.services[2]
	require.NoError(t, node.Start(1, h.clock.Now(), Hash{}, 0))
	require.NoError(t, node.Tick(node.Deadline()))
	require.Equal(t, StateViewChanging, node.Context().State())
	node.Context().setRecoveryState(RecoveryAwaiting)

	msg := &RecoveryMessage{}
	for _, idx := range []uint8{1, 3} {
		msg.Commits = append(msg.Commits, CommitCompact{
			ViewNumber:       0,
			ValidatorIndex:   idx,
			Signature:        make([]byte, 64),
			InvocationScript: make([]byte, 66),
		})
	}
	require.NoError(t, node.ProcessMessage(h.signed(0, 1, 0, msg, Hash{})))

	assert.Equal(t, RecoveryAwaiting, node.Context().RecoveryState())
	assert.Equal(t, 0, node.Context().CountCommitted())
	assert.True(t, node.Context().NotAcceptingPayloadsDueToViewChanging())
}

// TestRecovery_CommitsProvenByProposal tests that commits over a proposal
// authenticated by the primary lift the view-changing gate, while forged
// ones in the same message are dropped.
func TestRecovery_CommitsProvenByProposal(t *testing.T) {
	h := newHarness(t, 4)
	node := h.services[2]
	require.NoError(t, node.Start(1, h.clock.Now(), Hash{}, 0))
	require.NoError(t, node.Tick(node.Deadline()))
	require.True(t, node.Context().NotAcceptingPayloadsDueToViewChanging())

	req := &PrepareRequest{Timestamp: 1, Nonce: 9}
	hash := node.Context().headerFor(req.Timestamp, req.Nonce, nil, 1).Hash()
	proposal := h.signed(1, 1, 0, req, hash)

	msg := &RecoveryMessage{
		PrepareRequest: &PrepareRequestCompact{
			ValidatorIndex:   1,
			Timestamp:        req.Timestamp,
			Nonce:            req.Nonce,
			InvocationScript: proposal.Witness,
		},
		Commits: []CommitCompact{{
			ViewNumber:       0,
			ValidatorIndex:   0,
			Signature:        make([]byte, 64),
			InvocationScript: make([]byte, 66),
		}},
	}
	for _, idx := range []uint8{1, 3} {
		sig, err := h.signers[idx].Sign(CommitSignData(testNetwork, hash))
		require.NoError(t, err)
		commit := h.signed(idx, 1, 0, &Commit{Signature: sig}, hash)
		msg.Commits = append(msg.Commits, CommitCompact{
			ViewNumber:       0,
			ValidatorIndex:   idx,
			Signature:        sig,
			InvocationScript: commit.Witness,
		})
	}
	require.NoError(t, node.ProcessMessage(h.signed(0, 1, 0, msg, Hash{})))

	got, ok := node.Context().ProposedBlockHash()
	require.True(t, ok, "gate lifted by two proven commits")
	assert.Equal(t, hash, got)
	assert.True(t, node.Context().HasCommit(1))
	assert.True(t, node.Context().HasCommit(3))
	assert.False(t, node.Context().HasCommit(0))
	assert.Equal(t, 2, node.Context().CountCommitted())
}

// TestRecovery_ReplayedChangeViews tests that change views carried by a
// recovery message from a higher view move the receiver.
func TestRecovery_ReplayedChangeViews(t *testing.T) {
	h := newHarness(t, 4)
	h.down[1] = true
	h.startAll(1, Hash{})

	// Validator 3 can send but receives nothing.
	h.drop = func(_, to int, _ *Payload) bool { return to == 3 }
	for _, i := range []int{0, 2, 3} {
		require.NoError(t, h.services[i].Tick(h.services[i].Deadline()))
	}
	require.Equal(t, uint8(0), h.services[0].Context().ViewNumber())
	h.pump()

	node0 := h.services[0]
	require.Equal(t, uint8(1), node0.Context().ViewNumber())
	lagging := h.services[3]
	require.Equal(t, uint8(0), lagging.Context().ViewNumber())

	msg := node0.buildRecoveryMessage()
	assert.Len(t, msg.ChangeViews, 3)
	require.NotNil(t, msg.PrepareRequest, "validator 0 is primary of view 1")

	p, err := node0.makePayload(msg, Hash{})
	require.NoError(t, err)
	require.NoError(t, lagging.ProcessMessage(p))
	assert.Equal(t, uint8(1), lagging.Context().ViewNumber())
	got, ok := lagging.Context().ProposedBlockHash()
	require.True(t, ok)
	want, _ := node0.Context().ProposedBlockHash()
	assert.Equal(t, want, got)
}

// TestRecovery_RestoreFromSnapshot tests that a restarted validator that
// already committed resumes with its commit instead of a new proposal.
func TestRecovery_RestoreFromSnapshot(t *testing.T) {
	h := newHarness(t, 4)
	h.drop = func(_, _ int, p *Payload) bool { return p.Type == CommitType }
	h.startAll(1, Hash{})
	h.pump()

	node := h.services[2]
	require.Equal(t, StateCommit, node.Context().State())
	require.Empty(t, h.committed(2))
	ownCommit := h.sinks[2].BroadcastsOf(CommitType)
	require.Len(t, ownCommit, 1)

	// Restart: a fresh service over the same store.
	cfg := node.cfg
	restarted, err := NewService(cfg, h.sinks[2])
	require.NoError(t, err)
	h.services[2] = restarted
	require.NoError(t, restarted.Start(1, h.clock.Now(), Hash{}, 0))

	assert.Equal(t, StateCommit, restarted.Context().State())
	assert.True(t, restarted.Context().CommitSent())
	commits := h.sinks[2].BroadcastsOf(CommitType)
	require.Len(t, commits, 2)
	assert.Equal(t, ownCommit[0].Bytes(), commits[1].Bytes(), "the same commit is rebroadcast")
	assert.Equal(t, RecoveryAwaiting, restarted.Context().RecoveryState())
	assert.Len(t, h.sinks[2].BroadcastsOf(RecoveryRequestType), 1)
}
