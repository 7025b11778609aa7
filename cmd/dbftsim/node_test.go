package main

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/store"
	"github.com/edgedlt/dbft/timer"
)

func newTestValidator(t *testing.T) *validator {
	t.Helper()
	vs, signers := dbft.NewTestValidators(4)
	cfg, err := dbft.NewConfig(
		dbft.WithValidators(vs),
		dbft.WithSigner(signers[0]),
		dbft.WithNetwork(0x4E454F33),
	)
	require.NoError(t, err)

	db := store.NewMemory()
	t.Cleanup(func() { _ = db.Close() })

	v := &validator{
		db:        db,
		logger:    zap.NewNop(),
		blockTime: time.Millisecond,
		commits:   make(chan dbft.BlockCommitted, 1),
	}
	v.node, err = dbft.NewNode(cfg, dbft.NewTestSink(), timer.NewMockTimer())
	require.NoError(t, err)
	require.NoError(t, v.node.Start())
	t.Cleanup(v.node.Stop)
	return v
}

func TestValidatorResumePoint(t *testing.T) {
	v := newTestValidator(t)

	height, prev, err := v.resumePoint()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), height)
	assert.True(t, prev.IsZero())

	hash := dbft.NewTestHash("block 5")
	require.NoError(t, v.db.PutBlock(5, hash))
	height, prev, err = v.resumePoint()
	require.NoError(t, err)
	assert.Equal(t, uint32(6), height)
	assert.Equal(t, hash, prev)
}

func TestValidatorCommitStartsNextHeight(t *testing.T) {
	v := newTestValidator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, v.node.StartRound(ctx, 1, uint64(time.Now().UnixMilli()), dbft.Hash{}, 0))

	done := make(chan error, 1)
	go func() { done <- v.commitLoop(ctx) }()

	hash := dbft.NewTestHash("block 1")
	v.emit(dbft.BlockCommitted{
		BlockIndex: 1,
		BlockHash:  hash,
		BlockData:  &dbft.BlockData{BlockIndex: 1, BlockHash: hash, Timestamp: uint64(time.Now().UnixMilli())},
	})

	require.Eventually(t, func() bool {
		stats, err := v.node.Stats(ctx)
		return err == nil && stats["block_index"] == uint32(2)
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := v.db.BlockHash(1)
	require.NoError(t, err)
	assert.Equal(t, hash, stored)

	cancel()
	require.NoError(t, <-done)
}

func TestValidatorCommitLoopStopsWithNode(t *testing.T) {
	v := newTestValidator(t)
	v.node.Stop()

	hash := dbft.NewTestHash("block 1")
	v.commits <- dbft.BlockCommitted{
		BlockIndex: 1,
		BlockHash:  hash,
		BlockData:  &dbft.BlockData{BlockIndex: 1, BlockHash: hash},
	}
	assert.NoError(t, v.commitLoop(context.Background()))
}

func TestParsePeers(t *testing.T) {
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)

	peers, err := parsePeers([]string{"/ip4/127.0.0.1/tcp/4001/p2p/" + id.String()})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, id, peers[0].ID)
	assert.Len(t, peers[0].Addrs, 1)

	_, err = parsePeers([]string{"/ip4/127.0.0.1/tcp/4001"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dbft.ErrConfig))
}
