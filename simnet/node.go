package simnet

import (
	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/store"
)

// NodeStatus represents the status of a node.
type NodeStatus string

const (
	StatusActive  NodeStatus = "active"
	StatusSilent  NodeStatus = "silent"
	StatusCrashed NodeStatus = "crashed"
)

// node is one simulated validator. All fields are guarded by the Network
// mutex.
type node struct {
	id        int
	validator uint8
	svc       *dbft.Service
	db        *store.Store
	metrics   *dbft.Metrics
	status    NodeStatus
	started   bool

	// Last block in chain and its hash (the genesis hash before any).
	height uint32
	prev   dbft.Hash
	chain  []*dbft.BlockData

	// When the next height starts, 0 when not scheduled.
	nextStart uint64

	outbox      []*dbft.Payload
	future      []*dbft.Payload
	committed   []dbft.BlockCommitted
	viewChanges []dbft.ViewChanged
}

// emit is the node's EventSink. It only queues; the Network acts on the
// queues after the Service call returns.
func (nd *node) emit(e dbft.Event) {
	switch ev := e.(type) {
	case dbft.BroadcastMessage:
		nd.outbox = append(nd.outbox, ev.Payload)
	case dbft.BlockCommitted:
		nd.committed = append(nd.committed, ev)
	case dbft.ViewChanged:
		nd.viewChanges = append(nd.viewChanges, ev)
	}
}

func (nd *node) takeCommitted() []dbft.BlockCommitted {
	out := nd.committed
	nd.committed = nil
	return out
}

func (nd *node) takeViewChanges() []dbft.ViewChanged {
	out := nd.viewChanges
	nd.viewChanges = nil
	return out
}
