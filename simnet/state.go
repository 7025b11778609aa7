package simnet

// Event represents a simulation event for visualization.
type Event struct {
	Time        uint64    `json:"time"`
	Type        EventType `json:"type"`
	NodeID      int       `json:"nodeId"`
	Height      uint32    `json:"height,omitempty"`
	View        uint8     `json:"view,omitempty"`
	BlockHash   string    `json:"blockHash,omitempty"`
	Description string    `json:"description"`
}

// EventType categorizes events.
type EventType string

const (
	EventStart       EventType = "start"
	EventCommit      EventType = "commit"
	EventSync        EventType = "sync"
	EventViewChange  EventType = "view_change"
	EventNodeCrash   EventType = "node_crash"
	EventNodeRecover EventType = "node_recover"
	EventPartition   EventType = "partition"
	EventViolation   EventType = "violation"
)

// NodeState represents the observable state of a node.
type NodeState struct {
	ID         int        `json:"id"`
	Validator  uint8      `json:"validator"`
	Address    string     `json:"address"`
	Height     uint32     `json:"height"`
	View       uint8      `json:"view"`
	Phase      string     `json:"phase"`
	IsPrimary  bool       `json:"isPrimary"`
	Status     NodeStatus `json:"status"`
	BlockCount int        `json:"blockCount"`
}

// State is a snapshot of the whole network.
type State struct {
	SimTime    uint64      `json:"simTime"`
	NodeCount  int         `json:"nodeCount"`
	F          int         `json:"f"`
	Quorum     int         `json:"quorum"`
	Nodes      []NodeState `json:"nodes"`
	Partitions [][]int     `json:"partitions"`
	Stats      Stats       `json:"stats"`
	Violations []Violation `json:"violations"`
	Events     []Event     `json:"events"`
}

// State returns the current network state.
func (n *Network) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nodes := make([]NodeState, len(n.nodes))
	for i, nd := range n.nodes {
		ctx := nd.svc.Context()
		info, _ := n.validators.Get(nd.validator)
		nodes[i] = NodeState{
			ID:         nd.id,
			Validator:  nd.validator,
			Address:    info.Address(),
			Height:     ctx.BlockIndex(),
			View:       ctx.ViewNumber(),
			Phase:      ctx.State().String(),
			IsPrimary:  nd.started && ctx.IsPrimary(),
			Status:     nd.status,
			BlockCount: len(nd.chain),
		}
	}

	partitions := make([][]int, len(n.partitions))
	for i, p := range n.partitions {
		partitions[i] = append([]int{}, p...)
	}

	return State{
		SimTime:    n.clock.Now(),
		NodeCount:  len(n.nodes),
		F:          n.validators.F(),
		Quorum:     n.validators.M(),
		Nodes:      nodes,
		Partitions: partitions,
		Stats:      n.stats,
		Violations: append([]Violation{}, n.detector.violations...),
		Events:     n.recentEvents(50),
	}
}

// Events returns the most recent events, oldest first.
func (n *Network) Events() []Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Event{}, n.events...)
}

// SetOnEvent sets the callback for simulation events. It is called with
// the network locked and must not call back into the Network.
func (n *Network) SetOnEvent(fn func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onEvent = fn
}

// addEvent adds an event to the event log (must hold lock).
func (n *Network) addEvent(e Event) {
	n.events = append(n.events, e)
	if len(n.events) > n.maxEvents {
		n.events = n.events[len(n.events)-n.maxEvents:]
	}
	if n.onEvent != nil {
		n.onEvent(e)
	}
}

func (n *Network) recentEvents(count int) []Event {
	if len(n.events) <= count {
		return append([]Event{}, n.events...)
	}
	return append([]Event{}, n.events[len(n.events)-count:]...)
}
