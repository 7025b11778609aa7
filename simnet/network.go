// Package simnet runs a set of dBFT validators in one process over a
// simulated network with fault injection.
//
// Delivery is synchronous and deterministic for a given seed: broadcasts are
// queued per node and delivered in node order by Step, and time only moves
// through Advance. Nodes can be silenced, crashed and restarted, partitioned,
// or subjected to random loss and replay.
package simnet

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/store"
)

// ErrNotQuiescent is returned by Pump when messages keep flowing.
var ErrNotQuiescent = errors.New("network did not quiesce")

// maxFuture bounds the payloads buffered per node for heights it has not
// started yet.
const maxFuture = 4096

// Config configures a simulated network.
type Config struct {
	// Validators is the number of validators (N).
	Validators int

	// Twins lists validator indices that run a second node with the same
	// key. Twin nodes get the IDs after the validators, in list order.
	Twins []int

	// Network is the network magic of every node.
	Network uint32

	// Seed drives packet loss and replay.
	Seed int64

	// BlockTime is the base view timeout of every node.
	BlockTime time.Duration

	// BlockInterval delays the start of the next height after a node
	// commits. Defaults to BlockTime.
	BlockInterval time.Duration

	// PacketLoss is the probability of dropping a delivery (0.0 - 1.0).
	PacketLoss float64

	// ReplayProbability is the chance of delivering a payload twice.
	ReplayProbability float64

	// BlockSync lets a node that fell behind adopt blocks committed by a
	// node it can reach, as the ledger sync of a full node would.
	BlockSync bool

	// Genesis is the previous hash of the first height.
	Genesis dbft.Hash

	// Options are appended to the per-node configuration.
	Options []dbft.ConfigOption

	// Logger is named per node. Defaults to a no-op logger.
	Logger *zap.Logger

	// Registerer, when set, receives the metrics of every node labelled by
	// node ID.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a four validator fault-free configuration.
func DefaultConfig() Config {
	return Config{
		Validators: 4,
		Network:    0x4E454F33,
		Seed:       42,
		BlockTime:  time.Second,
		BlockSync:  true,
		Genesis:    dbft.Hash{},
	}
}

// DropFunc reports whether a delivery from -> to is lost.
type DropFunc func(from, to int, p *dbft.Payload) bool

// Stats contains network statistics.
type Stats struct {
	MessagesSent     int `json:"messagesSent"`
	MessagesDropped  int `json:"messagesDropped"`
	MessagesReplayed int `json:"messagesReplayed"`
	MessagesRejected int `json:"messagesRejected"`
}

// Network is a simulated validator network.
type Network struct {
	mu deadlock.RWMutex

	cfg        Config
	clock      *Clock
	rng        *rand.Rand
	logger     *zap.Logger
	validators *dbft.Validators
	signers    []dbft.Signer
	nodes      []*node
	detector   *detector

	partitions [][]int
	drop       DropFunc
	stats      Stats

	events    []Event
	maxEvents int
	onEvent   func(Event)
}

// New creates a network of cfg.Validators fresh validators. No round is
// started until Start.
func New(cfg Config) (*Network, error) {
	if cfg.Validators < 1 || cfg.Validators > dbft.MaxValidators {
		return nil, fmt.Errorf("invalid validator count %d", cfg.Validators)
	}
	seen := make(map[int]bool, len(cfg.Twins))
	for _, v := range cfg.Twins {
		if v < 0 || v >= cfg.Validators || seen[v] {
			return nil, fmt.Errorf("invalid twin validator %d", v)
		}
		seen[v] = true
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = cfg.BlockTime
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	vs, signers := dbft.NewTestValidators(cfg.Validators)
	n := &Network{
		cfg:        cfg,
		clock:      NewClock(1_000_000),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		logger:     cfg.Logger,
		validators: vs,
		signers:    signers,
		nodes:      make([]*node, cfg.Validators+len(cfg.Twins)),
		detector:   newDetector(cfg.Network, vs),
		events:     make([]Event, 0, 1000),
		maxEvents:  1000,
	}

	for i := range n.nodes {
		validator := i
		if i >= cfg.Validators {
			validator = cfg.Twins[i-cfg.Validators]
		}
		nd := &node{
			id:        i,
			validator: uint8(validator),
			db:        store.NewMemory(),
			status:    StatusActive,
			prev:      cfg.Genesis,
		}
		if cfg.Registerer != nil {
			reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": fmt.Sprint(i)}, cfg.Registerer)
			m, err := dbft.NewMetrics(reg)
			if err != nil {
				return nil, fmt.Errorf("metrics for node %d: %w", i, err)
			}
			nd.metrics = m
		}
		if err := n.newService(nd); err != nil {
			return nil, fmt.Errorf("failed to create node %d: %w", i, err)
		}
		n.nodes[i] = nd
	}
	return n, nil
}

func (n *Network) newService(nd *node) error {
	opts := []dbft.ConfigOption{
		dbft.WithValidators(n.validators),
		dbft.WithSigner(n.signers[nd.validator]),
		dbft.WithNetwork(n.cfg.Network),
		dbft.WithBlockTime(n.cfg.BlockTime),
		dbft.WithClock(n.clock.Now),
		dbft.WithStore(nd.db),
		dbft.WithLogger(n.logger.Named(fmt.Sprintf("node-%d", nd.id))),
	}
	if nd.metrics != nil {
		opts = append(opts, dbft.WithMetrics(nd.metrics))
	}
	cfg, err := dbft.NewConfig(append(opts, n.cfg.Options...)...)
	if err != nil {
		return err
	}
	svc, err := dbft.NewService(cfg, dbft.EventSinkFunc(nd.emit))
	if err != nil {
		return err
	}
	nd.svc = svc
	return nil
}

// Clock returns the simulated clock.
func (n *Network) Clock() *Clock { return n.clock }

// Validators returns the validator directory.
func (n *Network) Validators() *dbft.Validators { return n.validators }

// Size returns the number of nodes, twins included.
func (n *Network) Size() int { return len(n.nodes) }

// Start starts height 1 on every active node.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	for _, nd := range n.nodes {
		if nd.status == StatusCrashed {
			continue
		}
		if err := n.startHeight(nd, nd.height+1, now); err != nil {
			return err
		}
	}
	n.addEvent(Event{
		Time:        now,
		Type:        EventStart,
		Description: fmt.Sprintf("Simulation started with %d validators and %d twins", n.validators.N(), len(n.cfg.Twins)),
	})
	return nil
}

func (n *Network) startHeight(nd *node, height uint32, now uint64) error {
	nd.nextStart = 0
	if err := nd.svc.Start(height, now, nd.prev, 0); err != nil {
		return fmt.Errorf("start node %d at %d: %w", nd.id, height, err)
	}
	nd.started = true
	n.flushFuture(nd)
	return nil
}

// Step delivers every queued broadcast once and returns the number of
// deliveries made.
func (n *Network) Step() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.step()
}

func (n *Network) step() int {
	delivered := 0
	for _, from := range n.nodes {
		outbox := from.outbox
		from.outbox = nil
		if from.status != StatusActive {
			continue
		}
		for _, p := range outbox {
			for _, to := range n.nodes {
				if to.id == from.id {
					continue
				}
				if !n.deliverable(from.id, to.id, p) {
					n.stats.MessagesDropped++
					continue
				}
				n.deliver(to, p)
				delivered++
				if n.cfg.ReplayProbability > 0 && n.rng.Float64() < n.cfg.ReplayProbability {
					n.stats.MessagesReplayed++
					n.deliver(to, p)
				}
			}
		}
	}
	n.advanceCommitted()
	return delivered
}

// Pump steps until no broadcast is pending.
func (n *Network) Pump() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pump()
}

func (n *Network) pump() (int, error) {
	total := 0
	for _i := 0; _i < 10_000; _i++ {
		d := n.step()
		total += d
		if d == 0 && !n.pending() {
			return total, nil
		}
	}
	return total, ErrNotQuiescent
}

func (n *Network) pending() bool {
	for _, nd := range n.nodes {
		if len(nd.committed) > 0 || len(nd.viewChanges) > 0 {
			return true
		}
		if len(nd.outbox) > 0 && nd.status == StatusActive {
			return true
		}
	}
	return false
}

// Advance moves the clock by d, starts scheduled heights, fires due timers,
// syncs lagging nodes and pumps the network.
func (n *Network) Advance(d time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Advance(uint64(d.Milliseconds()))
	for _, nd := range n.nodes {
		if nd.status == StatusCrashed {
			continue
		}
		if nd.nextStart != 0 && now >= nd.nextStart {
			if err := n.startHeight(nd, nd.height+1, now); err != nil {
				return err
			}
		}
		if err := nd.svc.Tick(now); err != nil {
			n.logger.Debug("tick failed", zap.Int("node", nd.id), zap.Error(err))
		}
	}
	if n.cfg.BlockSync {
		if err := n.sync(now); err != nil {
			return err
		}
	}
	_, err := n.pump()
	return err
}

// Run advances the network in steps of tick until every non-crashed node
// committed height. It fails once maxTime of simulated time has elapsed.
func (n *Network) Run(height uint32, tick, maxTime time.Duration) error {
	if _, err := n.Pump(); err != nil {
		return err
	}
	var elapsed time.Duration
	for !n.Reached(height) {
		if elapsed >= maxTime {
			return fmt.Errorf("height %d not reached after %s", height, maxTime)
		}
		if err := n.Advance(tick); err != nil {
			return err
		}
		elapsed += tick
	}
	return nil
}

// Reached reports whether every active node committed height.
func (n *Network) Reached(height uint32) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, nd := range n.nodes {
		if nd.status == StatusCrashed {
			continue
		}
		if nd.height < height {
			return false
		}
	}
	return true
}

func (n *Network) deliverable(from, to int, p *dbft.Payload) bool {
	dst := n.nodes[to]
	if dst.status != StatusActive {
		return false
	}
	if n.isPartitioned(from, to) {
		return false
	}
	if n.drop != nil && n.drop(from, to, p) {
		return false
	}
	if n.cfg.PacketLoss > 0 && n.rng.Float64() < n.cfg.PacketLoss {
		return false
	}
	return true
}

// deliver hands a copy of p to nd, holding it back while nd has not reached
// p's height.
func (n *Network) deliver(nd *node, p *dbft.Payload) {
	n.stats.MessagesSent++
	if !nd.started || p.BlockIndex > nd.svc.Context().BlockIndex() || nd.nextStart != 0 {
		if len(nd.future) < maxFuture {
			nd.future = append(nd.future, p)
		}
		return
	}
	n.process(nd, p)
}

func (n *Network) process(nd *node, p *dbft.Payload) {
	cp, err := dbft.PayloadFromBytes(p.Bytes())
	if err != nil {
		n.stats.MessagesRejected++
		return
	}
	if err := nd.svc.ProcessMessage(cp); err != nil {
		n.stats.MessagesRejected++
	}
}

func (n *Network) flushFuture(nd *node) {
	height := nd.svc.Context().BlockIndex()
	pending := nd.future
	nd.future = nil
	for _, p := range pending {
		switch {
		case p.BlockIndex == height:
			n.process(nd, p)
		case p.BlockIndex > height:
			nd.future = append(nd.future, p)
		}
	}
}

// advanceCommitted records new commits and moves committed nodes to the
// next height.
func (n *Network) advanceCommitted() {
	now := n.clock.Now()
	for _, nd := range n.nodes {
		for _, c := range nd.takeCommitted() {
			n.record(nd, c.BlockData, now, false)
		}
		for _, vc := range nd.takeViewChanges() {
			n.addEvent(Event{
				Time:        now,
				Type:        EventViewChange,
				NodeID:      nd.id,
				Height:      vc.BlockIndex,
				View:        vc.NewView,
				Description: fmt.Sprintf("Node %d moved to view %d", nd.id, vc.NewView),
			})
		}
	}
}

// record appends data to nd's chain and schedules its next height.
func (n *Network) record(nd *node, data *dbft.BlockData, now uint64, synced bool) {
	if data.BlockIndex != nd.height+1 {
		return
	}
	for _, v := range n.detector.observe(nd.id, nd.prev, data) {
		n.logger.Error("safety violation",
			zap.String("type", string(v.Type)),
			zap.Int("node", v.NodeID),
			zap.Uint32("height", v.Height),
			zap.String("detail", v.Description))
		n.addEvent(Event{Time: now, Type: EventViolation, NodeID: nd.id, Height: v.Height, Description: v.Description})
	}

	nd.chain = append(nd.chain, data)
	nd.height = data.BlockIndex
	nd.prev = data.BlockHash
	if err := nd.db.PutBlock(data.BlockIndex, data.BlockHash); err != nil {
		n.logger.Warn("failed to persist block", zap.Int("node", nd.id), zap.Error(err))
	}

	typ, verb := EventCommit, "committed"
	if synced {
		typ, verb = EventSync, "synced"
	}
	n.addEvent(Event{
		Time:        now,
		Type:        typ,
		NodeID:      nd.id,
		Height:      data.BlockIndex,
		View:        data.ViewNumber,
		BlockHash:   data.BlockHash.String(),
		Description: fmt.Sprintf("Node %d %s block %d", nd.id, verb, data.BlockIndex),
	})

	if nd.status != StatusCrashed {
		nd.nextStart = now + uint64(n.cfg.BlockInterval.Milliseconds())
	}
}

// sync lets nodes adopt blocks that a reachable node already committed.
func (n *Network) sync(now uint64) error {
	for _, nd := range n.nodes {
		if nd.status != StatusActive {
			continue
		}
		for {
			data := n.syncSource(nd)
			if data == nil {
				break
			}
			n.record(nd, data, now, true)
		}
	}
	return nil
}

func (n *Network) syncSource(nd *node) *dbft.BlockData {
	want := nd.height + 1
	for _, peer := range n.nodes {
		if peer.id == nd.id || peer.status != StatusActive || n.isPartitioned(peer.id, nd.id) {
			continue
		}
		if int(want) <= len(peer.chain) {
			if data := peer.chain[want-1]; data.BlockIndex == want {
				return data
			}
		}
	}
	return nil
}

// SetDrop installs a delivery filter. Pass nil to remove it.
func (n *Network) SetDrop(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Silence stops all traffic to and from a node while it keeps running.
func (n *Network) Silence(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nd := n.nodes[id]; nd.status == StatusActive {
		nd.status = StatusSilent
	}
}

// Unsilence restores traffic of a silenced node.
func (n *Network) Unsilence(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nd := n.nodes[id]; nd.status == StatusSilent {
		nd.status = StatusActive
	}
}

// Crash stops a node. Its in-memory round state is lost; its store is kept.
func (n *Network) Crash(id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id < 0 || id >= len(n.nodes) {
		return fmt.Errorf("invalid node ID: %d", id)
	}
	nd := n.nodes[id]
	nd.status = StatusCrashed
	nd.outbox = nil
	nd.future = nil
	nd.started = false
	nd.nextStart = 0
	n.addEvent(Event{
		Time:        n.clock.Now(),
		Type:        EventNodeCrash,
		NodeID:      id,
		Description: fmt.Sprintf("Node %d crashed", id),
	})
	return nil
}

// Restart brings a crashed node back with a fresh Service over its store.
// The node resumes the height after its last committed block.
func (n *Network) Restart(id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id < 0 || id >= len(n.nodes) {
		return fmt.Errorf("invalid node ID: %d", id)
	}
	nd := n.nodes[id]
	if nd.status != StatusCrashed {
		return nil
	}
	if err := n.newService(nd); err != nil {
		return err
	}
	nd.status = StatusActive
	now := n.clock.Now()
	if err := n.startHeight(nd, nd.height+1, now); err != nil {
		return err
	}
	n.addEvent(Event{
		Time:        now,
		Type:        EventNodeRecover,
		NodeID:      id,
		Description: fmt.Sprintf("Node %d restarted at height %d", id, nd.height+1),
	})
	return nil
}

// SetPartitions configures network partitions. Each partition is a group of
// node IDs that can communicate; nodes outside every group talk to anyone.
func (n *Network) SetPartitions(partitions [][]int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = partitions
	desc := "Network partitions cleared"
	if len(partitions) > 0 {
		desc = fmt.Sprintf("Network partitions set: %v", partitions)
	}
	n.addEvent(Event{Time: n.clock.Now(), Type: EventPartition, Description: desc})
}

// HealAll clears partitions, unsilences nodes and restarts crashed ones.
func (n *Network) HealAll() error {
	n.SetPartitions(nil)
	for _, nd := range n.nodes {
		n.Unsilence(nd.id)
		if err := n.Restart(nd.id); err != nil {
			return err
		}
	}
	return nil
}

// isPartitioned checks if two nodes are in different partitions.
func (n *Network) isPartitioned(from, to int) bool {
	if len(n.partitions) == 0 {
		return false
	}
	fromPartition, toPartition := -1, -1
	for i, partition := range n.partitions {
		for _, id := range partition {
			if id == from {
				fromPartition = i
			}
			if id == to {
				toPartition = i
			}
		}
	}
	if fromPartition == -1 || toPartition == -1 {
		return false
	}
	return fromPartition != toPartition
}

// Chain returns the blocks node id committed or synced, in height order.
func (n *Network) Chain(id int) []*dbft.BlockData {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*dbft.BlockData(nil), n.nodes[id].chain...)
}

// Service returns the Service of node id. It must not be used while the
// network is being stepped from another goroutine.
func (n *Network) Service(id int) *dbft.Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[id].svc
}

// Violations returns the safety violations observed so far.
func (n *Network) Violations() []Violation {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Violation(nil), n.detector.violations...)
}

// Stats returns network statistics.
func (n *Network) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// Close closes the node stores.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for _, nd := range n.nodes {
		errs = append(errs, nd.db.Close())
	}
	return errors.Join(errs...)
}
