// Package twins runs Byzantine scenarios against dBFT.
//
// A twin is a second node holding the key of an existing validator. Twins
// run unmodified consensus code; Byzantine behavior comes from what each
// twin hears and who hears it. A twin pair that proposes or prepares two
// different blocks in one view is an equivocating validator, and safety
// must hold as long as at most F validators are twinned.
//
// Based on "Twins: BFT Systems Made Robust" by Bano et al.
package twins

import (
	"fmt"
	"time"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/simnet"
)

// Scenario defines a Byzantine testing scenario.
type Scenario struct {
	// Validators is the number of validators (N).
	Validators int

	// Twins lists the validator indices that get a twin node. Twin node
	// IDs follow the validators in list order.
	Twins []int

	// Partitions groups node IDs that can communicate. Nodes outside every
	// group talk to anyone.
	Partitions [][]int

	// Heights is the height every live node should reach.
	Heights uint32

	// Behavior of the twinned validators.
	Behavior Behavior

	// Seed drives the random behavior.
	Seed int64

	// MaxTime bounds the simulated time. Defaults to one minute per height.
	MaxTime time.Duration
}

// Behavior defines what the twinned validators do.
type Behavior int

const (
	// BehaviorHonest - both twins broadcast to everyone
	BehaviorHonest Behavior = iota

	// BehaviorEquivocation - each twin talks to its own half of the honest
	// validators
	BehaviorEquivocation

	// BehaviorSilent - both nodes of a twinned validator are down (crash
	// fault)
	BehaviorSilent

	// BehaviorRandom - each twin message is lost with probability 1/2
	BehaviorRandom
)

func (b Behavior) String() string {
	switch b {
	case BehaviorHonest:
		return "Honest"
	case BehaviorEquivocation:
		return "Equivocation"
	case BehaviorSilent:
		return "Silent"
	case BehaviorRandom:
		return "Random"
	default:
		return "Unknown"
	}
}

// Result represents the result of executing a scenario.
type Result struct {
	// Scenario is the scenario that was executed
	Scenario Scenario

	// Success indicates no safety violation was detected
	Success bool

	// Live reports whether every live node reached Scenario.Heights
	Live bool

	// Violations are the safety violations seen by the network
	Violations []simnet.Violation

	// Evidence lists equivocations by twinned validators
	Evidence []Evidence

	// BlocksCommitted is the number of blocks committed across all nodes
	BlocksCommitted int

	// MessagesExchanged is the total number of deliveries
	MessagesExchanged int
}

// Nodes returns the number of nodes, twins included.
func (s Scenario) Nodes() int {
	return s.Validators + len(s.Twins)
}

// ValidateScenario checks if a scenario is valid.
func ValidateScenario(s Scenario) error {
	if s.Validators < 1 || s.Validators > dbft.MaxValidators {
		return fmt.Errorf("validators must be in [1, %d], got %d", dbft.MaxValidators, s.Validators)
	}

	// Each twinned validator is one Byzantine fault.
	f := (s.Validators - 1) / 3
	if len(s.Twins) > f {
		return fmt.Errorf("scenario violates BFT assumptions: %d twins exceeds f=%d tolerance (n=%d)",
			len(s.Twins), f, s.Validators)
	}
	seen := make(map[int]bool, len(s.Twins))
	for _, v := range s.Twins {
		if v < 0 || v >= s.Validators || seen[v] {
			return fmt.Errorf("invalid twin validator %d", v)
		}
		seen[v] = true
	}

	if s.Heights < 1 {
		return fmt.Errorf("heights must be >= 1, got %d", s.Heights)
	}

	// Validate partitions reference valid node IDs
	for i, partition := range s.Partitions {
		for _, nodeID := range partition {
			if nodeID < 0 || nodeID >= s.Nodes() {
				return fmt.Errorf("partition %d references invalid node ID %d (total nodes: %d)",
					i, nodeID, s.Nodes())
			}
		}
	}

	return nil
}

// GenerateBasicScenarios generates a set of basic test scenarios.
func GenerateBasicScenarios() []Scenario {
	return []Scenario{
		// Baseline: 4 honest validators, no twins
		{
			Validators: 4,
			Heights:    5,
			Behavior:   BehaviorHonest,
		},

		// Twin of the first primary
		{
			Validators: 4,
			Twins:      []int{1},
			Heights:    5,
			Behavior:   BehaviorHonest,
		},

		// Twin of the first primary splitting the honest validators
		{
			Validators: 4,
			Twins:      []int{1},
			Heights:    5,
			Behavior:   BehaviorEquivocation,
		},

		// Silent twins are a crash fault
		{
			Validators: 4,
			Twins:      []int{2},
			Heights:    5,
			Behavior:   BehaviorSilent,
		},

		// 7 validators with 2 twins
		{
			Validators: 7,
			Twins:      []int{1, 2},
			Heights:    5,
			Behavior:   BehaviorEquivocation,
		},
	}
}

// IsTwin returns true if the given node ID is a twin node.
func IsTwin(nodeID, validators int) bool {
	return nodeID >= validators
}

// ValidatorIndex returns the validator whose key node nodeID holds.
func (s Scenario) ValidatorIndex(nodeID int) int {
	if !IsTwin(nodeID, s.Validators) {
		return nodeID
	}
	return s.Twins[nodeID-s.Validators]
}

// TwinOf returns the twin node of validator v, or -1 if v has none.
func (s Scenario) TwinOf(v int) int {
	for i, t := range s.Twins {
		if t == v {
			return s.Validators + i
		}
	}
	return -1
}
