package twins

import (
	"math/rand"

	"github.com/edgedlt/dbft"
)

// interceptor decides which deliveries of a scenario are lost and feeds
// every payload to the equivocation detector. The network calls it with
// its lock held.
type interceptor struct {
	behavior Behavior
	detector *EquivocationDetector
	rng      *rand.Rand

	// twinned marks both nodes of every twinned validator.
	twinned []bool
	// side splits the network for BehaviorEquivocation: originals and the
	// first half of the honest validators are side 0, twins and the other
	// honest validators side 1.
	side []int
}

func newInterceptor(s Scenario, detector *EquivocationDetector) *interceptor {
	ic := &interceptor{
		behavior: s.Behavior,
		detector: detector,
		rng:      rand.New(rand.NewSource(s.Seed)),
		twinned:  make([]bool, s.Nodes()),
		side:     make([]int, s.Nodes()),
	}
	for i, v := range s.Twins {
		ic.twinned[v] = true
		ic.twinned[s.Validators+i] = true
		ic.side[s.Validators+i] = 1
	}

	var honest []int
	for i := 0; i < s.Validators; i++ {
		if !ic.twinned[i] {
			honest = append(honest, i)
		}
	}
	for _, id := range honest[len(honest)/2:] {
		ic.side[id] = 1
	}
	return ic
}

func (ic *interceptor) drop(from, to int, p *dbft.Payload) bool {
	ic.detector.Observe(p)

	switch ic.behavior {
	case BehaviorEquivocation:
		if ic.twinned[from] || ic.twinned[to] {
			return ic.side[from] != ic.side[to]
		}
	case BehaviorRandom:
		if ic.twinned[from] {
			return ic.rng.Float64() < 0.5
		}
	}
	return false
}
