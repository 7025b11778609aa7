package twins

import (
	"math/rand"
)

// GeneratorConfig configures scenario generation.
type GeneratorConfig struct {
	// MinValidators is the minimum number of validators
	MinValidators int

	// MaxValidators is the maximum number of validators
	MaxValidators int

	// MaxTwins caps the number of twinned validators. It is further
	// capped by F of the generated validator count.
	MaxTwins int

	// MinHeights is the minimum number of heights to run
	MinHeights uint32

	// MaxHeights is the maximum number of heights to run
	MaxHeights uint32

	// IncludePartitions enables network partition scenarios
	IncludePartitions bool

	// Seed for reproducible generation (0 = random)
	Seed int64
}

// DefaultGeneratorConfig returns the default generator configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinValidators:     4,
		MaxValidators:     7,
		MaxTwins:          2,
		MinHeights:        2,
		MaxHeights:        6,
		IncludePartitions: true,
		Seed:              0,
	}
}

// Generator generates random test scenarios.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator creates a new scenario generator.
func NewGenerator(config GeneratorConfig) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Generate generates a single random scenario.
func (g *Generator) Generate() Scenario {
	validators := g.config.MinValidators + g.rng.Intn(g.config.MaxValidators-g.config.MinValidators+1)

	// Twins never exceed f
	maxTwins := g.config.MaxTwins
	if f := (validators - 1) / 3; maxTwins > f {
		maxTwins = f
	}
	var twins []int
	if maxTwins > 0 {
		count := g.rng.Intn(maxTwins + 1)
		twins = g.rng.Perm(validators)[:count]
	}

	heights := g.config.MinHeights + uint32(g.rng.Intn(int(g.config.MaxHeights-g.config.MinHeights)+1))

	behaviors := []Behavior{
		BehaviorHonest,
		BehaviorEquivocation,
		BehaviorSilent,
		BehaviorRandom,
	}
	behavior := behaviors[g.rng.Intn(len(behaviors))]
	if len(twins) == 0 {
		behavior = BehaviorHonest
	}

	scenario := Scenario{
		Validators: validators,
		Twins:      twins,
		Heights:    heights,
		Behavior:   behavior,
		Seed:       g.rng.Int63(),
	}

	// Add random partitions (20% chance)
	if g.config.IncludePartitions && g.rng.Float64() < 0.2 {
		scenario.Partitions = g.generatePartitions(scenario.Nodes())
	}

	return scenario
}

// GenerateN generates n random scenarios.
func (g *Generator) GenerateN(n int) []Scenario {
	scenarios := make([]Scenario, n)
	for i := 0; i < n; i++ {
		scenarios[i] = g.Generate()
	}
	return scenarios
}

// generatePartitions splits the nodes into two groups.
func (g *Generator) generatePartitions(totalNodes int) [][]int {
	if totalNodes < 2 {
		return nil
	}

	splitPoint := 1 + g.rng.Intn(totalNodes-1)

	partition1 := make([]int, splitPoint)
	partition2 := make([]int, totalNodes-splitPoint)

	for i := 0; i < splitPoint; i++ {
		partition1[i] = i
	}

	for i := 0; i < totalNodes-splitPoint; i++ {
		partition2[i] = splitPoint + i
	}

	return [][]int{partition1, partition2}
}

// GenerateComprehensive returns the basic scenarios, edge cases and
// randomCount scenarios from seed.
func GenerateComprehensive(randomCount int, seed int64) []Scenario {
	scenarios := []Scenario{}

	scenarios = append(scenarios, GenerateBasicScenarios()...)

	scenarios = append(scenarios, []Scenario{
		// Single validator commits alone
		{
			Validators: 1,
			Heights:    3,
			Behavior:   BehaviorHonest,
		},

		// Twin of a backup, random loss
		{
			Validators: 4,
			Twins:      []int{3},
			Heights:    3,
			Behavior:   BehaviorRandom,
		},

		// 7 validators, both twins silent
		{
			Validators: 7,
			Twins:      []int{0, 4},
			Heights:    3,
			Behavior:   BehaviorSilent,
		},
	}...)

	cfg := DefaultGeneratorConfig()
	cfg.Seed = seed
	gen := NewGenerator(cfg)
	scenarios = append(scenarios, gen.GenerateN(randomCount)...)

	return scenarios
}
