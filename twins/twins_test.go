package twins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/dbft"
)

const testNetwork = 0x4E454F33

// TestScenarioValidation tests scenario validation logic.
func TestScenarioValidation(t *testing.T) {
	tests := []struct {
		name      string
		scenario  Scenario
		expectErr bool
	}{
		{
			name:     "Valid baseline scenario",
			scenario: Scenario{Validators: 4, Heights: 5},
		},
		{
			name:     "Valid single twin",
			scenario: Scenario{Validators: 4, Twins: []int{0}, Heights: 5},
		},
		{
			name:     "Valid two twins with seven validators",
			scenario: Scenario{Validators: 7, Twins: []int{0, 6}, Heights: 1},
		},
		{
			name:      "No validators",
			scenario:  Scenario{Validators: 0, Heights: 5},
			expectErr: true,
		},
		{
			name:      "Too many twins",
			scenario:  Scenario{Validators: 4, Twins: []int{0, 1}, Heights: 5},
			expectErr: true,
		},
		{
			name:      "Duplicate twin",
			scenario:  Scenario{Validators: 7, Twins: []int{2, 2}, Heights: 5},
			expectErr: true,
		},
		{
			name:      "Twin out of range",
			scenario:  Scenario{Validators: 4, Twins: []int{4}, Heights: 5},
			expectErr: true,
		},
		{
			name:      "Zero heights",
			scenario:  Scenario{Validators: 4},
			expectErr: true,
		},
		{
			name: "Partition references twin node",
			scenario: Scenario{
				Validators: 4,
				Twins:      []int{1},
				Heights:    2,
				Partitions: [][]int{{0, 1}, {2, 3, 4}},
			},
		},
		{
			name: "Invalid partition node",
			scenario: Scenario{
				Validators: 4,
				Heights:    2,
				Partitions: [][]int{{0, 1}, {2, 9}},
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScenario(tt.scenario)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNodeMapping(t *testing.T) {
	s := Scenario{Validators: 7, Twins: []int{5, 2}, Heights: 1}

	assert.Equal(t, 9, s.Nodes())
	assert.False(t, IsTwin(6, s.Validators))
	assert.True(t, IsTwin(7, s.Validators))

	assert.Equal(t, 3, s.ValidatorIndex(3))
	assert.Equal(t, 5, s.ValidatorIndex(7))
	assert.Equal(t, 2, s.ValidatorIndex(8))

	assert.Equal(t, 7, s.TwinOf(5))
	assert.Equal(t, 8, s.TwinOf(2))
	assert.Equal(t, -1, s.TwinOf(0))
}

func TestBehaviorString(t *testing.T) {
	assert.Equal(t, "Honest", BehaviorHonest.String())
	assert.Equal(t, "Equivocation", BehaviorEquivocation.String())
	assert.Equal(t, "Silent", BehaviorSilent.String())
	assert.Equal(t, "Random", BehaviorRandom.String())
	assert.Equal(t, "Unknown", Behavior(99).String())
}

func TestBasicScenarios(t *testing.T) {
	for _, s := range GenerateBasicScenarios() {
		t.Run(s.Behavior.String(), func(t *testing.T) {
			res, err := Run(s, nil)
			require.NoError(t, err)
			assert.True(t, res.Success, "violations: %v", res.Violations)
			assert.Positive(t, res.MessagesExchanged)
			if s.Behavior == BehaviorHonest || s.Behavior == BehaviorSilent {
				assert.True(t, res.Live)
				assert.Positive(t, res.BlocksCommitted)
			}
		})
	}
}

func TestTwinPrimaryEquivocates(t *testing.T) {
	// Validator 1 is the primary of height 1, view 0. Both of its nodes
	// propose, with different nonces.
	res, err := Run(Scenario{
		Validators: 4,
		Twins:      []int{1},
		Heights:    3,
		Behavior:   BehaviorEquivocation,
		Seed:       3,
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.Success, "violations: %v", res.Violations)
	require.NotEmpty(t, res.Evidence)
	ev := res.Evidence[0]
	assert.Equal(t, EvidenceConflictingProposal, ev.Type)
	assert.Equal(t, uint8(1), ev.Validator)
	assert.Equal(t, uint32(1), ev.Height)
	assert.Equal(t, uint8(0), ev.View)
}

func TestHonestBaselineHasNoEvidence(t *testing.T) {
	res, err := Run(Scenario{Validators: 4, Heights: 4}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Live)
	assert.Empty(t, res.Evidence)
	assert.GreaterOrEqual(t, res.BlocksCommitted, 16)
}

func TestInvalidScenarioRejected(t *testing.T) {
	_, err := NewExecutor(Scenario{Validators: 4, Twins: []int{0, 1}, Heights: 1}, nil)
	assert.Error(t, err)
}

func TestGenerator(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.Seed = 11

	a := NewGenerator(cfg).GenerateN(20)
	b := NewGenerator(cfg).GenerateN(20)
	assert.Equal(t, a, b, "same seed, same scenarios")

	for _, s := range a {
		require.NoError(t, ValidateScenario(s))
		assert.LessOrEqual(t, len(s.Twins), (s.Validators-1)/3)
		if len(s.Twins) == 0 {
			assert.Equal(t, BehaviorHonest, s.Behavior)
		}
	}
}

func TestComprehensiveScenariosAreSafe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping comprehensive twins run in short mode")
	}
	for i, s := range GenerateComprehensive(8, 5) {
		res, err := Run(s, nil)
		require.NoError(t, err, "scenario %d", i)
		assert.True(t, res.Success, "scenario %d (%+v): %v", i, s, res.Violations)
	}
}

func TestEquivocationDetector(t *testing.T) {
	d := NewEquivocationDetector()
	prep := func(nonce uint64, view uint8) *dbft.Payload {
		return dbft.NewPayload(testNetwork, 5, view, 2, &dbft.PrepareRequest{Timestamp: 1000, Nonce: nonce})
	}

	d.Observe(prep(1, 0))
	d.Observe(prep(1, 0))
	assert.False(t, d.HasEvidence())

	// Another view is another round.
	d.Observe(prep(2, 1))
	assert.False(t, d.HasEvidence())

	d.Observe(prep(2, 0))
	d.Observe(prep(3, 0))
	require.Len(t, d.Evidence(), 1, "one report per round")

	resp := func(block string) *dbft.Payload {
		return dbft.NewPayload(testNetwork, 5, 0, 3, &dbft.PrepareResponse{PreparationHash: dbft.NewTestHash(block)})
	}
	d.Observe(resp("a"))
	d.Observe(resp("b"))

	// Change views differ by timestamp and are never evidence.
	d.Observe(dbft.NewPayload(testNetwork, 5, 0, 3, &dbft.ChangeView{NewViewNumber: 1, Timestamp: 1}))
	d.Observe(dbft.NewPayload(testNetwork, 5, 0, 3, &dbft.ChangeView{NewViewNumber: 1, Timestamp: 2}))

	assert.Equal(t, map[EvidenceType]int{
		EvidenceConflictingProposal:    1,
		EvidenceConflictingPreparation: 1,
	}, d.CountByType())
}

func TestInterceptorSides(t *testing.T) {
	s := Scenario{Validators: 4, Twins: []int{1}, Heights: 1, Behavior: BehaviorEquivocation}
	ic := newInterceptor(s, NewEquivocationDetector())
	p := dbft.NewPayload(testNetwork, 1, 0, 0, &dbft.RecoveryRequest{Timestamp: 1})

	// Honest validators 0, 2, 3: 0 sides with node 1, 2 and 3 with twin 4.
	assert.False(t, ic.drop(1, 0, p))
	assert.True(t, ic.drop(1, 2, p))
	assert.True(t, ic.drop(4, 0, p))
	assert.False(t, ic.drop(4, 3, p))
	assert.True(t, ic.drop(1, 4, p))
	assert.False(t, ic.drop(0, 2, p), "honest traffic is untouched")

	ic = newInterceptor(Scenario{Validators: 4, Twins: []int{1}, Heights: 1}, NewEquivocationDetector())
	assert.False(t, ic.drop(1, 2, p))
	assert.False(t, ic.drop(4, 2, p))
}
