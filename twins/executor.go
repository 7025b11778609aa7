package twins

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/dbft/simnet"
)

const tick = 100 * time.Millisecond

// Executor executes a twins scenario on a simulated network.
type Executor struct {
	scenario Scenario
	logger   *zap.Logger
}

// NewExecutor creates a new twins scenario executor. A nil logger
// discards output.
func NewExecutor(scenario Scenario, logger *zap.Logger) (*Executor, error) {
	if err := ValidateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{scenario: scenario, logger: logger}, nil
}

// Execute runs the scenario until every live node reaches the target
// height or the time limit passes. Only a setup failure is an error; a
// stalled network is reported through Result.Live.
func (e *Executor) Execute() (Result, error) {
	s := e.scenario

	cfg := simnet.DefaultConfig()
	cfg.Validators = s.Validators
	cfg.Twins = s.Twins
	cfg.Seed = s.Seed
	cfg.Logger = e.logger

	net, err := simnet.New(cfg)
	if err != nil {
		return Result{}, err
	}
	defer net.Close()

	detector := NewEquivocationDetector()
	net.SetDrop(newInterceptor(s, detector).drop)
	if len(s.Partitions) > 0 {
		net.SetPartitions(s.Partitions)
	}
	if s.Behavior == BehaviorSilent {
		for _, v := range s.Twins {
			if err := net.Crash(v); err != nil {
				return Result{}, err
			}
			if err := net.Crash(s.TwinOf(v)); err != nil {
				return Result{}, err
			}
		}
	}

	if err := net.Start(); err != nil {
		return Result{}, err
	}

	maxTime := s.MaxTime
	if maxTime == 0 {
		maxTime = time.Duration(s.Heights) * time.Minute
	}
	runErr := net.Run(s.Heights, tick, maxTime)
	if runErr != nil {
		e.logger.Debug("scenario did not reach target height",
			zap.Uint32("heights", s.Heights),
			zap.Stringer("behavior", s.Behavior),
			zap.Error(runErr))
	}

	res := Result{
		Scenario:          s,
		Live:              runErr == nil,
		Violations:        net.Violations(),
		Evidence:          detector.Evidence(),
		MessagesExchanged: net.Stats().MessagesSent,
	}
	for id := 0; id < net.Size(); id++ {
		res.BlocksCommitted += len(net.Chain(id))
	}
	res.Success = len(res.Violations) == 0
	return res, nil
}

// Run validates and executes a scenario.
func Run(s Scenario, logger *zap.Logger) (Result, error) {
	e, err := NewExecutor(s, logger)
	if err != nil {
		return Result{}, err
	}
	return e.Execute()
}
