package dbft

import (
	"context"
	"errors"
	"time"

	"github.com/algorand/go-deadlock"
	"go.uber.org/zap"

	"github.com/edgedlt/dbft/timer"
)

// ErrNodeStopped is returned by Node calls made after Stop.
var ErrNodeStopped = errors.New("node stopped")

// Node runs a Service on its own goroutine. Inbound payloads, commands and
// timer expirations are serialized through one loop, so the Service never
// needs locking.
type Node struct {
	mu     deadlock.Mutex
	svc    *Service
	timer  timer.Timer
	clock  func() uint64
	logger *zap.Logger

	inbox chan *Payload
	cmds  chan func(*Service)

	// Deadline the timer is currently armed for, 0 when stopped.
	armed uint64

	stopChan   chan struct{}
	doneChan   chan struct{}
	cancelFunc context.CancelFunc
}

// NewNode creates a Node. A nil timer selects timer.NewRealTimer.
func NewNode(cfg *Config, sink EventSink, t timer.Timer) (*Node, error) {
	svc, err := NewService(cfg, sink)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = timer.NewRealTimer()
	}
	stopChan := make(chan struct{})
	close(stopChan)
	return &Node{
		svc:      svc,
		timer:    t,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		inbox:    make(chan *Payload, 256),
		cmds:     make(chan func(*Service)),
		stopChan: stopChan,
		doneChan: make(chan struct{}),
	}, nil
}

// Start launches the processing loop. No round is started: call StartRound.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.stopChan:
	default:
		return errors.New("node already running")
	}

	// Reinitialize channels for restart support
	n.stopChan = make(chan struct{})
	n.doneChan = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	n.cancelFunc = cancel

	my, _ := n.svc.ctx.MyIndex()
	n.logger.Info("starting dBFT node", zap.Uint8("validator", my))

	go n.run(ctx)
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.stopChan:
		// Already stopped or never started
		return
	default:
		close(n.stopChan)
	}

	n.logger.Info("stopping dBFT node")
	if n.cancelFunc != nil {
		n.cancelFunc()
	}
	n.timer.Stop()
	<-n.doneChan
}

// Submit queues an inbound payload. It blocks while the inbox is full.
func (n *Node) Submit(ctx context.Context, p *Payload) error {
	stopped := n.stopped()
	select {
	case <-stopped:
		return ErrNodeStopped
	default:
	}
	select {
	case n.inbox <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrNodeStopped
	}
}

// Do runs f on the loop goroutine and returns its error.
func (n *Node) Do(ctx context.Context, f func(*Service) error) error {
	errCh := make(chan error, 1)
	cmd := func(s *Service) { errCh <- f(s) }
	stopped := n.stopped()
	select {
	case <-stopped:
		return ErrNodeStopped
	default:
	}
	select {
	case n.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrNodeStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartRound starts consensus for blockIndex on the loop goroutine.
func (n *Node) StartRound(ctx context.Context, blockIndex uint32, timestamp uint64, prevHash Hash, view uint8) error {
	return n.Do(ctx, func(s *Service) error {
		return s.Start(blockIndex, timestamp, prevHash, view)
	})
}

// Stats returns a snapshot of the round state.
func (n *Node) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := n.Do(ctx, func(s *Service) error {
		out = s.ctx.Stats()
		out["running"] = s.Running()
		return nil
	})
	return out, err
}

func (n *Node) stopped() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopChan
}

// run is the main processing loop.
func (n *Node) run(ctx context.Context) {
	defer close(n.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-n.inbox:
			_ = n.svc.ProcessMessage(p)
		case cmd := <-n.cmds:
			cmd(n.svc)
		case exp := <-n.timer.C():
			n.onExpiry(exp)
		}
		n.syncTimer()
	}
}

func (n *Node) onExpiry(exp timer.Expiry) {
	c := n.svc.ctx
	if exp.Height != c.BlockIndex() || exp.View != c.ViewNumber() {
		n.logger.Debug("stale timer expiry",
			zap.Uint32("height", exp.Height),
			zap.Uint8("view", exp.View))
		return
	}
	// Tick re-checks the deadline; rearm whatever it leaves behind.
	n.armed = 0
	if err := n.svc.Tick(n.clock()); err != nil {
		n.logger.Warn("timeout handling failed", zap.Error(err))
	}
}

// syncTimer arms the timer to match the service deadline.
func (n *Node) syncTimer() {
	deadline := n.svc.Deadline()
	if !n.svc.Running() || deadline == 0 {
		if n.armed != 0 {
			n.timer.Stop()
			n.armed = 0
		}
		return
	}
	if deadline == n.armed {
		return
	}
	n.armed = deadline

	d := time.Millisecond
	if now := n.clock(); deadline > now {
		d = time.Duration(deadline-now) * time.Millisecond
	}
	n.timer.Arm(n.svc.ctx.BlockIndex(), n.svc.ctx.ViewNumber(), d)
}
