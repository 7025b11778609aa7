package dbft

import (
	"errors"

	"go.uber.org/zap"
)

// errIgnored marks a valid payload that is not applicable in the current
// state. It is not reported to callers and the payload is not cached, so a
// later replay (e.g. through recovery) is processed again.
var errIgnored = errors.New("ignored")

// errParked marks a Commit held until the proposal it signs is known. It is
// unauthenticated, so it is neither cached nor counted.
var errParked = errors.New("parked")

// Service is the dBFT state machine of one validator.
//
// A Service is single-threaded: it must be driven by one goroutine at a
// time (see Node). It consumes Payloads via ProcessMessage, is advanced by
// Tick and reports progress through its EventSink.
type Service struct {
	cfg     *Config
	ctx     *Context
	sink    EventSink
	logger  *zap.Logger
	metrics *Metrics

	started bool
	running bool
	// deadline is the view-change deadline in milliseconds, 0 when disarmed.
	deadline   uint64
	roundStart uint64

	// Proposed transactions not yet reported by OnTransactions.
	missing map[Hash]struct{}
}

// NewService creates a Service. The signer, validator directory and event
// sink are fixed for its lifetime.
func NewService(cfg *Config, sink EventSink) (*Service, error) {
	if cfg == nil {
		return nil, wrapConfig("config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = EventSinkFunc(func(Event) {})
	}

	myIndex := -1
	if idx, ok := cfg.MyIndex(); ok {
		myIndex = int(idx)
	}
	ctx, err := NewContext(cfg.Validators, myIndex, cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:     cfg,
		ctx:     ctx,
		sink:    sink,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		missing: make(map[Hash]struct{}),
	}, nil
}

// Context returns the round state. It must only be read from the goroutine
// driving the Service.
func (s *Service) Context() *Context { return s.ctx }

// Running reports whether a round is in progress (started and not committed).
func (s *Service) Running() bool { return s.running }

// Deadline returns the view-change deadline in milliseconds, or 0.
func (s *Service) Deadline() uint64 { return s.deadline }

// MissingTransactions returns proposed transactions not yet reported by
// OnTransactions.
func (s *Service) MissingTransactions() []Hash {
	out := make([]Hash, 0, len(s.missing))
	for h := range s.missing {
		out = append(out, h)
	}
	return out
}

// Start begins the round for blockIndex at view. Any state of the previous
// round is discarded. If this node is primary it proposes immediately.
func (s *Service) Start(blockIndex uint32, timestamp uint64, prevHash Hash, view uint8) error {
	if !s.ctx.IsValidator() {
		return ErrNotValidator
	}

	s.ctx.Reset(blockIndex, timestamp, prevHash, view)
	s.missing = make(map[Hash]struct{})
	s.started = true
	s.running = true
	s.roundStart = timestamp
	s.armTimer(timestamp, view)
	s.metrics.roundStarted(blockIndex, view)

	my, _ := s.ctx.MyIndex()
	s.logger.Info("round started",
		zap.Uint32("height", blockIndex),
		zap.Uint8("view", view),
		zap.Uint8("validator", my),
		zap.Uint8("primary", s.ctx.PrimaryIndex(view)))

	if s.restoreSnapshot(timestamp) {
		return nil
	}
	if s.ctx.IsPrimary() {
		return s.propose(timestamp)
	}
	return nil
}

// Tick fires the view-change timer when now has reached the deadline.
func (s *Service) Tick(now uint64) error {
	if !s.running || s.deadline == 0 || now < s.deadline {
		return nil
	}
	return s.onTimeout(now)
}

// OnTransactions records that the given proposal transactions are
// available locally.
func (s *Service) OnTransactions(hashes []Hash) {
	for _, h := range hashes {
		delete(s.missing, h)
	}
	s.logger.Debug("transactions received",
		zap.Int("count", len(hashes)),
		zap.Int("missing", len(s.missing)))
}

// ProcessMessage validates and applies an inbound payload. Validation runs
// in order: validator index, network, block index, replay cache, witness,
// then type-specific checks. A payload already seen is a no-op.
func (s *Service) ProcessMessage(p *Payload) error {
	return s.process(p, false)
}

func (s *Service) process(p *Payload, force bool) error {
	err := s.apply(p, force)
	if errors.Is(err, errIgnored) || errors.Is(err, errParked) {
		return nil
	}
	return err
}

// apply is process without hiding errIgnored and errParked, so callers can
// tell an applied payload from one that changed nothing.
func (s *Service) apply(p *Payload, force bool) error {
	if p == nil {
		return wrapInvalidMessage("nil payload")
	}

	err := s.handle(p, force)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errIgnored):
		s.logger.Debug("payload ignored",
			zap.Stringer("payload", p),
			zap.Stringer("state", s.ctx.State()))
		return err
	case errors.Is(err, errParked):
		s.logger.Debug("commit parked until proposal", zap.Stringer("payload", p))
		return err
	case errors.Is(err, ErrByzantine):
		s.logger.Warn("payload rejected", zap.Stringer("payload", p), zap.Error(err))
	default:
		s.logger.Debug("payload rejected", zap.Stringer("payload", p), zap.Error(err))
	}
	s.metrics.messageRejected(err)
	return err
}

func (s *Service) handle(p *Payload, force bool) error {
	validator, ok := s.ctx.Validators().Get(p.ValidatorIndex)
	if !ok {
		return wrapKindf(ErrInvalidValidatorIndex, "%d not in [0, %d)", p.ValidatorIndex, s.ctx.N())
	}
	if p.Network != s.cfg.Network {
		return wrapKindf(ErrWrongNetwork, "0x%08x", p.Network)
	}
	if !s.started {
		return ErrNotRunning
	}
	if p.BlockIndex != s.ctx.BlockIndex() {
		return wrapKindf(ErrWrongBlock, "got %d, current %d", p.BlockIndex, s.ctx.BlockIndex())
	}

	hash := p.Hash()
	if !force && s.ctx.HasSeenMessage(hash) {
		return nil
	}
	if my, _ := s.ctx.MyIndex(); p.ValidatorIndex == my {
		return errIgnored
	}

	msg, err := p.Message()
	if err != nil {
		return err
	}

	blockHash, ready, err := s.witnessHash(p, msg)
	if err != nil {
		return err
	}
	if !ready {
		if !s.ctx.parkCommit(p) {
			return errIgnored
		}
		return errParked
	}
	if !verifyWitness(validator.PublicKey, p, msg, blockHash) {
		return wrapKindf(ErrSignatureVerificationFailed, "%s from validator %d", p.Type, p.ValidatorIndex)
	}
	s.ctx.markValidatorSeen(p.ValidatorIndex)

	now := s.cfg.Clock()
	switch m := msg.(type) {
	case *PrepareRequest:
		err = s.onPrepareRequest(p, m, blockHash, now)
	case *PrepareResponse:
		err = s.onPrepareResponse(p, m, now)
	case *Commit:
		err = s.onCommit(p, m, blockHash, now)
	case *ChangeView:
		err = s.onChangeView(p, m, now)
	case *RecoveryRequest:
		err = s.onRecoveryRequest(p.ValidatorIndex, now)
	case *RecoveryMessage:
		err = s.onRecoveryMessage(p, m, now)
	default:
		err = wrapInvalidMessagef("unhandled message %T", msg)
	}
	if err != nil {
		return err
	}

	s.ctx.MarkMessageSeen(hash)
	s.metrics.messageReceived(p.Type)
	return nil
}

// witnessHash returns the block hash bound into the witness of p. ready is
// false for a Commit that arrived before any proposal.
func (s *Service) witnessHash(p *Payload, msg Message) (Hash, bool, error) {
	switch m := msg.(type) {
	case *PrepareRequest:
		primary := s.ctx.PrimaryIndex(p.ViewNumber)
		return s.ctx.headerFor(m.Timestamp, m.Nonce, m.TransactionHashes, primary).Hash(), true, nil
	case *Commit:
		if p.ViewNumber != s.ctx.ViewNumber() {
			return Hash{}, false, wrapKindf(ErrWrongView, "commit for view %d, current %d", p.ViewNumber, s.ctx.ViewNumber())
		}
		h, ok := s.ctx.ProposedBlockHash()
		return h, ok, nil
	default:
		return Hash{}, true, nil
	}
}

func (s *Service) onPrepareRequest(p *Payload, m *PrepareRequest, blockHash Hash, now uint64) error {
	if p.ViewNumber != s.ctx.ViewNumber() {
		return wrapKindf(ErrWrongView, "prepare request for view %d, current %d", p.ViewNumber, s.ctx.ViewNumber())
	}
	if !s.running {
		return errIgnored
	}
	if primary := s.ctx.PrimaryIndex(p.ViewNumber); p.ValidatorIndex != primary {
		return wrapKindf(ErrInvalidPrimary, "validator %d, primary %d", p.ValidatorIndex, primary)
	}
	if s.ctx.RequestSentOrReceived() {
		return wrapKindf(ErrAlreadyReceived, "prepare request from %d", p.ValidatorIndex)
	}
	if s.ctx.NotAcceptingPayloadsDueToViewChanging() {
		return errIgnored
	}
	if len(m.TransactionHashes) > s.cfg.MaxTransactions {
		return wrapInvalidMessagef("%d transactions exceed limit %d", len(m.TransactionHashes), s.cfg.MaxTransactions)
	}
	seen := make(map[Hash]struct{}, len(m.TransactionHashes))
	for _, h := range m.TransactionHashes {
		if _, dup := seen[h]; dup {
			return wrapInvalidMessagef("duplicate transaction %s", h)
		}
		seen[h] = struct{}{}
	}

	s.ctx.setProposal(&Proposal{
		Timestamp:         m.Timestamp,
		Nonce:             m.Nonce,
		TransactionHashes: append([]Hash(nil), m.TransactionHashes...),
		BlockHash:         blockHash,
		PrimaryIndex:      p.ValidatorIndex,
		InvocationScript:  append([]byte(nil), p.Witness...),
	})
	s.ctx.setState(StateRequestReceived)
	s.missing = seen

	s.logger.Info("received prepare request",
		zap.Uint32("height", p.BlockIndex),
		zap.Uint8("view", p.ViewNumber),
		zap.Uint8("primary", p.ValidatorIndex),
		zap.Stringer("block", blockHash),
		zap.Int("txs", len(m.TransactionHashes)))

	if len(m.TransactionHashes) > 0 {
		s.sink.Emit(RequestTransactions{BlockIndex: p.BlockIndex, Hashes: append([]Hash(nil), m.TransactionHashes...)})
	}

	if err := s.sendPrepareResponse(blockHash); err != nil {
		return err
	}
	s.replayParkedCommits()
	return s.checkPreparations(now)
}

func (s *Service) sendPrepareResponse(blockHash Hash) error {
	my, _ := s.ctx.MyIndex()
	if s.ctx.HasPrepareResponse(my) {
		return nil
	}
	resp := &PrepareResponse{PreparationHash: blockHash}
	p, err := s.makePayload(resp, blockHash)
	if err != nil {
		return err
	}
	if err := s.ctx.AddPrepareResponse(my, PreparationEntry{Hash: blockHash, InvocationScript: p.Witness}); err != nil {
		return err
	}
	s.broadcast(p)
	return nil
}

func (s *Service) replayParkedCommits() {
	for _, pc := range s.ctx.takePendingCommits() {
		_ = s.process(pc, true)
	}
}

func (s *Service) onPrepareResponse(p *Payload, m *PrepareResponse, now uint64) error {
	if p.ViewNumber != s.ctx.ViewNumber() {
		return wrapKindf(ErrWrongView, "prepare response for view %d, current %d", p.ViewNumber, s.ctx.ViewNumber())
	}
	if !s.running {
		return errIgnored
	}
	if p.ValidatorIndex == s.ctx.PrimaryIndex(p.ViewNumber) {
		return wrapByzantinef("prepare response from primary %d", p.ValidatorIndex)
	}
	if s.ctx.HasPrepareResponse(p.ValidatorIndex) {
		return wrapKindf(ErrAlreadyReceived, "prepare response from %d", p.ValidatorIndex)
	}
	if s.ctx.NotAcceptingPayloadsDueToViewChanging() {
		return errIgnored
	}
	if h, ok := s.ctx.ProposedBlockHash(); ok && h != m.PreparationHash {
		return wrapByzantinef("validator %d prepared %s, proposal is %s", p.ValidatorIndex, m.PreparationHash, h)
	}

	if err := s.ctx.AddPrepareResponse(p.ValidatorIndex, PreparationEntry{
		Hash:             m.PreparationHash,
		InvocationScript: append([]byte(nil), p.Witness...),
	}); err != nil {
		return err
	}

	s.logger.Debug("received prepare response",
		zap.Uint8("validator", p.ValidatorIndex),
		zap.Int("preparations", s.ctx.PreparationCount()),
		zap.Int("m", s.ctx.M()))

	return s.checkPreparations(now)
}

// checkPreparations sends this node's Commit once M preparations for the
// proposal are collected.
func (s *Service) checkPreparations(now uint64) error {
	if !s.running || s.ctx.CommitSent() || !s.ctx.HasEnoughPrepareResponses() {
		return nil
	}

	blockHash, _ := s.ctx.ProposedBlockHash()
	sig, err := s.cfg.Signer.Sign(CommitSignData(s.cfg.Network, blockHash))
	if err != nil {
		return wrapInternal("sign commit: " + err.Error())
	}
	commit := &Commit{Signature: sig}
	p, err := s.makePayload(commit, blockHash)
	if err != nil {
		return err
	}

	my, _ := s.ctx.MyIndex()
	if err := s.ctx.AddCommit(my, CommitEntry{
		ViewNumber:       s.ctx.ViewNumber(),
		Signature:        sig,
		InvocationScript: p.Witness,
	}); err != nil {
		return err
	}
	s.ctx.setState(StateCommit)
	s.saveSnapshot()
	s.broadcast(p)

	s.logger.Info("commit sent",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", s.ctx.ViewNumber()),
		zap.Stringer("block", blockHash))

	return s.checkCommits(now)
}

func (s *Service) onCommit(p *Payload, m *Commit, blockHash Hash, now uint64) error {
	if s.ctx.State() == StateCommitted {
		return errIgnored
	}
	if s.ctx.HasCommit(p.ValidatorIndex) {
		return wrapKindf(ErrAlreadyReceived, "commit from %d", p.ValidatorIndex)
	}
	validator, _ := s.ctx.Validators().Get(p.ValidatorIndex)
	if !validator.PublicKey.Verify(CommitSignData(s.cfg.Network, blockHash), m.Signature) {
		return wrapKindf(ErrSignatureVerificationFailed, "commit signature of validator %d", p.ValidatorIndex)
	}

	if err := s.ctx.AddCommit(p.ValidatorIndex, CommitEntry{
		ViewNumber:       p.ViewNumber,
		Signature:        append([]byte(nil), m.Signature...),
		InvocationScript: append([]byte(nil), p.Witness...),
	}); err != nil {
		return err
	}

	s.logger.Debug("received commit",
		zap.Uint8("validator", p.ValidatorIndex),
		zap.Int("commits", s.ctx.CommitCount()),
		zap.Int("m", s.ctx.M()))

	return s.checkCommits(now)
}

// checkCommits assembles the block once M commits are collected.
func (s *Service) checkCommits(now uint64) error {
	if s.ctx.State() == StateCommitted || !s.ctx.HasEnoughCommits() {
		return nil
	}
	prop := s.ctx.proposal
	if prop == nil {
		return nil
	}

	sigs := s.ctx.CommitSignatures()
	if len(sigs) < s.ctx.M() {
		return wrapKindf(ErrInsufficientSignatures, "%d < %d", len(sigs), s.ctx.M())
	}

	data := &BlockData{
		BlockIndex:         s.ctx.BlockIndex(),
		BlockHash:          prop.BlockHash,
		PrevHash:           s.ctx.PrevHash(),
		ViewNumber:         s.ctx.ViewNumber(),
		Timestamp:          prop.Timestamp,
		Nonce:              prop.Nonce,
		PrimaryIndex:       prop.PrimaryIndex,
		NextConsensus:      s.ctx.Validators().NextConsensus(),
		TransactionHashes:  append([]Hash(nil), prop.TransactionHashes...),
		Signatures:         sigs,
		ValidatorPubKeys:   s.ctx.Validators().PublicKeys(),
		RequiredSignatures: s.ctx.M(),
	}

	s.ctx.setState(StateCommitted)
	s.running = false
	s.deadline = 0
	if now > s.roundStart {
		s.metrics.blockCommitted(now - s.roundStart)
	} else {
		s.metrics.blockCommitted(0)
	}

	s.logger.Info("block committed",
		zap.Uint32("height", data.BlockIndex),
		zap.Uint8("view", data.ViewNumber),
		zap.Stringer("block", data.BlockHash),
		zap.Int("signatures", len(sigs)))

	s.sink.Emit(BlockCommitted{BlockIndex: data.BlockIndex, BlockHash: data.BlockHash, BlockData: data})
	return nil
}

func (s *Service) onChangeView(p *Payload, m *ChangeView, now uint64) error {
	if m.NewViewNumber <= s.ctx.ViewNumber() {
		// The sender is behind; answer as if it asked for recovery.
		return s.onRecoveryRequest(p.ValidatorIndex, now)
	}
	if m.NewViewNumber <= p.ViewNumber {
		return wrapInvalidMessagef("new view %d not above view %d", m.NewViewNumber, p.ViewNumber)
	}
	if !s.running || s.ctx.CommitSent() {
		// The sender is moving on without this round's commits.
		if s.ctx.CommitSent() {
			return s.onRecoveryRequest(p.ValidatorIndex, now)
		}
		return errIgnored
	}

	added, err := s.ctx.AddChangeView(p.ValidatorIndex, ChangeViewEntry{
		OriginalViewNumber: p.ViewNumber,
		NewViewNumber:      m.NewViewNumber,
		Timestamp:          m.Timestamp,
		Reason:             m.Reason,
		InvocationScript:   append([]byte(nil), p.Witness...),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateValidator) {
			return wrapKindf(ErrAlreadyReceived, "change view from %d to view %d", p.ValidatorIndex, m.NewViewNumber)
		}
		return err
	}
	if !added {
		return nil
	}

	s.logger.Debug("received change view",
		zap.Uint8("validator", p.ValidatorIndex),
		zap.Uint8("new_view", m.NewViewNumber),
		zap.Stringer("reason", m.Reason),
		zap.Int("count", s.ctx.CountChangeViews(m.NewViewNumber)))

	return s.checkExpectedView(m.NewViewNumber, now)
}

// checkExpectedView moves to view once M validators asked for it.
func (s *Service) checkExpectedView(view uint8, now uint64) error {
	if s.ctx.ViewNumber() >= view || !s.ctx.HasEnoughChangeViews(view) {
		return nil
	}
	if !s.running || s.ctx.CommitSent() {
		return nil
	}

	my, _ := s.ctx.MyIndex()
	if own, ok := s.ctx.ChangeView(my); !ok || own.NewViewNumber < view {
		if err := s.sendChangeView(view, ReasonChangeAgreement, now); err != nil {
			return err
		}
	}
	return s.changeView(view, now)
}

func (s *Service) sendChangeView(newView uint8, reason ChangeViewReason, now uint64) error {
	cv := &ChangeView{NewViewNumber: newView, Timestamp: now, Reason: reason}
	p, err := s.makePayload(cv, Hash{})
	if err != nil {
		return err
	}
	s.ctx.setOwnChangeView(ChangeViewEntry{
		OriginalViewNumber: s.ctx.ViewNumber(),
		NewViewNumber:      newView,
		Timestamp:          now,
		Reason:             reason,
		InvocationScript:   p.Witness,
	})
	s.broadcast(p)
	return nil
}

// changeView starts view at the current height.
func (s *Service) changeView(view uint8, now uint64) error {
	old := s.ctx.ViewNumber()
	s.ctx.ResetView(view, now)
	s.missing = make(map[Hash]struct{})
	s.armTimer(now, view)
	s.metrics.viewChanged(view)

	s.logger.Info("view changed",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("old_view", old),
		zap.Uint8("view", view),
		zap.Uint8("primary", s.ctx.PrimaryIndex(view)))

	s.sink.Emit(ViewChanged{BlockIndex: s.ctx.BlockIndex(), OldView: old, NewView: view})

	if s.ctx.IsPrimary() {
		return s.propose(now)
	}
	return nil
}

func (s *Service) onTimeout(now uint64) error {
	view := s.ctx.ViewNumber()
	s.logger.Warn("view timeout",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", view),
		zap.Stringer("state", s.ctx.State()))

	if s.ctx.CommitSent() {
		// Help peers that missed the commits of this round.
		s.deadline = now + s.cfg.Pacemaker.TimeoutMillis(view)
		return s.sendRecoveryMessage()
	}
	return s.requestChangeView(ReasonTimeout, now)
}

// requestChangeView asks to move to the next view, or asks for recovery
// when a view change can no longer gather a quorum.
func (s *Service) requestChangeView(reason ChangeViewReason, now uint64) error {
	view := s.ctx.ViewNumber()
	if view == ^uint8(0) {
		return wrapInternal("view number exhausted")
	}
	expected := view + 1
	s.deadline = now + s.cfg.Pacemaker.TimeoutMillis(expected)

	if s.ctx.MoreThanFNodesCommittedOrLost() {
		return s.requestRecovery(now)
	}

	s.ctx.setState(StateViewChanging)
	if err := s.sendChangeView(expected, reason, now); err != nil {
		return err
	}
	s.saveSnapshot()

	s.logger.Info("requested change view",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", view),
		zap.Uint8("new_view", expected),
		zap.Stringer("reason", reason))

	return s.checkExpectedView(expected, now)
}

func (s *Service) requestRecovery(now uint64) error {
	p, err := s.makePayload(&RecoveryRequest{Timestamp: now}, Hash{})
	if err != nil {
		return err
	}
	s.ctx.setRecoveryState(RecoveryAwaiting)
	s.metrics.recoveryRequested()
	s.broadcast(p)

	s.logger.Info("requested recovery",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", s.ctx.ViewNumber()))
	return nil
}

// propose builds and broadcasts the PrepareRequest of this primary.
func (s *Service) propose(now uint64) error {
	var txs []Hash
	if s.cfg.Mempool != nil {
		txs = s.cfg.Mempool.ProposalTransactions(s.ctx.BlockIndex(), s.cfg.MaxTransactions)
		if len(txs) > s.cfg.MaxTransactions {
			txs = txs[:s.cfg.MaxTransactions]
		}
		txs = dedupHashes(txs)
	}

	primary := s.ctx.PrimaryIndex(s.ctx.ViewNumber())
	req := &PrepareRequest{
		Timestamp:         now,
		Nonce:             s.cfg.NonceSource(),
		TransactionHashes: txs,
	}
	blockHash := s.ctx.headerFor(req.Timestamp, req.Nonce, txs, primary).Hash()

	p, err := s.makePayload(req, blockHash)
	if err != nil {
		return err
	}
	s.ctx.setProposal(&Proposal{
		Timestamp:         req.Timestamp,
		Nonce:             req.Nonce,
		TransactionHashes: txs,
		BlockHash:         blockHash,
		PrimaryIndex:      primary,
		InvocationScript:  p.Witness,
	})
	s.ctx.setState(StateRequestSent)
	s.broadcast(p)

	s.logger.Info("proposed block",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", s.ctx.ViewNumber()),
		zap.Stringer("block", blockHash),
		zap.Int("txs", len(txs)))

	s.replayParkedCommits()
	return s.checkPreparations(now)
}

// makePayload signs m as this validator for the current round. The payload
// is marked seen so an echo from the transport is a no-op.
func (s *Service) makePayload(m Message, blockHash Hash) (*Payload, error) {
	my, ok := s.ctx.MyIndex()
	if !ok {
		return nil, ErrNotValidator
	}
	p := NewPayload(s.cfg.Network, s.ctx.BlockIndex(), s.ctx.ViewNumber(), my, m)
	if err := signPayload(s.cfg.Signer, p, m, blockHash); err != nil {
		return nil, wrapInternal(err.Error())
	}
	s.ctx.MarkMessageSeen(p.Hash())
	return p, nil
}

func (s *Service) broadcast(p *Payload) {
	s.sink.Emit(BroadcastMessage{Payload: p})
}

func (s *Service) armTimer(from uint64, view uint8) {
	s.deadline = from + s.cfg.Pacemaker.TimeoutMillis(view)
}

func (s *Service) saveSnapshot() {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.SaveSnapshot(s.ctx.Snapshot()); err != nil {
		s.logger.Warn("failed to save snapshot", zap.Error(err))
	}
}

// restoreSnapshot resumes a round in which this node already committed.
func (s *Service) restoreSnapshot(now uint64) bool {
	if s.cfg.Store == nil {
		return false
	}
	snap, err := s.cfg.Store.LoadSnapshot()
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			s.logger.Warn("failed to load snapshot", zap.Error(err))
		}
		return false
	}
	my, _ := s.ctx.MyIndex()
	own, committed := snap.Commits[my]
	if snap.BlockIndex != s.ctx.BlockIndex() || snap.PrevHash != s.ctx.PrevHash() || !committed || snap.Proposal == nil {
		return false
	}

	s.ctx.Restore(snap)
	s.ctx.setState(StateCommit)
	s.armTimer(now, s.ctx.ViewNumber())
	s.metrics.roundStarted(s.ctx.BlockIndex(), s.ctx.ViewNumber())

	s.logger.Info("round restored from snapshot",
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", s.ctx.ViewNumber()),
		zap.Int("commits", s.ctx.CommitCount()))

	p := NewPayload(s.cfg.Network, s.ctx.BlockIndex(), own.ViewNumber, my, &Commit{Signature: own.Signature})
	p.Witness = own.InvocationScript
	s.ctx.MarkMessageSeen(p.Hash())
	s.broadcast(p)

	if err := s.requestRecovery(now); err != nil {
		s.logger.Warn("failed to request recovery", zap.Error(err))
	}
	if err := s.checkCommits(now); err != nil {
		s.logger.Warn("failed to check commits", zap.Error(err))
	}
	return true
}

func dedupHashes(in []Hash) []Hash {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Hash]struct{}, len(in))
	out := make([]Hash, 0, len(in))
	for _, h := range in {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
