package dbft

import (
	"go.uber.org/zap"
)

// shouldSendRecovery reports whether this node answers a recovery request
// from requester. Nodes that committed always answer. Otherwise the F+1
// validators following the requester do, so that at least one honest node
// responds without every node flooding the network.
func (s *Service) shouldSendRecovery(requester uint8) bool {
	if s.ctx.State() == StateCommitted || s.ctx.CommitSent() {
		return true
	}
	my, ok := s.ctx.MyIndex()
	if !ok {
		return false
	}
	n := s.ctx.N()
	for i := 1; i <= s.ctx.F()+1; i++ {
		if (int(requester)+i)%n == int(my) {
			return true
		}
	}
	return false
}

func (s *Service) onRecoveryRequest(requester uint8, now uint64) error {
	if !s.shouldSendRecovery(requester) {
		return nil
	}
	s.logger.Debug("answering recovery request",
		zap.Uint8("requester", requester),
		zap.Uint32("height", s.ctx.BlockIndex()),
		zap.Uint8("view", s.ctx.ViewNumber()))
	return s.sendRecoveryMessage()
}

func (s *Service) sendRecoveryMessage() error {
	p, err := s.makePayload(s.buildRecoveryMessage(), Hash{})
	if err != nil {
		return err
	}
	s.metrics.recoverySent()
	s.broadcast(p)
	return nil
}

// buildRecoveryMessage collects every record of the round with the
// witnesses needed to re-verify it.
func (s *Service) buildRecoveryMessage() *RecoveryMessage {
	msg := &RecoveryMessage{}

	for _, idx := range sortedKeys(s.ctx.changeViews) {
		e := s.ctx.changeViews[idx]
		msg.ChangeViews = append(msg.ChangeViews, ChangeViewCompact{
			ValidatorIndex:     idx,
			OriginalViewNumber: e.OriginalViewNumber,
			NewViewNumber:      e.NewViewNumber,
			Timestamp:          e.Timestamp,
			Reason:             e.Reason,
			InvocationScript:   e.InvocationScript,
		})
	}

	var prepared Hash
	if prop := s.ctx.proposal; prop != nil {
		prepared = prop.BlockHash
		msg.PrepareRequest = &PrepareRequestCompact{
			ValidatorIndex:    prop.PrimaryIndex,
			Timestamp:         prop.Timestamp,
			Nonce:             prop.Nonce,
			TransactionHashes: prop.TransactionHashes,
			InvocationScript:  prop.InvocationScript,
		}
	} else {
		for _, idx := range sortedKeys(s.ctx.preparations) {
			h := s.ctx.preparations[idx].Hash
			prepared = h
			msg.PreparationHash = &h
			break
		}
	}

	primary := s.ctx.PrimaryIndex(s.ctx.ViewNumber())
	for _, idx := range sortedKeys(s.ctx.preparations) {
		e := s.ctx.preparations[idx]
		if idx == primary || e.Hash != prepared {
			continue
		}
		msg.Preparations = append(msg.Preparations, PreparationCompact{
			ValidatorIndex:   idx,
			InvocationScript: e.InvocationScript,
		})
	}

	for _, idx := range sortedKeys(s.ctx.commits) {
		e := s.ctx.commits[idx]
		msg.Commits = append(msg.Commits, CommitCompact{
			ViewNumber:       e.ViewNumber,
			ValidatorIndex:   idx,
			Signature:        e.Signature,
			InvocationScript: e.InvocationScript,
		})
	}
	return msg
}

// onRecoveryMessage replays the records of a RecoveryMessage through the
// normal validation path. Each embedded witness is verified on its own and
// entries that fail are skipped.
//
// Change views are replayed only for a message from a higher view, commits
// for one from this or a lower view, and the proposal with its
// preparations only for one from this view.
func (s *Service) onRecoveryMessage(p *Payload, m *RecoveryMessage, now uint64) error {
	if !s.running {
		return errIgnored
	}

	accepted := 0
	replay := func(rp *Payload) {
		if my, _ := s.ctx.MyIndex(); rp.ValidatorIndex == my {
			return
		}
		if s.ctx.HasSeenMessage(rp.Hash()) {
			return
		}
		if err := s.apply(rp, false); err == nil {
			accepted++
		}
	}

	if p.ViewNumber > s.ctx.ViewNumber() {
		if s.ctx.CommitSent() {
			return nil
		}
		for _, cv := range m.ChangeViews {
			if cv.NewViewNumber <= s.ctx.ViewNumber() {
				continue
			}
			if e, ok := s.ctx.ChangeView(cv.ValidatorIndex); ok && e.NewViewNumber >= cv.NewViewNumber {
				continue
			}
			rp := NewPayload(s.cfg.Network, p.BlockIndex, cv.OriginalViewNumber, cv.ValidatorIndex, &ChangeView{
				NewViewNumber: cv.NewViewNumber,
				Timestamp:     cv.Timestamp,
				Reason:        cv.Reason,
			})
			rp.Witness = cv.InvocationScript
			replay(rp)
		}
	}

	// Commits go first: authenticated commits count towards the validators
	// known to have committed, which lifts the view-changing gate below.
	if p.ViewNumber <= s.ctx.ViewNumber() {
		var candidate Hash
		var proven bool
		if p.ViewNumber == s.ctx.ViewNumber() && !s.ctx.RequestSentOrReceived() {
			candidate, proven = s.recoveryProposalHash(p, m.PrepareRequest)
		}
		for _, cc := range m.Commits {
			if s.ctx.HasCommit(cc.ValidatorIndex) || cc.ViewNumber != s.ctx.ViewNumber() {
				continue
			}
			c := &Commit{Signature: cc.Signature}
			rp := NewPayload(s.cfg.Network, p.BlockIndex, cc.ViewNumber, cc.ValidatorIndex, c)
			rp.Witness = cc.InvocationScript
			if proven {
				s.proveCommit(rp, c, candidate)
				continue
			}
			replay(rp)
		}
	}

	if p.ViewNumber == s.ctx.ViewNumber() && !s.ctx.NotAcceptingPayloadsDueToViewChanging() && !s.ctx.CommitSent() {
		if pr := m.PrepareRequest; pr != nil && !s.ctx.RequestSentOrReceived() {
			rp := NewPayload(s.cfg.Network, p.BlockIndex, p.ViewNumber, pr.ValidatorIndex, &PrepareRequest{
				Timestamp:         pr.Timestamp,
				Nonce:             pr.Nonce,
				TransactionHashes: pr.TransactionHashes,
			})
			rp.Witness = pr.InvocationScript
			replay(rp)
		}

		var prepared Hash
		var known bool
		if h, ok := s.ctx.ProposedBlockHash(); ok {
			prepared, known = h, true
		} else if m.PreparationHash != nil {
			prepared, known = *m.PreparationHash, true
		}
		if known {
			for _, pc := range m.Preparations {
				if s.ctx.HasPrepareResponse(pc.ValidatorIndex) {
					continue
				}
				rp := NewPayload(s.cfg.Network, p.BlockIndex, p.ViewNumber, pc.ValidatorIndex, &PrepareResponse{
					PreparationHash: prepared,
				})
				rp.Witness = pc.InvocationScript
				replay(rp)
			}
		}
	}

	s.logger.Debug("applied recovery message",
		zap.Uint8("from", p.ValidatorIndex),
		zap.Uint8("view", p.ViewNumber),
		zap.Int("accepted", accepted))

	if accepted > 0 && s.ctx.RecoveryState() == RecoveryAwaiting {
		s.ctx.setRecoveryState(RecoveryResynced)
		s.logger.Info("resynced from recovery",
			zap.Uint32("height", s.ctx.BlockIndex()),
			zap.Uint8("view", s.ctx.ViewNumber()),
			zap.Stringer("state", s.ctx.State()))
	}
	return nil
}

// recoveryProposalHash authenticates the PrepareRequest carried by a
// recovery message from this view and returns the block hash it proposes.
func (s *Service) recoveryProposalHash(p *Payload, pr *PrepareRequestCompact) (Hash, bool) {
	if pr == nil || pr.ValidatorIndex != s.ctx.PrimaryIndex(p.ViewNumber) {
		return Hash{}, false
	}
	primary, ok := s.ctx.Validators().Get(pr.ValidatorIndex)
	if !ok {
		return Hash{}, false
	}
	req := &PrepareRequest{
		Timestamp:         pr.Timestamp,
		Nonce:             pr.Nonce,
		TransactionHashes: pr.TransactionHashes,
	}
	rp := NewPayload(s.cfg.Network, p.BlockIndex, p.ViewNumber, pr.ValidatorIndex, req)
	rp.Witness = pr.InvocationScript
	h := s.ctx.headerFor(req.Timestamp, req.Nonce, req.TransactionHashes, pr.ValidatorIndex).Hash()
	if !verifyWitness(primary.PublicKey, rp, req, h) {
		return Hash{}, false
	}
	return h, true
}

// proveCommit verifies a commit against a block hash authenticated by the
// primary's witness but not yet accepted as the proposal. A valid commit
// counts as committed and is parked until the proposal is applied.
func (s *Service) proveCommit(p *Payload, c *Commit, blockHash Hash) {
	if my, _ := s.ctx.MyIndex(); p.ValidatorIndex == my {
		return
	}
	validator, ok := s.ctx.Validators().Get(p.ValidatorIndex)
	if !ok {
		return
	}
	if !verifyWitness(validator.PublicKey, p, c, blockHash) ||
		!validator.PublicKey.Verify(CommitSignData(s.cfg.Network, blockHash), c.Signature) {
		s.logger.Debug("recovered commit rejected", zap.Stringer("payload", p))
		return
	}
	s.ctx.markCommitted(p.ValidatorIndex, p.ViewNumber)
	s.ctx.markValidatorSeen(p.ValidatorIndex)
	s.ctx.parkCommit(p)
}
