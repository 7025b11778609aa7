package dbft

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSeenCacheSize bounds the replay cache of payload hashes.
const DefaultSeenCacheSize = 10000

// maxParkedCommits bounds the unverified commits kept per validator.
const maxParkedCommits = 4

// Proposal is the block proposal of the current view.
type Proposal struct {
	Timestamp         uint64
	Nonce             uint64
	TransactionHashes []Hash
	BlockHash         Hash
	PrimaryIndex      uint8
	// InvocationScript is the primary's witness over the PrepareRequest.
	InvocationScript []byte
}

func (p *Proposal) clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	out.TransactionHashes = append([]Hash(nil), p.TransactionHashes...)
	out.InvocationScript = append([]byte(nil), p.InvocationScript...)
	return &out
}

// PreparationEntry is an accepted PrepareResponse.
type PreparationEntry struct {
	Hash             Hash
	InvocationScript []byte
}

// CommitEntry is an accepted Commit.
type CommitEntry struct {
	ViewNumber       uint8
	Signature        []byte
	InvocationScript []byte
}

// ChangeViewEntry is the latest accepted ChangeView of a validator.
type ChangeViewEntry struct {
	OriginalViewNumber uint8
	NewViewNumber      uint8
	Timestamp          uint64
	Reason             ChangeViewReason
	InvocationScript   []byte
}

// Context is the mutable state of one validator for one block height.
//
// A Context is owned by a single Service and is not safe for concurrent
// use. Accepted records hold at most one entry per validator.
type Context struct {
	validators *Validators
	myIndex    int // -1 when this node is not a validator

	blockIndex uint32
	viewNumber uint8
	prevHash   Hash
	// viewStart is the millisecond timestamp the current view started at.
	viewStart uint64

	proposal     *Proposal
	preparations map[uint8]PreparationEntry
	commits      map[uint8]CommitEntry
	changeViews  map[uint8]ChangeViewEntry

	// View of the authenticated commit of each validator at this height.
	// Survives ResetView.
	committed map[uint8]uint8

	// Commits that arrived before the proposal, unverified. They are
	// checked once the proposal is known and never counted before that.
	pendingCommits map[uint8][]*Payload

	// Height of the last message seen from each validator. Survives Reset.
	lastSeen map[uint8]uint32

	seen *lru.Cache[Hash, struct{}]

	state    State
	recovery RecoveryState
}

// NewContext creates a context for validators. myIndex is -1 for a
// non-validator. seenCacheSize <= 0 selects DefaultSeenCacheSize.
func NewContext(validators *Validators, myIndex int, seenCacheSize int) (*Context, error) {
	if validators == nil {
		return nil, wrapConfig("validators is required")
	}
	if myIndex >= validators.N() {
		return nil, wrapConfigf("my index %d out of range [0, %d)", myIndex, validators.N())
	}
	if seenCacheSize <= 0 {
		seenCacheSize = DefaultSeenCacheSize
	}
	seen, err := lru.New[Hash, struct{}](seenCacheSize)
	if err != nil {
		return nil, wrapConfigf("seen cache: %v", err)
	}
	if myIndex < 0 {
		myIndex = -1
	}

	c := &Context{
		validators: validators,
		myIndex:    myIndex,
		lastSeen:   make(map[uint8]uint32),
		seen:       seen,
	}
	c.clearRound()
	c.committed = make(map[uint8]uint8)
	c.changeViews = make(map[uint8]ChangeViewEntry)
	return c, nil
}

// Reset starts a new height: every per-round record, the replay cache and
// the recovery state are cleared.
func (c *Context) Reset(blockIndex uint32, timestamp uint64, prevHash Hash, view uint8) {
	c.blockIndex = blockIndex
	c.prevHash = prevHash
	c.viewNumber = view
	c.viewStart = timestamp
	c.clearRound()
	c.committed = make(map[uint8]uint8)
	c.changeViews = make(map[uint8]ChangeViewEntry)
	c.seen.Purge()
	for _, v := range c.validators.All() {
		if _, ok := c.lastSeen[v.Index]; !ok {
			c.lastSeen[v.Index] = blockIndex
		}
	}
	c.recovery = RecoveryIdle
	c.state = StateInitial
}

// ResetView moves to a new view of the same height. The proposal,
// preparations and commits are discarded. Change-view records, the replay
// cache and the record of which validators committed are kept.
func (c *Context) ResetView(view uint8, timestamp uint64) {
	c.viewNumber = view
	c.viewStart = timestamp
	c.clearRound()
	c.state = StateInitial
}

func (c *Context) clearRound() {
	c.proposal = nil
	c.preparations = make(map[uint8]PreparationEntry)
	c.commits = make(map[uint8]CommitEntry)
	c.pendingCommits = make(map[uint8][]*Payload)
}

// BlockIndex returns the height of the round.
func (c *Context) BlockIndex() uint32 { return c.blockIndex }

// ViewNumber returns the current view.
func (c *Context) ViewNumber() uint8 { return c.viewNumber }

// PrevHash returns the hash of the previous block.
func (c *Context) PrevHash() Hash { return c.prevHash }

// ViewStart returns the millisecond timestamp the current view started at.
func (c *Context) ViewStart() uint64 { return c.viewStart }

// Validators returns the validator directory.
func (c *Context) Validators() *Validators { return c.validators }

// State returns the phase of the round.
func (c *Context) State() State { return c.state }

func (c *Context) setState(s State) { c.state = s }

// RecoveryState returns the recovery sub-state.
func (c *Context) RecoveryState() RecoveryState { return c.recovery }

func (c *Context) setRecoveryState(s RecoveryState) { c.recovery = s }

// MyIndex returns this node's validator index.
func (c *Context) MyIndex() (uint8, bool) {
	if c.myIndex < 0 {
		return 0, false
	}
	return uint8(c.myIndex), true
}

// IsValidator reports whether this node is in the validator set.
func (c *Context) IsValidator() bool { return c.myIndex >= 0 }

// N returns the number of validators.
func (c *Context) N() int { return c.validators.N() }

// F returns the number of tolerated faulty validators.
func (c *Context) F() int { return c.validators.F() }

// M returns the quorum size.
func (c *Context) M() int { return c.validators.M() }

// PrimaryIndex returns the primary of view at the current height.
func (c *Context) PrimaryIndex(view uint8) uint8 {
	return c.validators.PrimaryIndex(c.blockIndex, view)
}

// IsPrimary reports whether this node is primary in the current view.
func (c *Context) IsPrimary() bool {
	return c.myIndex >= 0 && uint8(c.myIndex) == c.PrimaryIndex(c.viewNumber)
}

// IsBackup reports whether this node is a validator but not primary.
func (c *Context) IsBackup() bool {
	return c.myIndex >= 0 && !c.IsPrimary()
}

// Proposal returns a copy of the current proposal, or nil.
func (c *Context) Proposal() *Proposal { return c.proposal.clone() }

// ProposedBlockHash returns the proposed block hash if a proposal was accepted.
func (c *Context) ProposedBlockHash() (Hash, bool) {
	if c.proposal == nil {
		return Hash{}, false
	}
	return c.proposal.BlockHash, true
}

// RequestSentOrReceived reports whether a proposal is known for this view.
func (c *Context) RequestSentOrReceived() bool { return c.proposal != nil }

func (c *Context) setProposal(p *Proposal) {
	c.proposal = p
	for idx, prep := range c.preparations {
		if prep.Hash != p.BlockHash {
			delete(c.preparations, idx)
		}
	}
}

// Header returns the header of the current proposal.
func (c *Context) Header() (*BlockHeader, bool) {
	if c.proposal == nil {
		return nil, false
	}
	return c.headerFor(c.proposal.Timestamp, c.proposal.Nonce, c.proposal.TransactionHashes, c.proposal.PrimaryIndex), true
}

func (c *Context) headerFor(timestamp, nonce uint64, txs []Hash, primary uint8) *BlockHeader {
	return &BlockHeader{
		PrevHash:      c.prevHash,
		MerkleRoot:    MerkleRoot(txs),
		Timestamp:     timestamp,
		Nonce:         nonce,
		Index:         c.blockIndex,
		PrimaryIndex:  primary,
		NextConsensus: c.validators.NextConsensus(),
	}
}

// AddPrepareResponse records a PrepareResponse from index.
func (c *Context) AddPrepareResponse(index uint8, e PreparationEntry) error {
	if !c.validators.Contains(index) {
		return wrapKindf(ErrInvalidValidatorIndex, "%d", index)
	}
	if _, ok := c.preparations[index]; ok {
		return wrapKindf(ErrDuplicateValidator, "prepare response from %d", index)
	}
	c.preparations[index] = e
	return nil
}

// HasPrepareResponse reports whether index already sent a PrepareResponse.
func (c *Context) HasPrepareResponse(index uint8) bool {
	_, ok := c.preparations[index]
	return ok
}

// PreparationCount counts the proposal itself plus accepted responses.
func (c *Context) PreparationCount() int {
	n := len(c.preparations)
	if c.proposal != nil {
		n++
	}
	return n
}

// HasEnoughPrepareResponses reports whether M preparations, counting the
// primary's own request, have been collected for the proposal.
func (c *Context) HasEnoughPrepareResponses() bool {
	return c.proposal != nil && c.PreparationCount() >= c.M()
}

// AddCommit records a Commit from index in the current view.
func (c *Context) AddCommit(index uint8, e CommitEntry) error {
	if !c.validators.Contains(index) {
		return wrapKindf(ErrInvalidValidatorIndex, "%d", index)
	}
	if _, ok := c.commits[index]; ok {
		return wrapKindf(ErrDuplicateValidator, "commit from %d", index)
	}
	c.commits[index] = e
	c.markCommitted(index, e.ViewNumber)
	return nil
}

// HasCommit reports whether index committed in the current view.
func (c *Context) HasCommit(index uint8) bool {
	_, ok := c.commits[index]
	return ok
}

// markCommitted records an authenticated commit of index in view.
func (c *Context) markCommitted(index uint8, view uint8) {
	if _, ok := c.committed[index]; !ok {
		c.committed[index] = view
	}
}

// CommitCount returns the number of accepted commits for the current view.
func (c *Context) CommitCount() int { return len(c.commits) }

// HasEnoughCommits reports whether M commits have been collected in the
// current view.
func (c *Context) HasEnoughCommits() bool {
	return c.CommitCount() >= c.M()
}

// CommitSent reports whether this node has committed at this height.
func (c *Context) CommitSent() bool {
	idx, ok := c.MyIndex()
	if !ok {
		return false
	}
	_, sent := c.committed[idx]
	return sent
}

// CommitSignatures returns the commit signatures of the current view sorted
// by validator index.
func (c *Context) CommitSignatures() []ValidatorSignature {
	out := make([]ValidatorSignature, 0, len(c.commits))
	for idx, e := range c.commits {
		out = append(out, ValidatorSignature{Index: idx, Signature: append([]byte(nil), e.Signature...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// parkCommit keeps p until the proposal is known. Distinct payloads of one
// validator are kept side by side so a forged commit cannot displace the
// real one. It returns false when p is already parked or the validator's
// slots are full.
func (c *Context) parkCommit(p *Payload) bool {
	parked := c.pendingCommits[p.ValidatorIndex]
	if len(parked) >= maxParkedCommits {
		return false
	}
	h := p.Hash()
	for _, q := range parked {
		if q.Hash() == h {
			return false
		}
	}
	c.pendingCommits[p.ValidatorIndex] = append(parked, p)
	return true
}

// ParkedCommits returns the number of commits waiting for the proposal.
func (c *Context) ParkedCommits() int {
	n := 0
	for _, parked := range c.pendingCommits {
		n += len(parked)
	}
	return n
}

func (c *Context) takePendingCommits() []*Payload {
	out := make([]*Payload, 0, c.ParkedCommits())
	for _, idx := range sortedKeys(c.pendingCommits) {
		out = append(out, c.pendingCommits[idx]...)
	}
	c.pendingCommits = make(map[uint8][]*Payload)
	return out
}

// AddChangeView records a ChangeView keeping only the latest per validator.
// It returns false without error when e is older than the stored record.
// A second record for the same new view is a duplicate.
func (c *Context) AddChangeView(index uint8, e ChangeViewEntry) (bool, error) {
	if !c.validators.Contains(index) {
		return false, wrapKindf(ErrInvalidValidatorIndex, "%d", index)
	}
	if prev, ok := c.changeViews[index]; ok {
		if prev.NewViewNumber > e.NewViewNumber {
			return false, nil
		}
		if prev.NewViewNumber == e.NewViewNumber {
			return false, wrapKindf(ErrDuplicateValidator, "change view from %d to view %d", index, e.NewViewNumber)
		}
	}
	c.changeViews[index] = e
	return true, nil
}

func (c *Context) setOwnChangeView(e ChangeViewEntry) {
	if idx, ok := c.MyIndex(); ok {
		c.changeViews[idx] = e
	}
}

// ChangeView returns the latest ChangeView of index.
func (c *Context) ChangeView(index uint8) (ChangeViewEntry, bool) {
	e, ok := c.changeViews[index]
	return e, ok
}

// CountChangeViews counts validators whose latest request targets newView.
func (c *Context) CountChangeViews(newView uint8) int {
	n := 0
	for _, e := range c.changeViews {
		if e.NewViewNumber == newView {
			n++
		}
	}
	return n
}

// HasEnoughChangeViews reports whether M validators asked for newView.
func (c *Context) HasEnoughChangeViews(newView uint8) bool {
	return c.CountChangeViews(newView) >= c.M()
}

// HasSeenMessage reports whether a payload hash is in the replay cache.
func (c *Context) HasSeenMessage(h Hash) bool {
	return c.seen.Contains(h)
}

// MarkMessageSeen adds a payload hash to the replay cache.
func (c *Context) MarkMessageSeen(h Hash) {
	c.seen.Add(h, struct{}{})
}

// SeenCount returns the number of cached payload hashes.
func (c *Context) SeenCount() int { return c.seen.Len() }

// markValidatorSeen records activity of a validator at the current height.
func (c *Context) markValidatorSeen(index uint8) {
	if prev, ok := c.lastSeen[index]; !ok || prev < c.blockIndex {
		c.lastSeen[index] = c.blockIndex
	}
}

// CountCommitted returns the number of validators with an authenticated
// commit in any view of this height. Parked commits are not counted.
func (c *Context) CountCommitted() int { return len(c.committed) }

// CountFailed counts validators not heard from at this or the previous
// height. A validator is assumed alive at the first height it is tracked.
func (c *Context) CountFailed() int {
	failed := 0
	for _, v := range c.validators.All() {
		if int(v.Index) == c.myIndex {
			continue
		}
		h, ok := c.lastSeen[v.Index]
		if !ok || (c.blockIndex > 0 && h < c.blockIndex-1) {
			failed++
		}
	}
	return failed
}

// MoreThanFNodesCommittedOrLost reports whether a view change can no longer
// gather M honest participants.
func (c *Context) MoreThanFNodesCommittedOrLost() bool {
	return c.CountCommitted()+c.CountFailed() > c.F()
}

// NotAcceptingPayloadsDueToViewChanging reports whether preparation
// messages should be ignored while this node waits for a view change.
func (c *Context) NotAcceptingPayloadsDueToViewChanging() bool {
	return c.state == StateViewChanging && !c.MoreThanFNodesCommittedOrLost()
}

// Stats returns statistics about the context state.
func (c *Context) Stats() map[string]interface{} {
	return map[string]interface{}{
		"block_index":   c.blockIndex,
		"view":          c.viewNumber,
		"state":         c.state.String(),
		"recovery":      c.recovery.String(),
		"primary":       c.PrimaryIndex(c.viewNumber),
		"proposal":      c.proposal != nil,
		"preparations":  c.PreparationCount(),
		"commits":       c.CommitCount(),
		"change_views":  len(c.changeViews),
		"seen_messages": c.seen.Len(),
		"failed":        c.CountFailed(),
	}
}
