package dbft

import (
	"sort"

	"github.com/edgedlt/dbft/internal/wire"
)

const snapshotVersion = 1

// Store persists the latest consensus snapshot so a restarted validator can
// resume a round in which it already committed.
type Store interface {
	// SaveSnapshot replaces the stored snapshot.
	SaveSnapshot(s *Snapshot) error

	// LoadSnapshot returns the stored snapshot or ErrSnapshotNotFound.
	LoadSnapshot() (*Snapshot, error)
}

// Snapshot is the persisted form of a Context.
type Snapshot struct {
	BlockIndex   uint32
	ViewNumber   uint8
	PrevHash     Hash
	ViewStart    uint64
	Proposal     *Proposal
	Preparations map[uint8]PreparationEntry
	Commits      map[uint8]CommitEntry
	ChangeViews  map[uint8]ChangeViewEntry
}

// Snapshot captures the round state.
func (c *Context) Snapshot() *Snapshot {
	s := &Snapshot{
		BlockIndex:   c.blockIndex,
		ViewNumber:   c.viewNumber,
		PrevHash:     c.prevHash,
		ViewStart:    c.viewStart,
		Proposal:     c.proposal.clone(),
		Preparations: make(map[uint8]PreparationEntry, len(c.preparations)),
		Commits:      make(map[uint8]CommitEntry, len(c.commits)),
		ChangeViews:  make(map[uint8]ChangeViewEntry, len(c.changeViews)),
	}
	for k, v := range c.preparations {
		s.Preparations[k] = v
	}
	for k, v := range c.commits {
		s.Commits[k] = v
	}
	for k, v := range c.changeViews {
		s.ChangeViews[k] = v
	}
	return s
}

// Restore loads a snapshot taken at the same height. Entries referring to
// validators outside the directory are skipped.
func (c *Context) Restore(s *Snapshot) {
	c.Reset(s.BlockIndex, s.ViewStart, s.PrevHash, s.ViewNumber)
	c.proposal = s.Proposal.clone()
	for k, v := range s.Preparations {
		if c.validators.Contains(k) {
			c.preparations[k] = v
		}
	}
	for k, v := range s.Commits {
		if !c.validators.Contains(k) {
			continue
		}
		c.markCommitted(k, v.ViewNumber)
		if v.ViewNumber == s.ViewNumber {
			c.commits[k] = v
		}
	}
	for k, v := range s.ChangeViews {
		if c.validators.Contains(k) {
			c.changeViews[k] = v
		}
	}
}

func sortedKeys[V any](m map[uint8]V) []uint8 {
	keys := make([]uint8, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Bytes serializes the snapshot.
func (s *Snapshot) Bytes() []byte {
	w := wire.NewWriter(256)
	w.WriteU8(snapshotVersion)
	w.WriteU32LE(s.BlockIndex)
	w.WriteU8(s.ViewNumber)
	w.WriteBytes(s.PrevHash[:])
	w.WriteU64LE(s.ViewStart)

	w.WriteBool(s.Proposal != nil)
	if p := s.Proposal; p != nil {
		w.WriteU64LE(p.Timestamp)
		w.WriteU64LE(p.Nonce)
		writeHashes(w, p.TransactionHashes)
		w.WriteBytes(p.BlockHash[:])
		w.WriteU8(p.PrimaryIndex)
		w.WriteVarBytes(p.InvocationScript)
	}

	w.WriteVarUint(uint64(len(s.Preparations)))
	for _, k := range sortedKeys(s.Preparations) {
		e := s.Preparations[k]
		w.WriteU8(k)
		w.WriteBytes(e.Hash[:])
		w.WriteVarBytes(e.InvocationScript)
	}

	w.WriteVarUint(uint64(len(s.Commits)))
	for _, k := range sortedKeys(s.Commits) {
		e := s.Commits[k]
		w.WriteU8(k)
		w.WriteU8(e.ViewNumber)
		w.WriteVarBytes(e.Signature)
		w.WriteVarBytes(e.InvocationScript)
	}

	w.WriteVarUint(uint64(len(s.ChangeViews)))
	for _, k := range sortedKeys(s.ChangeViews) {
		e := s.ChangeViews[k]
		w.WriteU8(k)
		w.WriteU8(e.OriginalViewNumber)
		w.WriteU8(e.NewViewNumber)
		w.WriteU64LE(e.Timestamp)
		w.WriteU8(uint8(e.Reason))
		w.WriteVarBytes(e.InvocationScript)
	}
	return w.Bytes()
}

// SnapshotFromBytes decodes a snapshot produced by Bytes.
func SnapshotFromBytes(data []byte) (*Snapshot, error) {
	r := wire.NewReader(data)
	if v := r.ReadU8(); r.Err == nil && v != snapshotVersion {
		return nil, wrapInternal("unsupported snapshot version")
	}

	s := &Snapshot{
		BlockIndex:   r.ReadU32LE(),
		ViewNumber:   r.ReadU8(),
		Preparations: make(map[uint8]PreparationEntry),
		Commits:      make(map[uint8]CommitEntry),
		ChangeViews:  make(map[uint8]ChangeViewEntry),
	}
	r.ReadBytes(s.PrevHash[:])
	s.ViewStart = r.ReadU64LE()

	if r.ReadBool() {
		p := &Proposal{}
		p.Timestamp = r.ReadU64LE()
		p.Nonce = r.ReadU64LE()
		p.TransactionHashes = readHashes(r)
		r.ReadBytes(p.BlockHash[:])
		p.PrimaryIndex = r.ReadU8()
		p.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		s.Proposal = p
	}

	n := r.ReadVarUint(MaxValidators)
	for i := uint64(0); i < n && r.Err == nil; i++ {
		k := r.ReadU8()
		var e PreparationEntry
		r.ReadBytes(e.Hash[:])
		e.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		s.Preparations[k] = e
	}

	n = r.ReadVarUint(MaxValidators)
	for i := uint64(0); i < n && r.Err == nil; i++ {
		k := r.ReadU8()
		var e CommitEntry
		e.ViewNumber = r.ReadU8()
		e.Signature = r.ReadVarBytes(commitSignatureSize)
		e.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		s.Commits[k] = e
	}

	n = r.ReadVarUint(MaxValidators)
	for i := uint64(0); i < n && r.Err == nil; i++ {
		k := r.ReadU8()
		var e ChangeViewEntry
		e.OriginalViewNumber = r.ReadU8()
		e.NewViewNumber = r.ReadU8()
		e.Timestamp = r.ReadU64LE()
		e.Reason = ChangeViewReason(r.ReadU8())
		e.InvocationScript = r.ReadVarBytes(maxInvocationScript)
		s.ChangeViews[k] = e
	}

	if err := r.Finish(); err != nil {
		return nil, wrapInternal("decode snapshot: " + err.Error())
	}
	return s, nil
}
