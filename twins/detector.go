package twins

import (
	"bytes"
	"fmt"

	"github.com/edgedlt/dbft"
)

// EvidenceType categorizes equivocations.
type EvidenceType int

const (
	// EvidenceConflictingProposal - primary sent two different
	// PrepareRequests in one view
	EvidenceConflictingProposal EvidenceType = iota

	// EvidenceConflictingPreparation - validator sent PrepareResponses for
	// two different blocks in one view
	EvidenceConflictingPreparation
)

func (e EvidenceType) String() string {
	switch e {
	case EvidenceConflictingProposal:
		return "ConflictingProposal"
	case EvidenceConflictingPreparation:
		return "ConflictingPreparation"
	default:
		return "Unknown"
	}
}

// Evidence is a pair of conflicting payloads signed by one validator.
type Evidence struct {
	Type        EvidenceType
	Validator   uint8
	Height      uint32
	View        uint8
	Description string
}

type roundKey struct {
	validator uint8
	height    uint32
	view      uint8
	msgType   dbft.MessageType
}

// EquivocationDetector records the first proposal and preparation of every
// validator per view and reports later ones that differ. Commits are not
// compared: their signatures are randomized.
type EquivocationDetector struct {
	first    map[roundKey][]byte
	reported map[roundKey]bool
	evidence []Evidence
}

// NewEquivocationDetector creates an empty detector.
func NewEquivocationDetector() *EquivocationDetector {
	return &EquivocationDetector{
		first:    make(map[roundKey][]byte),
		reported: make(map[roundKey]bool),
	}
}

// Observe records a payload seen on the network.
func (d *EquivocationDetector) Observe(p *dbft.Payload) {
	var typ EvidenceType
	switch p.Type {
	case dbft.PrepareRequestType:
		typ = EvidenceConflictingProposal
	case dbft.PrepareResponseType:
		typ = EvidenceConflictingPreparation
	default:
		return
	}

	key := roundKey{validator: p.ValidatorIndex, height: p.BlockIndex, view: p.ViewNumber, msgType: p.Type}
	body, ok := d.first[key]
	if !ok {
		d.first[key] = append([]byte(nil), p.Body...)
		return
	}
	if bytes.Equal(body, p.Body) || d.reported[key] {
		return
	}
	d.reported[key] = true
	d.evidence = append(d.evidence, Evidence{
		Type:      typ,
		Validator: p.ValidatorIndex,
		Height:    p.BlockIndex,
		View:      p.ViewNumber,
		Description: fmt.Sprintf("validator %d sent two different %s at height %d view %d",
			p.ValidatorIndex, p.Type, p.BlockIndex, p.ViewNumber),
	})
}

// Evidence returns the equivocations found so far.
func (d *EquivocationDetector) Evidence() []Evidence {
	return append([]Evidence(nil), d.evidence...)
}

// HasEvidence reports whether any equivocation was found.
func (d *EquivocationDetector) HasEvidence() bool {
	return len(d.evidence) > 0
}

// CountByType returns the number of equivocations per type.
func (d *EquivocationDetector) CountByType() map[EvidenceType]int {
	counts := make(map[EvidenceType]int)
	for _, e := range d.evidence {
		counts[e.Type]++
	}
	return counts
}
