package simnet

import (
	"fmt"

	"github.com/edgedlt/dbft"
)

// ViolationType categorizes safety violations.
type ViolationType string

const (
	// ViolationFork means two nodes committed different blocks at one height.
	ViolationFork ViolationType = "fork"

	// ViolationSignatures means a committed block lacks M valid commit
	// signatures.
	ViolationSignatures ViolationType = "invalid_signatures"

	// ViolationChain means a committed block does not extend the node's
	// previous block.
	ViolationChain ViolationType = "broken_chain"
)

// Violation is a safety violation found while observing commits.
type Violation struct {
	Type        ViolationType `json:"type"`
	NodeID      int           `json:"nodeId"`
	Height      uint32        `json:"height"`
	Description string        `json:"description"`
}

// detector checks every committed block against the blocks other nodes
// committed and against the validator keys. Not safe for concurrent use;
// the Network serializes calls.
type detector struct {
	network    uint32
	validators *dbft.Validators
	ledger     map[uint32]dbft.Hash
	violations []Violation
}

func newDetector(network uint32, validators *dbft.Validators) *detector {
	return &detector{
		network:    network,
		validators: validators,
		ledger:     make(map[uint32]dbft.Hash),
	}
}

// observe records that node committed data on top of prev and returns the
// violations it caused.
func (d *detector) observe(node int, prev dbft.Hash, data *dbft.BlockData) []Violation {
	var found []Violation

	if known, ok := d.ledger[data.BlockIndex]; ok && known != data.BlockHash {
		found = append(found, Violation{
			Type:        ViolationFork,
			NodeID:      node,
			Height:      data.BlockIndex,
			Description: fmt.Sprintf("committed %s, ledger has %s", data.BlockHash, known),
		})
	} else if !ok {
		d.ledger[data.BlockIndex] = data.BlockHash
	}

	if data.PrevHash != prev {
		found = append(found, Violation{
			Type:        ViolationChain,
			NodeID:      node,
			Height:      data.BlockIndex,
			Description: fmt.Sprintf("prev %s, expected %s", data.PrevHash, prev),
		})
	}

	valid := 0
	signData := dbft.CommitSignData(d.network, data.BlockHash)
	for _, s := range data.Signatures {
		info, ok := d.validators.Get(s.Index)
		if ok && info.PublicKey.Verify(signData, s.Signature) {
			valid++
		}
	}
	if valid < d.validators.M() {
		found = append(found, Violation{
			Type:        ViolationSignatures,
			NodeID:      node,
			Height:      data.BlockIndex,
			Description: fmt.Sprintf("%d valid commit signatures, need %d", valid, d.validators.M()),
		})
	}

	d.violations = append(d.violations, found...)
	return found
}

// block returns the first hash committed at height.
func (d *detector) block(height uint32) (dbft.Hash, bool) {
	h, ok := d.ledger[height]
	return h, ok
}
