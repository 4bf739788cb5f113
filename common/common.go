package common

// BlockID names a logical block slot. IDs need not be densely packed.
type BlockID uint64

// Recency is a per-block timestamp used by upper layers for conflict
// resolution.
type Recency uint64

// BlockSequenceID is a version stamp distinguishing successive contents
// of a BlockID.
type BlockSequenceID uint64

const (
	// NullBlockID means "not yet assigned"; a write with NullBlockID
	// gets a fresh ID.
	NullBlockID BlockID = ^BlockID(0)

	// InvalidRecency means "unknown / never set".
	InvalidRecency Recency = 0

	NullBlockSequenceID BlockSequenceID = 0
)
