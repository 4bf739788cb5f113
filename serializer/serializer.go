// Package serializer defines the contract between the buffer cache and
// a block storage engine: opaque reference-counted block tokens, an
// atomically-updatable index from block IDs to (token, recency, delete
// bit), prioritized asynchronous block I/O, and read-ahead offers.
//
// Completion of an asynchronous operation is reported by sending one
// value on the caller-supplied done channel; a nil channel requests no
// notification. The channel should have capacity for the send (the
// blocking helpers in this package do this). Completions may fire from
// engine-owned goroutines; callers must not assume inline firing.
package serializer

import (
	"blockser/common"
	"blockser/sched"
)

// BlockToken is a shared-ownership handle naming the physical storage
// location of one block's data. It is produced only by block writes
// and IndexRead, never exposes the location it encodes, and stays
// readable for as long as at least one holder retains it. The last
// Release makes the location eligible for reclamation by the engine.
type BlockToken interface {
	// Retain adds a holder and returns the same token.
	Retain() BlockToken

	// Release drops a holder. Calling any method after the last
	// Release is a contract violation.
	Release()

	// SequenceID reports the version stamp of the write that
	// produced this token.
	SequenceID() common.BlockSequenceID
}

// IndexWriteOp is a sparse update to one block's index entry. Each of
// token, recency, and delete bit is independently either set or left
// unchanged. An op with nothing set is legal and still participates in
// the enclosing atomic batch.
type IndexWriteOp struct {
	BlockID common.BlockID

	// Token to install if SetToken; a nil Token with SetToken means
	// remove the entry's token.
	Token    BlockToken
	SetToken bool

	Recency    common.Recency
	SetRecency bool

	DeleteBit    bool
	SetDeleteBit bool
}

// TokenOp installs a new token and recency for id.
func TokenOp(id common.BlockID, tok BlockToken, recency common.Recency) IndexWriteOp {
	return IndexWriteOp{
		BlockID:    id,
		Token:      tok,
		SetToken:   true,
		Recency:    recency,
		SetRecency: true,
	}
}

// DeleteOp removes id's token and sets its delete bit.
func DeleteOp(id common.BlockID) IndexWriteOp {
	return IndexWriteOp{
		BlockID:      id,
		SetToken:     true,
		DeleteBit:    true,
		SetDeleteBit: true,
	}
}

// TouchOp updates only id's recency.
func TouchOp(id common.BlockID, recency common.Recency) IndexWriteOp {
	return IndexWriteOp{
		BlockID:    id,
		Recency:    recency,
		SetRecency: true,
	}
}

// ReadAheadSubscriber receives unsolicited offers of blocks the engine
// loaded opportunistically during unrelated I/O.
type ReadAheadSubscriber interface {
	// OfferReadAhead decides synchronously whether to keep the
	// block. Returning true transfers ownership of tok (a retained
	// holder) and buf to the subscriber; returning false lets the
	// engine discard both. The decision runs on an engine I/O
	// goroutine and must not issue serializer operations.
	OfferReadAhead(id common.BlockID, tok BlockToken, buf []byte) bool
}

// Serializer is the abstract engine contract. Except for Malloc,
// Clone, Free, and account creation, operations must not be used after
// Close on the instance.
type Serializer interface {
	// Malloc allocates a block-sized buffer for use with BlockRead
	// and BlockWrite. Safe from any goroutine, as are Clone and
	// Free.
	Malloc() []byte
	Clone(buf []byte) []byte
	Free(buf []byte)

	// MakeAccount creates an I/O account with the given priority
	// (larger wins) and outstanding-request limit. The account must
	// be drained with Close before the serializer shuts down.
	MakeAccount(priority int, outstandingLimit int) *sched.Account

	// MakeAccountDefault derives the limit from the priority alone.
	MakeAccountDefault(priority int) *sched.Account

	RegisterReadAhead(sub ReadAheadSubscriber)
	UnregisterReadAhead(sub ReadAheadSubscriber)

	// BlockWrite launches a write of buf, attributed to acct, and
	// returns a token for the assigned location. The caller must
	// not mutate buf until done fires, which happens once the bytes
	// are durable. id may be NullBlockID to assign a fresh ID; the
	// write does not update the index either way.
	BlockWrite(buf []byte, id common.BlockID, acct *sched.Account, done chan<- struct{}) BlockToken

	// BlockRead fills buf with the bytes named by tok. The caller
	// must not read buf until done fires.
	BlockRead(tok BlockToken, buf []byte, acct *sched.Account, done chan<- struct{})

	// MaxBlockID returns an exclusive upper bound on every existing
	// block ID. It never decreases. IDs below the bound may be
	// unused.
	MaxBlockID() common.BlockID

	// GetRecency returns id's committed recency, or InvalidRecency
	// if id is unknown.
	GetRecency(id common.BlockID) common.Recency

	// GetDeleteBit returns id's committed delete bit, or false if
	// id is unknown. A set delete bit with no token marks id free.
	GetDeleteBit(id common.BlockID) bool

	// IndexRead returns a retained token for id's committed block,
	// or nil if the index holds none. The caller owns the returned
	// holder.
	IndexRead(id common.BlockID) BlockToken

	// IndexWrite applies ops atomically: no observer sees a state
	// reflecting only part of the batch. Concurrent batches are
	// serialized in some total order. Returns once the update is
	// externally observable.
	IndexWrite(ops []IndexWriteOp, acct *sched.Account)

	// BlockSequenceID reports the version stamp pairing id with
	// buf's contents, or NullBlockSequenceID if the pairing is
	// unknown or stale.
	BlockSequenceID(id common.BlockID, buf []byte) common.BlockSequenceID

	// BlockSize is the uniform byte size of every block.
	BlockSize() uint64
}
