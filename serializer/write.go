package serializer

import (
	"fmt"

	"blockser/common"
	"blockser/sched"
	"blockser/util"
)

// A Write is one per-block intent inside a grouped write. Its Action
// is exactly one of Update, Delete, or Touch.
type Write struct {
	BlockID common.BlockID
	Action  WriteAction
}

// WriteAction is the closed set of grouped-write intents.
type WriteAction interface {
	writeAction()
}

// Update writes Buf as the block's new contents and points the index
// entry at the resulting token with the given recency.
type Update struct {
	Buf     []byte
	Recency common.Recency

	// Launched, if non-nil, receives a retained token holder as
	// soon as the write has been assigned a location (useful for
	// pipelining). The receiver owns the holder.
	Launched chan<- BlockToken

	// Done, if non-nil, fires once the block's bytes are durable.
	Done chan<- struct{}
}

// Delete removes the block's token and sets its delete bit.
type Delete struct{}

// Touch updates only the block's recency.
type Touch struct {
	Recency common.Recency
}

func (Update) writeAction() {}
func (Delete) writeAction() {}
func (Touch) writeAction()  {}

func MakeUpdate(id common.BlockID, recency common.Recency, buf []byte) Write {
	return Write{BlockID: id, Action: Update{Buf: buf, Recency: recency}}
}

func MakeDelete(id common.BlockID) Write {
	return Write{BlockID: id, Action: Delete{}}
}

func MakeTouch(id common.BlockID, recency common.Recency) Write {
	return Write{BlockID: id, Action: Touch{Recency: recency}}
}

// DoWrite performs a group of writes: it launches every update's block
// write, then commits one index batch covering all intents, and
// returns once that batch is committed. The index transition is atomic
// even though the block writes may become durable at different times.
//
// The batch is only submitted after every launched write's token is
// known, and two DoWrite calls commit their batches in the order they
// reach the index, so a caller that orders its DoWrite calls gets
// matching index commits.
//
// DoWrite is deliberately not part of the Serializer interface: it is
// built purely from BlockWrite and IndexWrite and works with any
// engine.
func DoWrite(ser Serializer, writes []Write, acct *sched.Account) {
	ops := make([]IndexWriteOp, 0, len(writes))
	var launched []BlockToken
	for _, w := range writes {
		switch a := w.Action.(type) {
		case Update:
			tok := ser.BlockWrite(a.Buf, w.BlockID, acct, a.Done)
			if a.Launched != nil {
				a.Launched <- tok.Retain()
			}
			launched = append(launched, tok)
			ops = append(ops, TokenOp(w.BlockID, tok, a.Recency))
		case Delete:
			ops = append(ops, DeleteOp(w.BlockID))
		case Touch:
			ops = append(ops, TouchOp(w.BlockID, a.Recency))
		default:
			panic(fmt.Sprintf("serializer: unknown write action %T", w.Action))
		}
	}
	util.DPrintf(2, "DoWrite: %d intents, %d block writes\n", len(writes), len(launched))
	ser.IndexWrite(ops, acct)
	// The index now holds its own references; drop the launch
	// holders.
	for _, tok := range launched {
		tok.Release()
	}
}
