package logser

import (
	"blockser/common"
	"blockser/serializer"
)

// token is the engine's BlockToken: an opaque handle to one data slot.
// The refcount counts every holder, including the committed index
// entry; when it reaches zero the slot is reclaimed. refs is guarded
// by ls.mu.
type token struct {
	ls   *LogSerializer
	slot uint64
	seq  common.BlockSequenceID
	refs uint32
}

var _ serializer.BlockToken = (*token)(nil)

func (t *token) Retain() serializer.BlockToken {
	t.ls.mu.Lock()
	t.retainLocked()
	t.ls.mu.Unlock()
	return t
}

func (t *token) retainLocked() {
	if t.refs == 0 {
		panic("logser: retain of released token")
	}
	t.refs++
}

func (t *token) Release() {
	t.ls.mu.Lock()
	t.releaseLocked()
	t.ls.mu.Unlock()
}

func (t *token) releaseLocked() {
	if t.refs == 0 {
		panic("logser: release of released token")
	}
	t.refs--
	if t.refs == 0 {
		t.ls.slots.free(t.slot)
	}
}

func (t *token) SequenceID() common.BlockSequenceID {
	return t.seq
}
