package logser

import (
	"blockser/common"
	"blockser/disk"
	"blockser/util"
)

// slotState is the engine-side record for one data slot: the ID the
// slot was last written for, the version stamp of that write, and the
// payload checksum.
type slotState struct {
	id  common.BlockID
	seq common.BlockSequenceID
	sum uint64

	// pending holds the write buffer from launch until the slot's
	// bytes are durable; reads of the slot are served from it. nil
	// once the write has landed.
	pending disk.Block
}

// slotTable allocates and frees data slots. A slot is held while any
// token references it (the committed index counts as one token
// holder). Guarded by the serializer mutex.
type slotTable struct {
	base  uint64 // disk address of slot 0
	used  []bool
	state []slotState
	next  uint64 // rotating allocation cursor
	nused uint64
}

func mkSlotTable(base uint64, nslots uint64) *slotTable {
	return &slotTable{
		base:  base,
		used:  make([]bool, nslots),
		state: make([]slotState, nslots),
	}
}

func (st *slotTable) len() uint64 {
	return uint64(len(st.used))
}

func (st *slotTable) addr(slot uint64) uint64 {
	return st.base + slot
}

// allocate returns a free slot, scanning from the rotating cursor.
func (st *slotTable) allocate() (uint64, bool) {
	n := st.len()
	for i := uint64(0); i < n; i++ {
		slot := (st.next + i) % n
		if !st.used[slot] {
			st.next = (slot + 1) % n
			st.used[slot] = true
			st.nused++
			util.DPrintf(10, "slots: allocate %d (%d used)\n", slot, st.nused)
			return slot, true
		}
	}
	return 0, false
}

// claim marks a specific slot used during recovery.
func (st *slotTable) claim(slot uint64, s slotState) {
	if st.used[slot] {
		panic("slots: claim of used slot")
	}
	st.used[slot] = true
	st.nused++
	st.state[slot] = s
}

func (st *slotTable) free(slot uint64) {
	if !st.used[slot] {
		panic("slots: free of free slot")
	}
	st.used[slot] = false
	st.state[slot] = slotState{}
	st.nused--
	util.DPrintf(10, "slots: free %d (%d used)\n", slot, st.nused)
}
