package logser

import (
	"github.com/tchajed/marshal"

	"blockser/common"
	"blockser/disk"
	"blockser/serializer"
	"blockser/util"
)

// The index region (disk blocks 1..regionLen) holds a snapshot of the
// index followed by journal records appended by IndexWrite. Records
// are per-ID absolute entries, so replay is install-in-order. When an
// append would overflow the region, a fresh snapshot is written in its
// place.

const (
	superblockMagic uint64 = 0x626c6b73657231 // "blkser1"

	// id, flags, slot, recency, seq, sum
	entryBytes    uint64 = 48
	entriesPerBlk uint64 = (disk.BlockSize - 8) / entryBytes
	flagDeleteBit uint64 = 1 << 0
	flagHasToken  uint64 = 1 << 1
)

// entryRec is one encoded index entry.
type entryRec struct {
	id        common.BlockID
	hasToken  bool
	slot      uint64
	recency   common.Recency
	deleteBit bool
	seq       common.BlockSequenceID
	sum       uint64
}

func (ls *LogSerializer) regionLen() uint64 {
	return ls.slots.base - 1
}

func (ls *LogSerializer) recLocked(id common.BlockID) entryRec {
	e := ls.index[id]
	rec := entryRec{id: id, recency: e.recency, deleteBit: e.deleteBit}
	if e.tok != nil {
		st := ls.slots.state[e.tok.slot]
		rec.hasToken = true
		rec.slot = e.tok.slot
		rec.seq = st.seq
		rec.sum = st.sum
	}
	return rec
}

func (ls *LogSerializer) snapshotRecsLocked() []entryRec {
	recs := make([]entryRec, 0, len(ls.index))
	for id := range ls.index {
		recs = append(recs, ls.recLocked(id))
	}
	return recs
}

func encodeEntries(recs []entryRec) []disk.Block {
	nblk := util.RoundUp(uint64(len(recs)), entriesPerBlk)
	blocks := make([]disk.Block, 0, nblk)
	for len(recs) > 0 {
		n := util.Min(uint64(len(recs)), entriesPerBlk)
		enc := marshal.NewEnc(disk.BlockSize)
		enc.PutInt(n)
		for _, rec := range recs[:n] {
			var flags uint64
			if rec.deleteBit {
				flags |= flagDeleteBit
			}
			if rec.hasToken {
				flags |= flagHasToken
			}
			enc.PutInt(uint64(rec.id))
			enc.PutInt(flags)
			enc.PutInt(rec.slot)
			enc.PutInt(uint64(rec.recency))
			enc.PutInt(uint64(rec.seq))
			enc.PutInt(rec.sum)
		}
		blocks = append(blocks, enc.Finish())
		recs = recs[n:]
	}
	return blocks
}

func decodeEntries(blk disk.Block) []entryRec {
	dec := marshal.NewDec(blk)
	n := dec.GetInt()
	recs := make([]entryRec, 0, n)
	for i := uint64(0); i < n; i++ {
		id := dec.GetInt()
		flags := dec.GetInt()
		slot := dec.GetInt()
		recency := dec.GetInt()
		seq := dec.GetInt()
		sum := dec.GetInt()
		recs = append(recs, entryRec{
			id:        common.BlockID(id),
			hasToken:  flags&flagHasToken != 0,
			slot:      slot,
			recency:   common.Recency(recency),
			deleteBit: flags&flagDeleteBit != 0,
			seq:       common.BlockSequenceID(seq),
			sum:       sum,
		})
	}
	return recs
}

func (ls *LogSerializer) superblockLocked() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(superblockMagic)
	enc.PutInt(ls.snapBlocks)
	enc.PutInt(ls.journalBlocks)
	enc.PutInt(uint64(ls.maxID))
	enc.PutInt(uint64(ls.seq))
	return enc.Finish()
}

// encodeCommitLocked turns an applied batch into region blocks to
// write, the address to write them at, and the matching superblock.
// It appends to the journal, or falls back to rewriting the snapshot
// when the journal would overflow. Assumes ls.mu is held.
func (ls *LogSerializer) encodeCommitLocked(ops []serializer.IndexWriteOp) ([]disk.Block, uint64, disk.Block) {
	recs := make([]entryRec, 0, len(ops))
	for i := range ops {
		recs = append(recs, ls.recLocked(ops[i].BlockID))
	}
	blocks := encodeEntries(recs)
	if ls.snapBlocks+ls.journalBlocks+uint64(len(blocks)) > ls.regionLen() {
		blocks = encodeEntries(ls.snapshotRecsLocked())
		if uint64(len(blocks)) > ls.regionLen() {
			panic("logser: index does not fit in the index region")
		}
		util.DPrintf(2, "encodeCommit: journal full, snapshot rewrite (%d blocks)\n",
			len(blocks))
		ls.snapBlocks = uint64(len(blocks))
		ls.journalBlocks = 0
		return blocks, 1, ls.superblockLocked()
	}
	start := 1 + ls.snapBlocks + ls.journalBlocks
	ls.journalBlocks += uint64(len(blocks))
	return blocks, start, ls.superblockLocked()
}

// Checkpoint rewrites the index region as a single snapshot and resets
// the journal. Called by Close; safe to call at any quiescent point.
func (ls *LogSerializer) Checkpoint() error {
	ls.commitMu.Lock()
	defer ls.commitMu.Unlock()

	ls.mu.Lock()
	ls.checkOpenLocked()
	blocks := encodeEntries(ls.snapshotRecsLocked())
	if uint64(len(blocks)) > ls.regionLen() {
		ls.mu.Unlock()
		return Error.New("index does not fit in the index region (%d > %d blocks)",
			len(blocks), ls.regionLen())
	}
	ls.snapBlocks = uint64(len(blocks))
	ls.journalBlocks = 0
	sb := ls.superblockLocked()
	ls.mu.Unlock()

	for i, blk := range blocks {
		ls.d.Write(1+uint64(i), blk)
	}
	ls.d.Write(superblockAddr, sb)
	ls.d.Barrier()
	util.DPrintf(1, "Checkpoint: %d snapshot blocks\n", len(blocks))
	return nil
}

// install applies one recovered record. Assumes ls.mu is held.
func (ls *LogSerializer) installLocked(rec entryRec) error {
	e := ls.index[rec.id]
	if e == nil {
		e = &indexEntry{recency: common.InvalidRecency}
		ls.index[rec.id] = e
	}
	if e.tok != nil {
		e.tok.releaseLocked()
		e.tok = nil
	}
	if rec.hasToken {
		if rec.slot >= ls.slots.len() {
			return Error.New("recovered slot %d out of range", rec.slot)
		}
		if ls.slots.used[rec.slot] {
			return Error.New("recovered slot %d claimed twice", rec.slot)
		}
		ls.slots.claim(rec.slot, slotState{id: rec.id, seq: rec.seq, sum: rec.sum})
		e.tok = &token{ls: ls, slot: rec.slot, seq: rec.seq, refs: 1}
	}
	e.recency = rec.recency
	e.deleteBit = rec.deleteBit
	if rec.id+1 > ls.maxID {
		ls.maxID = rec.id + 1
	}
	if rec.seq > ls.seq {
		ls.seq = rec.seq
	}
	return nil
}

// recover reads the superblock and replays the index region, or
// initializes a fresh layout when the superblock does not match.
func (ls *LogSerializer) recover() error {
	sb := ls.d.Read(superblockAddr)
	dec := marshal.NewDec(sb)
	if dec.GetInt() != superblockMagic {
		util.DPrintf(1, "recover: no superblock, initializing\n")
		ls.d.Write(superblockAddr, ls.superblockLocked())
		ls.d.Barrier()
		return nil
	}
	snap := dec.GetInt()
	journal := dec.GetInt()
	maxID := common.BlockID(dec.GetInt())
	seq := common.BlockSequenceID(dec.GetInt())
	if snap+journal > ls.regionLen() {
		return Error.New("superblock region lengths out of range")
	}
	for addr := uint64(1); addr < 1+snap+journal; addr++ {
		for _, rec := range decodeEntries(ls.d.Read(addr)) {
			if err := ls.installLocked(rec); err != nil {
				return err
			}
		}
	}
	ls.snapBlocks = snap
	ls.journalBlocks = journal
	if maxID > ls.maxID {
		ls.maxID = maxID
	}
	if seq > ls.seq {
		ls.seq = seq
	}
	util.DPrintf(1, "recover: %d snapshot + %d journal blocks, maxID %d\n",
		snap, journal, ls.maxID)
	return nil
}
