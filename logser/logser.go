// Package logser is a log-structured implementation of the serializer
// contract. The disk is laid out as a superblock, an index region, and
// block-sized data slots. Block writes go to freshly allocated slots;
// the index (block ID -> slot, recency, delete bit) lives in memory
// and every committed batch is appended durably to the index region.
//
// Crash recovery is out of scope: the index region is the clean
// shutdown/reopen path. Data-path I/O faults panic (in the disk
// layer); setup and checkpoint failures return errors.
package logser

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/errs"

	"blockser/common"
	"blockser/disk"
	"blockser/sched"
	"blockser/serializer"
	"blockser/util"
)

// Error is the class of all logser setup and checkpoint errors.
var Error = errs.Class("logser")

const superblockAddr uint64 = 0

type indexEntry struct {
	tok       *token // nil if the index holds no block for this ID
	recency   common.Recency
	deleteBit bool
}

type LogSerializer struct {
	d     disk.Disk
	sched *sched.Scheduler

	// defaultAcct backs operations called with a nil account.
	defaultAcct *sched.Account

	bufPool *sync.Pool

	// commitMu serializes index commits (IndexWrite, Checkpoint) so
	// batches reach the index region in the order they committed in
	// memory.
	commitMu *sync.Mutex

	// mu guards everything below, plus token refcounts and the slot
	// table.
	mu            *sync.Mutex
	index         map[common.BlockID]*indexEntry
	slots         *slotTable
	maxID         common.BlockID // exclusive bound, never decreases
	seq           common.BlockSequenceID
	snapBlocks    uint64 // index-region blocks holding the snapshot
	journalBlocks uint64 // index-region blocks appended since
	subs          []serializer.ReadAheadSubscriber
	closed        bool
}

var _ serializer.Serializer = (*LogSerializer)(nil)

// indexRegionBlocks sizes the index region for a disk of size blocks.
func indexRegionBlocks(size uint64) uint64 {
	return size/8 + 2
}

// Open attaches a serializer to d, recovering the index from a prior
// clean shutdown if the superblock matches, and initializing a fresh
// layout otherwise.
func Open(d disk.Disk) (*LogSerializer, error) {
	size := d.Size()
	region := indexRegionBlocks(size)
	if size < 1+region+1 {
		return nil, Error.New("disk too small: %d blocks", size)
	}
	s := sched.NewScheduler()
	ls := &LogSerializer{
		d:     d,
		sched: s,
		bufPool: &sync.Pool{
			New: func() interface{} { return disk.AlignedBlock() },
		},
		commitMu: new(sync.Mutex),
		mu:       new(sync.Mutex),
		index:    make(map[common.BlockID]*indexEntry),
		slots:    mkSlotTable(1+region, size-1-region),
	}
	ls.defaultAcct = s.NewAccountDefault(sched.DefaultPriority)
	if err := ls.recover(); err != nil {
		s.Shutdown()
		return nil, err
	}
	util.DPrintf(1, "logser: open, %d data slots, %d live ids\n",
		ls.slots.len(), len(ls.index))
	return ls, nil
}

func (ls *LogSerializer) checkOpenLocked() {
	if ls.closed {
		panic("logser: use after Close")
	}
}

// Malloc allocates a block-sized buffer. Safe from any goroutine.
func (ls *LogSerializer) Malloc() []byte {
	return ls.bufPool.Get().([]byte)
}

func (ls *LogSerializer) Clone(buf []byte) []byte {
	b := ls.Malloc()
	copy(b, buf)
	return b
}

func (ls *LogSerializer) Free(buf []byte) {
	if uint64(len(buf)) != disk.BlockSize {
		panic("logser: freeing a buffer that is not block-sized")
	}
	ls.bufPool.Put(buf)
}

func (ls *LogSerializer) MakeAccount(priority int, outstandingLimit int) *sched.Account {
	return ls.sched.NewAccount(priority, outstandingLimit)
}

func (ls *LogSerializer) MakeAccountDefault(priority int) *sched.Account {
	return ls.sched.NewAccountDefault(priority)
}

// BlockWrite assigns a slot and version stamp synchronously (the
// launch), then schedules the disk write on acct. The returned token
// is a new holder owned by the caller; done fires once the bytes are
// durable.
func (ls *LogSerializer) BlockWrite(buf []byte, id common.BlockID, acct *sched.Account, done chan<- struct{}) serializer.BlockToken {
	if uint64(len(buf)) != disk.BlockSize {
		panic("logser: write buffer is not block-sized")
	}
	if acct == nil {
		acct = ls.defaultAcct
	}
	ls.mu.Lock()
	ls.checkOpenLocked()
	if id == common.NullBlockID {
		id = ls.maxID
	}
	if id+1 > ls.maxID {
		ls.maxID = id + 1
	}
	ls.seq++
	slot, ok := ls.slots.allocate()
	if !ok {
		ls.mu.Unlock()
		panic("logser: out of data slots")
	}
	ls.slots.state[slot] = slotState{
		id:      id,
		seq:     ls.seq,
		sum:     xxhash.Sum64(buf),
		pending: buf,
	}
	tok := &token{ls: ls, slot: slot, seq: ls.seq, refs: 1}
	// the engine itself holds the token until the write lands, so the
	// slot stays claimed even if the caller releases early
	tok.retainLocked()
	addr := ls.slots.addr(slot)
	ls.mu.Unlock()

	util.DPrintf(5, "BlockWrite: id %d seq %d -> slot %d\n", id, tok.seq, slot)
	acct.Submit(func() {
		ls.d.Write(addr, buf)
		ls.d.Barrier()
		ls.mu.Lock()
		ls.slots.state[slot].pending = nil
		tok.releaseLocked()
		ls.mu.Unlock()
		if done != nil {
			done <- struct{}{}
		}
	})
	return tok
}

// BlockRead schedules a read of the block named by tok into buf; done
// fires once buf is filled. The read also probes ahead one slot and
// offers the neighboring block to read-ahead subscribers.
func (ls *LogSerializer) BlockRead(tok serializer.BlockToken, buf []byte, acct *sched.Account, done chan<- struct{}) {
	t := tok.(*token)
	if uint64(len(buf)) != disk.BlockSize {
		panic("logser: read buffer is not block-sized")
	}
	if acct == nil {
		acct = ls.defaultAcct
	}
	ls.mu.Lock()
	ls.checkOpenLocked()
	if t.refs == 0 {
		panic("logser: read through released token")
	}
	ls.mu.Unlock()

	util.DPrintf(5, "BlockRead: slot %d\n", t.slot)
	acct.Submit(func() {
		ls.mu.Lock()
		st := ls.slots.state[t.slot]
		if st.pending != nil {
			// the slot's write is still in flight; serve the read
			// from the launched buffer
			copy(buf, st.pending)
			ls.mu.Unlock()
			if done != nil {
				done <- struct{}{}
			}
			return
		}
		addr := ls.slots.addr(t.slot)
		ls.mu.Unlock()
		ls.d.ReadTo(addr, buf)
		if xxhash.Sum64(buf) != st.sum {
			panic("logser: checksum mismatch on block read")
		}
		ls.offerReadAhead(t.slot)
		if done != nil {
			done <- struct{}{}
		}
	})
}

func (ls *LogSerializer) MaxBlockID() common.BlockID {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.maxID
}

func (ls *LogSerializer) GetRecency(id common.BlockID) common.Recency {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	e := ls.index[id]
	if e == nil {
		return common.InvalidRecency
	}
	return e.recency
}

func (ls *LogSerializer) GetDeleteBit(id common.BlockID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	e := ls.index[id]
	if e == nil {
		return false
	}
	return e.deleteBit
}

func (ls *LogSerializer) IndexRead(id common.BlockID) serializer.BlockToken {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	e := ls.index[id]
	if e == nil || e.tok == nil {
		return nil
	}
	e.tok.retainLocked()
	return e.tok
}

// applyLocked mutates one index entry per op. Assumes ls.mu is held.
func (ls *LogSerializer) applyLocked(op *serializer.IndexWriteOp) {
	e := ls.index[op.BlockID]
	if e == nil {
		e = &indexEntry{recency: common.InvalidRecency}
		ls.index[op.BlockID] = e
	}
	if op.BlockID+1 > ls.maxID {
		ls.maxID = op.BlockID + 1
	}
	if op.SetToken {
		var nt *token
		if op.Token != nil {
			nt = op.Token.(*token)
			nt.retainLocked()
			// the committed binding for read-ahead and
			// BlockSequenceID
			ls.slots.state[nt.slot].id = op.BlockID
		}
		if e.tok != nil {
			e.tok.releaseLocked()
		}
		e.tok = nt
	}
	if op.SetRecency {
		e.recency = op.Recency
	}
	if op.SetDeleteBit {
		e.deleteBit = op.DeleteBit
	}
}

// IndexWrite applies ops as one atomic batch, appends the batch to the
// index region on acct, and returns once it is durable. Batches from
// concurrent callers commit in the order they acquire the commit lock.
func (ls *LogSerializer) IndexWrite(ops []serializer.IndexWriteOp, acct *sched.Account) {
	if acct == nil {
		acct = ls.defaultAcct
	}
	ls.commitMu.Lock()
	defer ls.commitMu.Unlock()

	ls.mu.Lock()
	ls.checkOpenLocked()
	for i := range ops {
		ls.applyLocked(&ops[i])
	}
	blocks, start, sb := ls.encodeCommitLocked(ops)
	ls.mu.Unlock()

	util.DPrintf(2, "IndexWrite: %d ops in %d region blocks at %d\n",
		len(ops), len(blocks), start)
	done := make(chan struct{}, 1)
	acct.Submit(func() {
		for i, blk := range blocks {
			ls.d.Write(start+uint64(i), blk)
		}
		ls.d.Write(superblockAddr, sb)
		ls.d.Barrier()
		done <- struct{}{}
	})
	<-done
}

// BlockSequenceID reports the stamp of the write that produced id's
// committed block, provided buf holds that block's bytes; otherwise
// the pairing is stale or unknown and the null stamp is returned.
func (ls *LogSerializer) BlockSequenceID(id common.BlockID, buf []byte) common.BlockSequenceID {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	e := ls.index[id]
	if e == nil || e.tok == nil {
		return common.NullBlockSequenceID
	}
	st := ls.slots.state[e.tok.slot]
	if xxhash.Sum64(buf) != st.sum {
		return common.NullBlockSequenceID
	}
	return st.seq
}

func (ls *LogSerializer) BlockSize() uint64 {
	return disk.BlockSize
}

// Close checkpoints the index, drains all I/O, and releases the disk.
func (ls *LogSerializer) Close() error {
	if err := ls.Checkpoint(); err != nil {
		return err
	}
	ls.mu.Lock()
	ls.closed = true
	ls.mu.Unlock()
	// drain the scheduler before detaching the default account:
	// in-flight requests may still bill read-ahead probes to it
	ls.sched.Shutdown()
	ls.defaultAcct.Close()
	ls.d.Close()
	util.DPrintf(1, "logser: closed\n")
	return nil
}
