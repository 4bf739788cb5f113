package logser

import (
	"github.com/cespare/xxhash/v2"

	"blockser/serializer"
	"blockser/util"
)

// Read-ahead: while servicing an explicit read, the engine probes the
// next committed slot after the one just read and offers that block to
// subscribers. It is purely opportunistic; with no subscribers the
// probe is skipped and the explicit read path is unchanged.

func (ls *LogSerializer) RegisterReadAhead(sub serializer.ReadAheadSubscriber) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.subs = append(ls.subs, sub)
}

func (ls *LogSerializer) UnregisterReadAhead(sub serializer.ReadAheadSubscriber) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, s := range ls.subs {
		if s == sub {
			ls.subs = append(ls.subs[:i], ls.subs[i+1:]...)
			return
		}
	}
}

// offerReadAhead runs on the I/O goroutine of an explicit read. It
// picks the next slot the committed index references, loads it, and
// presents it to each subscriber in registration order until one
// keeps it.
func (ls *LogSerializer) offerReadAhead(afterSlot uint64) {
	ls.mu.Lock()
	if len(ls.subs) == 0 || ls.closed {
		ls.mu.Unlock()
		return
	}
	var cand *token
	for slot := afterSlot + 1; slot < ls.slots.len(); slot++ {
		if !ls.slots.used[slot] || ls.slots.state[slot].pending != nil {
			continue
		}
		e := ls.index[ls.slots.state[slot].id]
		if e == nil || e.tok == nil || e.tok.slot != slot {
			continue
		}
		e.tok.retainLocked()
		cand = e.tok
		break
	}
	if cand == nil {
		ls.mu.Unlock()
		return
	}
	id := ls.slots.state[cand.slot].id
	sum := ls.slots.state[cand.slot].sum
	addr := ls.slots.addr(cand.slot)
	subs := append([]serializer.ReadAheadSubscriber(nil), ls.subs...)
	ls.mu.Unlock()

	// the probe is billed to the default account; the default account
	// has no outstanding limit, so waiting here from another account's
	// request cannot wedge the dispatcher
	buf := ls.Malloc()
	loaded := make(chan struct{}, 1)
	ls.defaultAcct.Submit(func() {
		ls.d.ReadTo(addr, buf)
		loaded <- struct{}{}
	})
	<-loaded
	if xxhash.Sum64(buf) != sum {
		panic("logser: checksum mismatch on read-ahead block")
	}
	util.DPrintf(5, "readAhead: offering id %d (slot %d)\n", id, cand.slot)
	for _, sub := range subs {
		if sub.OfferReadAhead(id, cand, buf) {
			return
		}
	}
	ls.Free(buf)
	cand.Release()
}
