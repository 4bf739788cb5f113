package serializer

import (
	"blockser/common"
	"blockser/sched"
)

// Blocking forms of the asynchronous contract, built on the async
// operations so concrete engines need not reimplement them. They park
// the calling goroutine until the completion fires and must not be
// called from a goroutine that cannot block (e.g. the engine's own
// completion path).

// BlockWriteSync writes buf and returns its token once the bytes are
// durable.
func BlockWriteSync(ser Serializer, buf []byte, id common.BlockID, acct *sched.Account) BlockToken {
	done := make(chan struct{}, 1)
	tok := ser.BlockWrite(buf, id, acct, done)
	<-done
	return tok
}

// BlockWriteSyncNew is BlockWriteSync with a freshly assigned ID.
func BlockWriteSyncNew(ser Serializer, buf []byte, acct *sched.Account) BlockToken {
	return BlockWriteSync(ser, buf, common.NullBlockID, acct)
}

// BlockReadSync fills buf with the bytes named by tok and returns once
// they are readable.
func BlockReadSync(ser Serializer, tok BlockToken, buf []byte, acct *sched.Account) {
	done := make(chan struct{}, 1)
	ser.BlockRead(tok, buf, acct, done)
	<-done
}

// IndexWriteOne applies a single op as its own atomic batch.
func IndexWriteOne(ser Serializer, op IndexWriteOp, acct *sched.Account) {
	ser.IndexWrite([]IndexWriteOp{op}, acct)
}
