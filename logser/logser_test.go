package logser

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"blockser/common"
	"blockser/disk"
	"blockser/serializer"
)

type LogSerSuite struct {
	suite.Suite
	d  disk.Disk
	ls *LogSerializer
}

func (s *LogSerSuite) SetupTest() {
	s.d = disk.NewMemDisk(1000)
	ls, err := Open(s.d)
	s.Require().NoError(err)
	s.ls = ls
}

func (s *LogSerSuite) TearDownTest() {
	s.Require().NoError(s.ls.Close())
}

func TestLogSer(t *testing.T) {
	suite.Run(t, new(LogSerSuite))
}

func mkBlock(b byte) []byte {
	block := make([]byte, disk.BlockSize)
	for i := range block {
		block[i] = b
	}
	return block
}

func (s *LogSerSuite) TestRoundTrip() {
	buf := mkBlock(0xAB)
	tok := serializer.BlockWriteSyncNew(s.ls, buf, nil)
	id := s.ls.MaxBlockID() - 1

	serializer.IndexWriteOne(s.ls, serializer.TokenOp(id, tok, 7), nil)

	got := s.ls.IndexRead(id)
	s.Require().NotNil(got)
	s.Equal(tok.SequenceID(), got.SequenceID())
	s.Equal(common.Recency(7), s.ls.GetRecency(id))

	out := s.ls.Malloc()
	serializer.BlockReadSync(s.ls, got, out, nil)
	s.Equal(buf, out)

	s.ls.Free(out)
	got.Release()
	tok.Release()
}

func (s *LogSerSuite) TestFreshIDsMonotonic() {
	before := s.ls.MaxBlockID()
	var toks []serializer.BlockToken
	var highest common.BlockID
	for i := 0; i < 5; i++ {
		tok := serializer.BlockWriteSyncNew(s.ls, mkBlock(byte(i)), nil)
		highest = s.ls.MaxBlockID() - 1
		toks = append(toks, tok)
	}
	s.GreaterOrEqual(s.ls.MaxBlockID(), before)
	s.GreaterOrEqual(s.ls.MaxBlockID(), highest+1)
	for _, tok := range toks {
		tok.Release()
	}
}

func (s *LogSerSuite) TestUnknownIDDefaults() {
	s.Equal(common.InvalidRecency, s.ls.GetRecency(42))
	s.False(s.ls.GetDeleteBit(42))
	s.Nil(s.ls.IndexRead(42))
}

func (s *LogSerSuite) TestNoOpParticipatesInBatch() {
	tok := serializer.BlockWriteSync(s.ls, mkBlock(1), 1, nil)
	s.ls.IndexWrite([]serializer.IndexWriteOp{
		serializer.TokenOp(1, tok, 5),
		{BlockID: 9}, // nothing set
	}, nil)
	s.Equal(common.Recency(5), s.ls.GetRecency(1))
	s.Equal(common.InvalidRecency, s.ls.GetRecency(9))
	s.False(s.ls.GetDeleteBit(9))
	s.GreaterOrEqual(s.ls.MaxBlockID(), common.BlockID(10))
	tok.Release()
}

func (s *LogSerSuite) TestAtomicBatchVisibility() {
	const n = 8
	ops := make([]serializer.IndexWriteOp, 0, n)
	toks := make([]serializer.BlockToken, 0, n)
	for i := 0; i < n; i++ {
		tok := serializer.BlockWriteSync(s.ls, mkBlock(byte(i)), common.BlockID(i), nil)
		toks = append(toks, tok)
		ops = append(ops, serializer.TokenOp(common.BlockID(i), tok, common.Recency(i+1)))
	}

	// before submission: none of the batch is visible
	for i := 0; i < n; i++ {
		s.Nil(s.ls.IndexRead(common.BlockID(i)))
	}

	committed := make(chan struct{})
	observed := make(chan bool)
	go func() {
		<-committed
		all := true
		for i := 0; i < n; i++ {
			got := s.ls.IndexRead(common.BlockID(i))
			if got == nil || s.ls.GetRecency(common.BlockID(i)) != common.Recency(i+1) {
				all = false
				continue
			}
			got.Release()
		}
		observed <- all
	}()

	s.ls.IndexWrite(ops, nil)
	close(committed)
	s.True(<-observed, "observer after commit must see the whole batch")

	for _, tok := range toks {
		tok.Release()
	}
}

func (s *LogSerSuite) TestReadOfInFlightWrite() {
	acct := s.ls.MakeAccount(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	acct.Submit(func() {
		close(started)
		<-release
	})
	<-started

	// the write is parked behind the blocker on the limit-1 account;
	// the token must still be readable from another account
	buf := mkBlock(0x4D)
	done := make(chan struct{}, 1)
	tok := s.ls.BlockWrite(buf, 7, acct, done)

	out := s.ls.Malloc()
	serializer.BlockReadSync(s.ls, tok, out, nil)
	s.Equal(buf, out)
	s.ls.Free(out)

	close(release)
	<-done

	// and again once the bytes are on disk
	out = s.ls.Malloc()
	serializer.BlockReadSync(s.ls, tok, out, nil)
	s.Equal(buf, out)
	s.ls.Free(out)

	tok.Release()
	acct.Close()
}

func (s *LogSerSuite) TestConcurrentIndexWriteBatches() {
	const writers = 4
	const batches = 25
	const a, b = common.BlockID(20), common.BlockID(21)

	// every batch tags both entries with writer*1000+i, so any torn
	// application would leave a recency no batch ever wrote or a final
	// state mixing two batches
	var torn int32
	stop := make(chan struct{})
	var obs sync.WaitGroup
	obs.Add(1)
	go func() {
		defer obs.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range []common.BlockID{a, b} {
				r := s.ls.GetRecency(id)
				if r == common.InvalidRecency {
					continue
				}
				w := uint64(r) / 1000
				i := uint64(r) % 1000
				if w >= writers || i == 0 || i > batches {
					atomic.AddInt32(&torn, 1)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= batches; i++ {
				tag := common.Recency(w*1000 + i)
				s.ls.IndexWrite([]serializer.IndexWriteOp{
					serializer.TouchOp(a, tag),
					serializer.TouchOp(b, tag),
				}, nil)
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	obs.Wait()

	s.Zero(atomic.LoadInt32(&torn), "observed a recency no batch wrote")
	s.Equal(s.ls.GetRecency(a), s.ls.GetRecency(b),
		"the last committed batch must apply as a whole")
}

func (s *LogSerSuite) TestTokenSurvivesIndexOverwrite() {
	bufA := mkBlock(0x11)
	bufB := mkBlock(0x22)
	tokA := serializer.BlockWriteSync(s.ls, bufA, 3, nil)
	serializer.IndexWriteOne(s.ls, serializer.TokenOp(3, tokA, 1), nil)

	tokB := serializer.BlockWriteSync(s.ls, bufB, 3, nil)
	serializer.IndexWriteOne(s.ls, serializer.TokenOp(3, tokB, 2), nil)

	// the old token is no longer in the index but is still readable
	out := s.ls.Malloc()
	serializer.BlockReadSync(s.ls, tokA, out, nil)
	s.Equal(bufA, out)
	s.ls.Free(out)

	got := s.ls.IndexRead(3)
	s.Require().NotNil(got)
	s.Equal(tokB.SequenceID(), got.SequenceID())
	got.Release()
	tokA.Release()
	tokB.Release()
}

func (s *LogSerSuite) TestSlotReclaimedAfterLastRelease() {
	tok := serializer.BlockWriteSyncNew(s.ls, mkBlock(7), nil)
	s.ls.mu.Lock()
	used := s.ls.slots.nused
	s.ls.mu.Unlock()

	tok.Retain()
	tok.Release()
	s.ls.mu.Lock()
	s.Equal(used, s.ls.slots.nused)
	s.ls.mu.Unlock()

	tok.Release()
	s.ls.mu.Lock()
	s.Equal(used-1, s.ls.slots.nused)
	s.ls.mu.Unlock()
}

func (s *LogSerSuite) TestFreeMarker() {
	tok := serializer.BlockWriteSync(s.ls, mkBlock(9), 4, nil)
	serializer.IndexWriteOne(s.ls, serializer.TokenOp(4, tok, 3), nil)
	tok.Release()

	serializer.IndexWriteOne(s.ls, serializer.DeleteOp(4), nil)
	s.Nil(s.ls.IndexRead(4))
	s.True(s.ls.GetDeleteBit(4))
}

func (s *LogSerSuite) TestBlockSequenceID() {
	buf := mkBlock(0x5C)
	tok := serializer.BlockWriteSync(s.ls, buf, 6, nil)
	serializer.IndexWriteOne(s.ls, serializer.TokenOp(6, tok, 1), nil)

	s.Equal(tok.SequenceID(), s.ls.BlockSequenceID(6, buf))
	s.Equal(common.NullBlockSequenceID, s.ls.BlockSequenceID(6, mkBlock(0x5D)))
	s.Equal(common.NullBlockSequenceID, s.ls.BlockSequenceID(99, buf))
	tok.Release()
}

func (s *LogSerSuite) TestAccountedIO() {
	acct := s.ls.MakeAccount(2, 4)
	buf := mkBlock(0x3F)
	tok := serializer.BlockWriteSync(s.ls, buf, 8, acct)
	s.ls.IndexWrite([]serializer.IndexWriteOp{serializer.TokenOp(8, tok, 2)}, acct)

	out := s.ls.Malloc()
	serializer.BlockReadSync(s.ls, tok, out, acct)
	s.Equal(buf, out)
	s.ls.Free(out)
	tok.Release()
	acct.Close()
}

func (s *LogSerSuite) TestCheckpointReopen() {
	buf := mkBlock(0xEE)
	tok := serializer.BlockWriteSync(s.ls, buf, 11, nil)
	s.ls.IndexWrite([]serializer.IndexWriteOp{
		serializer.TokenOp(11, tok, 44),
		serializer.DeleteOp(12),
	}, nil)
	tok.Release()
	maxID := s.ls.MaxBlockID()

	s.Require().NoError(s.ls.Close())

	ls, err := Open(s.d)
	s.Require().NoError(err)
	s.ls = ls // TearDownTest closes the reopened instance

	s.Equal(maxID, ls.MaxBlockID())
	s.Equal(common.Recency(44), ls.GetRecency(11))
	s.True(ls.GetDeleteBit(12))
	s.Nil(ls.IndexRead(12))

	got := ls.IndexRead(11)
	s.Require().NotNil(got)
	out := ls.Malloc()
	serializer.BlockReadSync(ls, got, out, nil)
	s.Equal(buf, out)
	ls.Free(out)
	got.Release()
}

func (s *LogSerSuite) TestJournalOverflowCompacts() {
	// enough single-op commits to wrap the index region at least once
	region := s.ls.regionLen()
	tok := serializer.BlockWriteSync(s.ls, mkBlock(1), 1, nil)
	for i := uint64(0); i < region+5; i++ {
		serializer.IndexWriteOne(s.ls, serializer.TouchOp(1, common.Recency(i+1)), nil)
	}
	s.Equal(common.Recency(region+5), s.ls.GetRecency(1))

	serializer.IndexWriteOne(s.ls, serializer.TokenOp(1, tok, 7), nil)
	tok.Release()

	s.Require().NoError(s.ls.Close())
	ls, err := Open(s.d)
	s.Require().NoError(err)
	s.ls = ls
	s.Equal(common.Recency(7), ls.GetRecency(1))
}
