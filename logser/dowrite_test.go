package logser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockser/common"
	"blockser/disk"
	"blockser/serializer"
)

func openMem(t *testing.T) *LogSerializer {
	ls, err := Open(disk.NewMemDisk(1000))
	require.NoError(t, err)
	return ls
}

func TestDoWriteUpdateAndDelete(t *testing.T) {
	ls := openMem(t)
	defer ls.Close()

	// seed id 6 with a block so the delete has something to remove
	seed := serializer.BlockWriteSync(ls, mkBlock(0x66), 6, nil)
	serializer.IndexWriteOne(ls, serializer.TokenOp(6, seed, 1), nil)
	seed.Release()

	buf := mkBlock(0x55)
	serializer.DoWrite(ls, []serializer.Write{
		serializer.MakeUpdate(5, 10, buf),
		serializer.MakeDelete(6),
	}, nil)

	got := ls.IndexRead(5)
	require.NotNil(t, got)
	assert.Equal(t, common.Recency(10), ls.GetRecency(5))
	out := ls.Malloc()
	serializer.BlockReadSync(ls, got, out, nil)
	assert.Equal(t, buf, out)
	ls.Free(out)
	got.Release()

	assert.Nil(t, ls.IndexRead(6))
	assert.True(t, ls.GetDeleteBit(6))
}

func TestDoWriteTouchPreservesToken(t *testing.T) {
	ls := openMem(t)
	defer ls.Close()

	tok := serializer.BlockWriteSync(ls, mkBlock(0x77), 2, nil)
	serializer.IndexWriteOne(ls, serializer.TokenOp(2, tok, 3), nil)

	before := ls.IndexRead(2)
	require.NotNil(t, before)

	serializer.DoWrite(ls, []serializer.Write{
		serializer.MakeTouch(2, 9),
	}, nil)

	after := ls.IndexRead(2)
	require.NotNil(t, after)
	assert.Equal(t, before.SequenceID(), after.SequenceID())
	assert.Equal(t, common.Recency(9), ls.GetRecency(2))
	assert.False(t, ls.GetDeleteBit(2))

	before.Release()
	after.Release()
	tok.Release()
}

func TestDoWriteNotifications(t *testing.T) {
	ls := openMem(t)
	defer ls.Close()

	launched := make(chan serializer.BlockToken, 1)
	done := make(chan struct{}, 1)
	buf := mkBlock(0x88)
	serializer.DoWrite(ls, []serializer.Write{
		{BlockID: 3, Action: serializer.Update{
			Buf:      buf,
			Recency:  4,
			Launched: launched,
			Done:     done,
		}},
	}, nil)

	// DoWrite returns only after the index batch commits, so both
	// notifications must have fired by now.
	lt := <-launched
	<-done

	committed := ls.IndexRead(3)
	require.NotNil(t, committed)
	assert.Equal(t, lt.SequenceID(), committed.SequenceID())

	out := ls.Malloc()
	serializer.BlockReadSync(ls, lt, out, nil)
	assert.Equal(t, buf, out)
	ls.Free(out)

	lt.Release()
	committed.Release()
}

func TestDoWriteOrderedCommits(t *testing.T) {
	ls := openMem(t)
	defer ls.Close()

	// a caller that orders its own DoWrite calls gets matching
	// index commits: the later recency wins
	for i := 1; i <= 4; i++ {
		serializer.DoWrite(ls, []serializer.Write{
			serializer.MakeUpdate(1, common.Recency(i), mkBlock(byte(i))),
		}, nil)
	}
	assert.Equal(t, common.Recency(4), ls.GetRecency(1))

	got := ls.IndexRead(1)
	require.NotNil(t, got)
	out := ls.Malloc()
	serializer.BlockReadSync(ls, got, out, nil)
	assert.Equal(t, mkBlock(4), out)
	ls.Free(out)
	got.Release()
}
