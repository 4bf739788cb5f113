// Package disk provides access to a logical block-addressed disk. It is
// the physical layer underneath the serializer; unrecoverable I/O
// faults are treated as fatal and panic.
package disk

import "github.com/ncw/directio"

// Block is a BlockSize-byte buffer
type Block = []byte

const BlockSize uint64 = 4096

// Disk provides access to a logical block-based disk
type Disk interface {
	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block)

	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) Block

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block)

	// Size reports how big the disk is, in blocks
	Size() uint64

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be
	// durably on disk
	Barrier()

	// Close releases any resources used by the disk and makes it
	// unusable.
	Close()
}

// AlignedBlock allocates a zeroed block suitable for O_DIRECT I/O.
// Safe to call from any goroutine.
func AlignedBlock() Block {
	return directio.AlignedBlock(int(BlockSize))
}
