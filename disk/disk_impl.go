package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd        int
	numBlocks uint64
}

// NewFileDisk opens (creating if needed) a file-backed disk of
// numBlocks blocks.
func NewFileDisk(path string, numBlocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &fileDisk{fd: fd, numBlocks: numBlocks}, nil
}

func (d *fileDisk) ReadTo(a uint64, buf Block) {
	if uint64(len(buf)) != BlockSize {
		panic("buffer is not block-sized")
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	_, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		panic("read failed: " + err.Error())
	}
}

func (d *fileDisk) Read(a uint64) Block {
	buf := make(Block, BlockSize)
	d.ReadTo(a, buf)
	return buf
}

func (d *fileDisk) Write(a uint64, v Block) {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block sized (%d bytes)", len(v)))
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		panic("write failed: " + err.Error())
	}
}

func (d *fileDisk) Size() uint64 {
	return d.numBlocks
}

func (d *fileDisk) Barrier() {
	err := unix.Fsync(d.fd)
	if err != nil {
		panic("file sync failed: " + err.Error())
	}
}

func (d *fileDisk) Close() {
	err := unix.Close(d.fd)
	if err != nil {
		panic(err)
	}
}

var _ Disk = (*directDisk)(nil)

// directDisk bypasses the page cache with O_DIRECT. Buffers passed to
// ReadTo and Write must be aligned (use AlignedBlock).
type directDisk struct {
	f         *os.File
	numBlocks uint64
}

// NewDirectDisk opens a file-backed disk with O_DIRECT.
func NewDirectDisk(path string, numBlocks uint64) (Disk, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Mode().IsRegular() && uint64(stat.Size()) != numBlocks*BlockSize {
		if err := f.Truncate(int64(numBlocks * BlockSize)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &directDisk{f: f, numBlocks: numBlocks}, nil
}

func (d *directDisk) ReadTo(a uint64, buf Block) {
	if uint64(len(buf)) != BlockSize {
		panic("buffer is not block-sized")
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	_, err := d.f.ReadAt(buf, int64(a*BlockSize))
	if err != nil {
		panic("read failed: " + err.Error())
	}
}

func (d *directDisk) Read(a uint64) Block {
	buf := AlignedBlock()
	d.ReadTo(a, buf)
	return buf
}

func (d *directDisk) Write(a uint64, v Block) {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block sized (%d bytes)", len(v)))
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	_, err := d.f.WriteAt(v, int64(a*BlockSize))
	if err != nil {
		panic("write failed: " + err.Error())
	}
}

func (d *directDisk) Size() uint64 {
	return d.numBlocks
}

func (d *directDisk) Barrier() {
	if err := d.f.Sync(); err != nil {
		panic("file sync failed: " + err.Error())
	}
}

func (d *directDisk) Close() {
	if err := d.f.Close(); err != nil {
		panic(err)
	}
}

var _ Disk = memDisk{}

type memDisk struct {
	l      *sync.RWMutex
	blocks [][BlockSize]byte
}

// NewMemDisk allocates an in-memory disk of numBlocks zeroed blocks.
func NewMemDisk(numBlocks uint64) Disk {
	blocks := make([][BlockSize]byte, numBlocks)
	return memDisk{l: new(sync.RWMutex), blocks: blocks}
}

func (d memDisk) ReadTo(a uint64, buf Block) {
	d.l.RLock()
	defer d.l.RUnlock()
	if a >= uint64(len(d.blocks)) {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	copy(buf, d.blocks[a][:])
}

func (d memDisk) Read(a uint64) Block {
	buf := make(Block, BlockSize)
	d.ReadTo(a, buf)
	return buf
}

func (d memDisk) Write(a uint64, v Block) {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block-sized (%d bytes)", len(v)))
	}
	d.l.Lock()
	defer d.l.Unlock()
	if a >= uint64(len(d.blocks)) {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	copy(d.blocks[a][:], v)
}

func (d memDisk) Size() uint64 {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.blocks))
}

func (d memDisk) Barrier() {}

func (d memDisk) Close() {}
