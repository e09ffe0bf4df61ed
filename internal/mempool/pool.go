// Package mempool provides the fixed-block envelope pools backing dynamic
// event allocation.
package mempool

import (
	"fmt"

	"github.com/kestrelworks/embus/core/events"
)

// HeaderSize is the per-block byte overhead reserved for the envelope header.
// Pool block sizes are expressed header-inclusive, so a block of size N serves
// payloads up to N - HeaderSize bytes.
const HeaderSize = 32

// minBlockSize preserves the freelist-link width check from the block layout:
// a block must at least hold the header and one link-sized word.
const minBlockSize = HeaderSize + 8

// IntegrityInfo reports the internal accounting of a pool after a free-list
// walk.
type IntegrityInfo struct {
	Name              string
	BlockSize         int
	BlockCount        int
	InUse             int
	HighWater         int
	FreeListLength    int
	UnlinkedRemaining int
}

// pool is one fixed-block allocator. All mutation runs under the owning Set's
// mutex; pool itself is not safe for concurrent use.
type pool struct {
	name       string
	class      events.AllocClass
	blockSize  int
	payloadCap int

	blocks []events.Message
	links  []int32
	freed  []bool

	freeHead int32
	unlinked int
	inUse    int
	high     int
}

func newPool(name string, class events.AllocClass, blockSize, blockCount int) (*pool, error) {
	if blockSize < minBlockSize {
		return nil, fmt.Errorf("mempool: %s block size %d below minimum %d", name, blockSize, minBlockSize)
	}
	if blockCount <= 0 {
		return nil, fmt.Errorf("mempool: %s block count %d must be positive", name, blockCount)
	}

	p := new(pool)
	p.name = name
	p.class = class
	p.blockSize = blockSize
	p.payloadCap = blockSize - HeaderSize
	p.blocks = make([]events.Message, blockCount)
	p.links = make([]int32, blockCount)
	p.freed = make([]bool, blockCount)
	p.freeHead = -1
	p.unlinked = blockCount
	for i := range p.links {
		p.links[i] = -1
	}
	return p, nil
}

// alloc returns one block or nil. Blocks never yet allocated are handed out
// first, from a shrinking unlinked prefix; only previously freed blocks travel
// the free list. That defers freelist link writes until a block has actually
// cycled once.
func (p *pool) alloc() *events.Message {
	var idx int32
	switch {
	case p.unlinked > 0:
		idx = int32(len(p.blocks) - p.unlinked)
		p.unlinked--
		msg := &p.blocks[idx]
		msg.Payload = make([]byte, 0, p.payloadCap)
	case p.freeHead >= 0:
		idx = p.freeHead
		p.freeHead = p.links[idx]
		p.links[idx] = -1
		p.freed[idx] = false
	default:
		return nil
	}

	p.inUse++
	if p.inUse > p.high {
		p.high = p.inUse
	}

	msg := &p.blocks[idx]
	msg.BindPool(p.class, idx)
	return msg
}

// free pushes the block back onto the free list. The caller must hand back a
// block that belongs to this pool; anything else is a contract violation.
func (p *pool) free(msg *events.Message) {
	idx := msg.PoolIndex()
	if idx < 0 || int(idx) >= len(p.blocks) || &p.blocks[idx] != msg {
		panic(fmt.Sprintf("mempool: %s free of foreign block (index %d)", p.name, idx))
	}
	if p.freed[idx] {
		panic(fmt.Sprintf("mempool: %s double free of block %d", p.name, idx))
	}

	msg.Reset()
	p.links[idx] = p.freeHead
	p.freeHead = idx
	p.freed[idx] = true
	p.inUse--
}

// integrity walks the free list, verifies every link lies inside the pool,
// and checks the two-generation accounting:
// initial - in_use == free_list_length + unlinked_remaining.
func (p *pool) integrity(info *IntegrityInfo) bool {
	freeLen := 0
	for idx := p.freeHead; idx >= 0; idx = p.links[idx] {
		if int(idx) >= len(p.blocks) {
			return false
		}
		freeLen++
		if freeLen > len(p.blocks) {
			// Longer than the pool itself: a corrupt or cyclic list.
			return false
		}
	}

	if info != nil {
		info.Name = p.name
		info.BlockSize = p.blockSize
		info.BlockCount = len(p.blocks)
		info.InUse = p.inUse
		info.HighWater = p.high
		info.FreeListLength = freeLen
		info.UnlinkedRemaining = p.unlinked
	}

	return len(p.blocks)-p.inUse == freeLen+p.unlinked
}
