package metadata

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// SlotKind identifies the shape of the records a carved block holds
type SlotKind uint32

const (
	SlotKindNumber SlotKind = iota
	SlotKindChunk
)

var slotKindMapping = map[SlotKind]string{
	SlotKindNumber: "Number",
	SlotKindChunk:  "Chunk",
}

func (k SlotKind) String() string {
	return slotKindMapping[k]
}

// SlotBitmap is the collector-side view of a block that has been carved into equally sized slots.
// One bit per slot records whether the slot is live, and a second bit set records which slots
// require write barrier tracking.
type SlotBitmap struct {
	blockSize int
	slotSize  int
	kind      SlotKind

	live    []uint64
	barrier []uint64
}

// NewSlotBitmap carves a block of blockSize bytes into slots of slotSize bytes. Trailing bytes that
// do not make up a full slot are never considered live.
func NewSlotBitmap(blockSize, slotSize int, kind SlotKind) (*SlotBitmap, error) {
	if slotSize <= 0 || slotSize > blockSize {
		return nil, errors.Newf("slot size %d is invalid for a block of size %d", slotSize, blockSize)
	}

	slotCount := blockSize / slotSize
	words := (slotCount + 63) / 64
	return &SlotBitmap{
		blockSize: blockSize,
		slotSize:  slotSize,
		kind:      kind,
		live:      make([]uint64, words),
		barrier:   make([]uint64, words),
	}, nil
}

func (b *SlotBitmap) BlockSize() int { return b.blockSize }
func (b *SlotBitmap) SlotSize() int  { return b.slotSize }
func (b *SlotBitmap) Kind() SlotKind { return b.kind }
func (b *SlotBitmap) SlotCount() int { return b.blockSize / b.slotSize }

func (b *SlotBitmap) slotRange(offset, size int) (int, int, error) {
	if offset < 0 || size < 0 || offset+size > b.blockSize {
		return 0, 0, errors.Newf("range [%d, %d) is outside a block of size %d", offset, offset+size, b.blockSize)
	}
	if offset%b.slotSize != 0 {
		return 0, 0, errors.Newf("offset %d is not aligned to the slot size %d", offset, b.slotSize)
	}

	first := offset / b.slotSize
	last := first + size/b.slotSize
	if last > b.SlotCount() {
		last = b.SlotCount()
	}
	return first, last, nil
}

func setBits(words []uint64, first, last int) {
	for slot := first; slot < last; slot++ {
		words[slot/64] |= 1 << (slot % 64)
	}
}

func testBit(words []uint64, slot int) bool {
	return words[slot/64]&(1<<(slot%64)) != 0
}

// MarkLive marks every whole slot in [offset, offset+size) as live
func (b *SlotBitmap) MarkLive(offset, size int) error {
	first, last, err := b.slotRange(offset, size)
	if err != nil {
		return err
	}
	setBits(b.live, first, last)
	return nil
}

// SetWriteBarrier marks every whole slot in [offset, offset+size) as requiring write barrier tracking
func (b *SlotBitmap) SetWriteBarrier(offset, size int) error {
	first, last, err := b.slotRange(offset, size)
	if err != nil {
		return err
	}
	setBits(b.barrier, first, last)
	return nil
}

// IsLive returns whether the slot containing offset is live
func (b *SlotBitmap) IsLive(offset int) bool {
	if offset < 0 || offset >= b.SlotCount()*b.slotSize {
		return false
	}
	return testBit(b.live, offset/b.slotSize)
}

// HasWriteBarrier returns whether the slot containing offset requires write barrier tracking
func (b *SlotBitmap) HasWriteBarrier(offset int) bool {
	if offset < 0 || offset >= b.SlotCount()*b.slotSize {
		return false
	}
	return testBit(b.barrier, offset/b.slotSize)
}

func countBits(words []uint64) int {
	count := 0
	for _, word := range words {
		count += bits.OnesCount64(word)
	}
	return count
}

func (b *SlotBitmap) LiveCount() int    { return countBits(b.live) }
func (b *SlotBitmap) BarrierCount() int { return countBits(b.barrier) }

func (b *SlotBitmap) Validate() error {
	slotCount := b.SlotCount()
	for slot := slotCount; slot < len(b.live)*64; slot++ {
		if testBit(b.live, slot) || testBit(b.barrier, slot) {
			return errors.Newf("bit for nonexistent slot %d is set in a block with %d slots", slot, slotCount)
		}
	}
	for slot := 0; slot < slotCount; slot++ {
		if testBit(b.barrier, slot) && !testBit(b.live, slot) {
			return errors.Newf("slot %d has a write barrier but is not live", slot)
		}
	}
	return nil
}

func (b *SlotBitmap) BlockJsonData(json jwriter.ObjectState) {
	json.Name("Kind").String(b.kind.String())
	json.Name("SlotSize").Int(b.slotSize)
	json.Name("Slots").Int(b.SlotCount())
	json.Name("Live").Int(b.LiveCount())
	json.Name("WriteBarrier").Int(b.BarrierCount())
}
