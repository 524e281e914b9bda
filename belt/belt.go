// Package belt implements the ConveyorBelt item-transport model: a
// fixed-capacity array of cells that moves at most one item per cell
// per tick, optionally pulling from an upstream belt.
package belt

import (
	"fmt"

	"lineserver/item"
)

// ConveyorBelt is an ordered fixed-capacity cell array transporting
// opaque items at a per-cell tick speed. It may pull from an upstream
// belt named by InputID.
//
// Invariants: no cell holds more than one item; an item at index i
// only advances to i+1 when i+1 is empty; index 0 is the sole
// insertion point (PushItem); index Capacity()-1 is the sole
// extraction point (PullItem).
type ConveyorBelt struct {
	id          string
	capacity    int
	cells       []*item.Item
	beltSpeedUs int64
	inputID     string
}

// New constructs a belt with the given id, capacity (>=1), per-cell
// tick speed in microseconds, and optional upstream belt id ("" for none).
func New(id string, capacity int, beltSpeedUs int64, inputID string) (*ConveyorBelt, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("belt %q: capacity must be >= 1, got %d", id, capacity)
	}
	return &ConveyorBelt{
		id:          id,
		capacity:    capacity,
		cells:       make([]*item.Item, capacity),
		beltSpeedUs: beltSpeedUs,
		inputID:     inputID,
	}, nil
}

// ID returns the belt's identity.
func (b *ConveyorBelt) ID() string { return b.id }

// Capacity returns the fixed number of cells.
func (b *ConveyorBelt) Capacity() int { return b.capacity }

// InputID returns the upstream belt id, or "" if this belt has no upstream.
func (b *ConveyorBelt) InputID() string { return b.inputID }

// IsHeadOccupied reports whether cell 0 holds an item.
func (b *ConveyorBelt) IsHeadOccupied() bool {
	return b.cells[0] != nil
}

// IsTailOccupied reports whether the tail cell holds an item.
func (b *ConveyorBelt) IsTailOccupied() bool {
	return b.cells[b.capacity-1] != nil
}

// OccupiedCount returns the number of cells currently holding an item.
func (b *ConveyorBelt) OccupiedCount() int {
	n := 0
	for _, c := range b.cells {
		if c != nil {
			n++
		}
	}
	return n
}

// PushItem places a new item in cell 0 if it is empty.
func (b *ConveyorBelt) PushItem() bool {
	if b.cells[0] != nil {
		return false
	}
	b.cells[0] = item.New(b.beltSpeedUs)
	return true
}

// PullItem removes the item in the tail cell if present.
func (b *ConveyorBelt) PullItem() bool {
	tail := b.capacity - 1
	if b.cells[tail] == nil {
		return false
	}
	b.cells[tail] = nil
	return true
}

// TakeInput hands an item from upstream's tail cell into this belt's
// head cell, when this belt's head is empty and upstream's tail is
// occupied. It is the single point of inter-belt coupling and must be
// called before Advance within a tick, so a single-cell move can
// propagate through a chain of belts without starvation oscillation.
func (b *ConveyorBelt) TakeInput(upstream *ConveyorBelt) bool {
	if upstream == nil || b.cells[0] != nil || !upstream.IsTailOccupied() {
		return false
	}
	if !upstream.PullItem() {
		return false
	}
	return b.PushItem()
}

// Advance moves items one cell toward the tail, in index order: an
// idle item at i whose successor is empty starts moving; a moving item
// accumulates deltaUs and, on reaching its tick speed, steps into i+1.
func (b *ConveyorBelt) Advance(deltaUs int64) {
	for i := 0; i < b.capacity-1; i++ {
		it := b.cells[i]
		if it == nil {
			continue
		}
		if !it.IsMoving {
			if b.cells[i+1] == nil {
				it.IsMoving = true
				it.MovementClockUs = 0
			}
			continue
		}
		it.MovementClockUs += deltaUs
		if it.MovementClockUs >= it.TickSpeedUs {
			b.cells[i+1] = it
			b.cells[i] = nil
			it.IsMoving = false
			it.MovementClockUs = 0
		}
	}
}
