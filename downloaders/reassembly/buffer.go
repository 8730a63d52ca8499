// Package reassembly turns items arriving in any order into a gap-free
// ordered stream.
package reassembly

import (
	"fmt"

	"github.com/celestiaorg/chainsync/downloaders"
)

// Buffer holds out-of-order items keyed by position and releases maximal
// contiguous runs starting at its cursor.
//
// Every position below the cursor has already been released. The buffer never
// holds more than capacity items.
//
// A Buffer is owned by a single goroutine and is not safe for concurrent use.
type Buffer[T any] struct {
	items    map[uint64]T
	cursor   uint64
	capacity int
}

// New returns an empty buffer whose first expected position is cursor.
func New[T any](cursor uint64, capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("reassembly buffer capacity must be positive, got %d", capacity))
	}
	return &Buffer[T]{
		items:    make(map[uint64]T, capacity),
		cursor:   cursor,
		capacity: capacity,
	}
}

// Insert adds item at pos. Duplicate positions and positions below the cursor
// are dropped silently. downloaders.ErrBufferFull is returned when the buffer
// already holds capacity items; nothing is dropped or overwritten in that
// case.
func (b *Buffer[T]) Insert(pos uint64, item T) error {
	if pos < b.cursor {
		return nil
	}
	if _, exists := b.items[pos]; exists {
		return nil
	}
	if len(b.items) >= b.capacity {
		return fmt.Errorf("insert at %d with %d/%d buffered: %w", pos, len(b.items), b.capacity, downloaders.ErrBufferFull)
	}
	b.items[pos] = item
	return nil
}

// DrainContiguous removes and returns the items at cursor, cursor+1, ... up to
// the first missing position, advancing the cursor past them. It returns nil
// when the item at the cursor has not arrived yet.
func (b *Buffer[T]) DrainContiguous() []T {
	return b.DrainWhile(nil)
}

// DrainWhile is like DrainContiguous but also stops before the first item for
// which accept returns false. That item stays buffered. A nil accept accepts
// everything.
func (b *Buffer[T]) DrainWhile(accept func(pos uint64, item T) bool) []T {
	var out []T
	for {
		item, ok := b.items[b.cursor]
		if !ok {
			return out
		}
		if accept != nil && !accept(b.cursor, item) {
			return out
		}
		delete(b.items, b.cursor)
		out = append(out, item)
		b.cursor++
	}
}

// Get returns the item buffered at pos.
func (b *Buffer[T]) Get(pos uint64) (T, bool) {
	item, ok := b.items[pos]
	return item, ok
}

// Remove drops the item at pos, if any.
func (b *Buffer[T]) Remove(pos uint64) bool {
	if _, ok := b.items[pos]; !ok {
		return false
	}
	delete(b.items, pos)
	return true
}

// Cursor returns the next position to be released.
func (b *Buffer[T]) Cursor() uint64 { return b.cursor }

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int { return len(b.items) }

// Reach returns the first position beyond what should be requested: items at
// [Cursor, Reach) always fit once everything before them has arrived.
func (b *Buffer[T]) Reach() uint64 { return b.cursor + uint64(b.capacity) }
