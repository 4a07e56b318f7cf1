// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shardmap

import (
	"fmt"
	"math/bits"
	"unsafe"
)

const (
	groupSize       = 8
	maxAvgGroupLoad = 7

	ctrlEmpty    ctrl = 0b10000000
	ctrlDeleted  ctrl = 0b11111110
	ctrlSentinel ctrl = 0b11111111

	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Key returns the slot's key.
func (s *Slot[K, V]) Key() K { return s.key }

// Value returns the slot's value.
func (s *Slot[K, V]) Value() V { return s.value }

// table is a single-threaded open-addressing hash table in the Swiss Table
// style: a control byte per slot, SWAR group matching, and a triangular probe
// sequence over groups. It is the embedded table held by each shard of a
// Map. A table never hashes a key itself; every operation takes the caller's
// already-computed hash so that the sharded layer hashes each key exactly
// once.
//
// The layout is capacity slots where capacity+1 is a power of 2, plus
// capacity+groupSize control bytes. Ctrls[capacity] is always ctrlSentinel
// which terminates probe iteration, and the first groupSize-1 control bytes
// are mirrored into the tail so that an unaligned group load near the end of
// the array sees valid bytes.
//
// Deletion uses tombstones (ctrlDeleted), downgraded to empty when the slot
// provably was never part of a full group (see wasNeverFull). Tables rehash
// in place when enough tombstones can be reclaimed, and otherwise resize by
// doubling.
type table[K comparable, V any] struct {
	// ctrls is capacity+groupSize in length. When the table is empty, ctrls
	// points at emptyCtrls which is never modified; growthLeft==0 forces a
	// resize before the first insert.
	ctrls unsafeSlice[ctrl]
	// slots is capacity in length.
	slots unsafeSlice[Slot[K, V]]
	// The total number of slots (always 2^N-1). Used as a mask to compute
	// i%N with a bitwise AND.
	capacity uintptr
	// The number of filled slots.
	used int
	// The number of slots that can be filled before the next rehash.
	// Tombstones are excluded so that a table full of tombstones still
	// triggers a rehash rather than unbounded probe lengths.
	growthLeft int
}

// find returns the index of key in the table, or ok=false if no slot holds
// an equal key. h must be the table's hash of key.
func (t *table[K, V]) find(h uintptr, key K) (i uintptr, ok bool) {
	// We walk the probe sequence of groups derived from h1(h). In each group
	// we candidate-match the 7-bit h2(h) against the control bytes and
	// compare keys only on the (rare) h2 matches. An empty slot anywhere in
	// a group terminates the search: an insert of key would have used it.
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))
		for match != 0 {
			bit := match.next()
			i = seq.offsetAt(bit)
			if key == t.slots.At(i).key {
				return i, true
			}
			match = match.clear(bit)
		}
		if g.matchEmpty() != 0 {
			return 0, false
		}
	}
}

// findEquivalent is find generalized over an equality predicate instead of
// the key itself. It powers heterogeneous lookup: eq is handed each
// candidate stored key whose h2 matches, and h must equal the table's hash
// of any key for which eq returns true.
func (t *table[K, V]) findEquivalent(h uintptr, eq func(K) bool) (i uintptr, ok bool) {
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))
		for match != 0 {
			bit := match.next()
			i = seq.offsetAt(bit)
			if eq(t.slots.At(i).key) {
				return i, true
			}
			match = match.clear(bit)
		}
		if g.matchEmpty() != 0 {
			return 0, false
		}
	}
}

// findOrPrepareInsert returns the index of key if present. Otherwise it
// claims a slot for key (rehashing or resizing first if the table is at its
// growth limit), stores the key, marks the control byte, and returns the new
// index with inserted=true. The slot's value is left untouched: the caller
// decides whether and what to write, which is what lets insert-never-
// overwrites and insert-or-assign share this path.
func (t *table[K, V]) findOrPrepareInsert(m *Map[K, V], h uintptr, key K) (i uintptr, inserted bool) {
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))
		for match != 0 {
			bit := match.next()
			i = seq.offsetAt(bit)
			if key == t.slots.At(i).key {
				return i, false
			}
			match = match.clear(bit)
		}
		if g.matchEmpty() != 0 {
			if t.growthLeft == 0 {
				t.rehash(m)
			}
			i = t.uncheckedInsert(h, key)
			t.used++
			return i, true
		}
	}
}

// uncheckedInsert claims a slot for a key known not to be in the table and
// returns its index. The table must have growth capacity remaining
// (violating this will loop forever looking for an empty slot).
func (t *table[K, V]) uncheckedInsert(h uintptr, key K) uintptr {
	// Find the first group with an unoccupied (empty or deleted) slot and
	// claim the first such slot in it.
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		if match := g.matchEmptyOrDeleted(); match != 0 {
			i := seq.offsetAt(match.next())
			t.slots.At(i).key = key
			if *t.ctrls.At(i) == ctrlEmpty {
				t.growthLeft--
			}
			t.setCtrl(i, ctrl(h2(h)))
			return i
		}
	}
}

// erase removes the slot at index i, which must be full. The slot is zeroed
// so that the GC does not see stale keys or values.
func (t *table[K, V]) erase(i uintptr) {
	*t.slots.At(i) = Slot[K, V]{}
	t.used--

	// A deleted slot normally becomes a tombstone so that probe sequences
	// passing through it keep going. If the slot provably was never part of
	// a full group, no probe sequence can depend on it and it can revert to
	// empty, returning capacity to the table.
	if t.wasNeverFull(i) {
		t.setCtrl(i, ctrlEmpty)
		t.growthLeft++
	} else {
		t.setCtrl(i, ctrlDeleted)
	}
}

// extract removes the slot at index i, which must be full, and returns its
// contents. Identical to erase except that the key and value are moved out
// rather than discarded.
func (t *table[K, V]) extract(i uintptr) Slot[K, V] {
	s := *t.slots.At(i)
	t.erase(i)
	return s
}

// clear removes every element, retaining the current capacity.
func (t *table[K, V]) clear() {
	if t.capacity == 0 {
		return
	}
	for i := uintptr(0); i < t.capacity+groupSize; i++ {
		*t.ctrls.At(i) = ctrlEmpty
	}
	*t.ctrls.At(t.capacity) = ctrlSentinel
	for i := uintptr(0); i < t.capacity; i++ {
		*t.slots.At(i) = Slot[K, V]{}
	}
	t.used = 0
	t.growthLeft = capacityGrowth(t.capacity)
}

// wasNeverFull returns true if index i was never part of a full group. See
// the comment in erase.
func (t *table[K, V]) wasNeverFull(i uintptr) bool {
	if t.capacity < groupSize {
		// The table fits entirely in a single group so we will never probe
		// beyond this group.
		return true
	}

	// Count the consecutive non-empty control bytes to the left and right of
	// i. If the sum reaches groupSize then some probe window overlapping i
	// may have seen a full group, and a probe sequence may depend on i being
	// non-empty to keep going.
	indexBefore := (i - groupSize) & t.capacity
	emptyAfter := t.ctrls.At(i).matchEmpty()
	emptyBefore := t.ctrls.At(indexBefore).matchEmpty()
	if emptyBefore != 0 && emptyAfter != 0 &&
		((bits.TrailingZeros64(uint64(emptyAfter))>>3)+
			(bits.LeadingZeros64(uint64(emptyBefore))>>3)) < groupSize {
		return true
	}
	return false
}

// rehash grows or compacts the table to make room for at least one more
// insert. Rehashing in place is preferred when >= 1/3 of the capacity is
// recoverable from tombstones; the common case there is that elements stay
// where they are, so the cost is dominated by recomputing hashes.
func (t *table[K, V]) rehash(m *Map[K, V]) {
	recoverable := (t.capacity*maxAvgGroupLoad)/groupSize - uintptr(t.used)
	if t.capacity > groupSize && recoverable >= t.capacity/3 {
		t.rehashInPlace(m)
	} else {
		t.resize(m, 2*t.capacity+1)
	}
}

// rehashCapacity resizes the table so that its capacity is at least n slots,
// and never less than what the current elements require at the maximum load
// factor. A no-op if the normalized target equals the current capacity.
func (t *table[K, V]) rehashCapacity(m *Map[K, V], n uintptr) {
	if need := growthToLowerBoundCapacity(uintptr(t.used)); n < need {
		n = need
	}
	if n == 0 {
		return
	}
	// The smallest value of the form 2^k-1 that is >= n.
	target := (uintptr(1) << bits.Len(uint(n))) - 1
	if target != t.capacity {
		t.resize(m, target)
	}
}

// resize reallocates the backing arrays at newCapacity and re-inserts every
// element. No insertion can find a duplicate, so the unchecked path is used
// throughout.
func (t *table[K, V]) resize(m *Map[K, V], newCapacity uintptr) {
	if (1 + newCapacity) < groupSize {
		newCapacity = groupSize - 1
	}

	oldCtrls, oldSlots := t.ctrls, t.slots
	t.slots = makeUnsafeSlice(m.allocator.AllocSlots(int(newCapacity)))
	t.ctrls = makeUnsafeSlice(unsafeConvertSlice[ctrl](
		m.allocator.AllocControls(int(newCapacity + groupSize))))
	for i := uintptr(0); i < newCapacity+groupSize; i++ {
		*t.ctrls.At(i) = ctrlEmpty
	}
	*t.ctrls.At(newCapacity) = ctrlSentinel

	oldCapacity := t.capacity
	t.capacity = newCapacity
	t.growthLeft = capacityGrowth(newCapacity)

	for i := uintptr(0); i < oldCapacity; i++ {
		c := *oldCtrls.At(i)
		if c == ctrlEmpty || c == ctrlDeleted {
			continue
		}
		s := oldSlots.At(i)
		h := m.hashKey(&s.key)
		j := t.uncheckedInsert(h, s.key)
		t.slots.At(j).value = s.value
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots.Slice(0, oldCapacity))
		m.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls.Slice(0, oldCapacity+groupSize)))
	}
}

// rehashInPlace drops all tombstones, moving elements only when their
// natural probe position is available. We first mark every DELETED control
// byte as EMPTY and every FULL one as DELETED: the former drops the
// tombstones (breaking the probe invariant), the latter marks the slots
// whose elements must be re-placed to restore it.
func (t *table[K, V]) rehashInPlace(m *Map[K, V]) {
	for i := uintptr(0); i < t.capacity; i += groupSize {
		t.ctrls.At(i).convertNonFullToEmptyAndFullToDeleted()
	}

	// Fix up the mirrored control bytes and the sentinel.
	for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
		*t.ctrls.At(((i - (groupSize - 1)) & t.capacity) + (groupSize - 1)) = *t.ctrls.At(i)
	}
	*t.ctrls.At(t.capacity) = ctrlSentinel

	// Walk the DELETED (previously full) slots and find each element the
	// first group in its probe chain with a free slot. Invariant: there are
	// no DELETED slots in [0, i). An element may move into [0, i), but no
	// slot in [0, i) is ever set to DELETED.
	for i := uintptr(0); i < t.capacity; i++ {
		if *t.ctrls.At(i) != ctrlDeleted {
			continue
		}

		s := t.slots.At(i)
		h := m.hashKey(&s.key)
		seq := makeProbeSeq(h1(h), t.capacity)
		desired := seq

		probeIndex := func(pos uintptr) uintptr {
			return ((pos - desired.offset) & t.capacity) / groupSize
		}

		var target uintptr
		for ; ; seq = seq.next() {
			g := t.ctrls.At(seq.offset)
			if match := g.matchEmptyOrDeleted(); match != 0 {
				target = seq.offsetAt(match.next())
				break
			}
		}

		if i == target || probeIndex(i) == probeIndex(target) {
			// The element already falls in its best probe position.
			t.setCtrl(i, ctrl(h2(h)))
			continue
		}

		if *t.ctrls.At(target) == ctrlEmpty {
			// Transfer the element to the empty slot.
			t.setCtrl(target, ctrl(h2(h)))
			*t.slots.At(target) = *t.slots.At(i)
			*t.slots.At(i) = Slot[K, V]{}
			t.setCtrl(i, ctrlEmpty)
			continue
		}

		if *t.ctrls.At(target) == ctrlDeleted {
			// The target slot holds another displaced element. Swap and
			// re-process index i, which now holds that element.
			t.setCtrl(target, ctrl(h2(h)))
			u := t.slots.At(target)
			*s, *u = *u, *s
			i--
			continue
		}

		panic(fmt.Sprintf("shardmap: ctrl at position %d (%02x) should be empty or deleted",
			target, *t.ctrls.At(target)))
	}

	t.growthLeft = capacityGrowth(t.capacity) - t.used
}

// setCtrl sets the control byte at index i, mirroring it to the end of the
// control byte array if i < groupSize-1. The mirroring is done
// unconditionally, which is faster than a comparison: for i in
// [groupSize-1, capacity) the second store is the identity.
func (t *table[K, V]) setCtrl(i uintptr, v ctrl) {
	*t.ctrls.At(i) = v
	*t.ctrls.At(((i - (groupSize - 1)) & t.capacity) + (groupSize - 1)) = v
}

// prefetch touches the control group at the start of h's probe sequence,
// pulling it toward the CPU cache ahead of a find or insert with the same
// hash. Purely a performance hint.
func (t *table[K, V]) prefetch(h uintptr) {
	if t.capacity == 0 {
		return
	}
	seq := makeProbeSeq(h1(h), t.capacity)
	_ = *t.ctrls.At(seq.offset)
}

// capacityGrowth returns the number of elements a table of the given
// capacity may hold before it must rehash: all but one slot for tables that
// fit in a single group (an empty slot is needed to terminate finds), and a
// 7/8 load factor otherwise.
func capacityGrowth(capacity uintptr) int {
	if capacity < groupSize {
		return int(capacity - 1)
	}
	return int((capacity * maxAvgGroupLoad) / groupSize)
}

// growthToLowerBoundCapacity returns the minimum capacity able to hold n
// elements without rehashing, the inverse of capacityGrowth.
func growthToLowerBoundCapacity(n uintptr) uintptr {
	if n == 0 {
		return 0
	}
	if n < groupSize {
		return n + 1
	}
	return (n*groupSize + maxAvgGroupLoad - 1) / maxAvgGroupLoad
}

type bitset uint64

func (b bitset) next() uintptr {
	return uintptr(bits.TrailingZeros64(uint64(b))) >> 3
}

func (b bitset) clear(i uintptr) bitset {
	return b &^ (bitset(0x80) << (i << 3))
}

// Each slot in the hash table has a control byte which can have one of four
// states: empty, deleted, full and the sentinel. They have the following bit
// patterns:
//
//	   empty: 1 0 0 0 0 0 0 0
//	 deleted: 1 1 1 1 1 1 1 0
//	    full: 0 h h h h h h h  // h represents the H2 hash bits
//	sentinel: 1 1 1 1 1 1 1 1
type ctrl uint8

var emptyCtrls = func() unsafeSlice[ctrl] {
	v := make([]ctrl, groupSize)
	for i := range v {
		v[i] = ctrlEmpty
	}
	return makeUnsafeSlice(v)
}()

// matchH2 returns a bitset where each byte is 0x80 if the corresponding
// control byte equals the 7-bit hash fragment h.
func (c *ctrl) matchH2(h uintptr) bitset {
	// NB: This SWAR routine produces false positive matches when h is 2^N
	// and the control bytes contain 2^N followed by 2^N+1. The false
	// positives only occur when there is also a real match, never on
	// ctrlEmpty, ctrlDeleted, or ctrlSentinel, and the subsequent key
	// comparison makes them harmless.
	v := *(*uint64)((unsafe.Pointer)(c)) ^ (bitsetLSB * uint64(h))
	return bitset(((v - bitsetLSB) &^ v) & bitsetMSB)
}

// matchEmpty returns a bitset where each byte is 0x80 if that control byte
// indicates an empty slot (and 0x00 otherwise).
func (c *ctrl) matchEmpty() bitset {
	v := *(*uint64)((unsafe.Pointer)(c))
	// An empty slot is              1000 0000
	// A deleted or sentinel slot is 1111 111?
	// A slot is empty iff bit 7 is set and bit 1 is not.
	return bitset((v &^ (v << 6)) & bitsetMSB)
}

// matchEmptyOrDeleted returns a bitset where each byte is 0x80 if that
// control byte indicates an empty or deleted slot (and 0x00 otherwise).
func (c *ctrl) matchEmptyOrDeleted() bitset {
	// An empty slot is  1000 0000.
	// A deleted slot is 1111 1110.
	// The sentinel is   1111 1111.
	// A slot is empty or deleted iff bit 7 is set and bit 0 is not.
	v := *(*uint64)((unsafe.Pointer)(c))
	return bitset((v &^ (v << 7)) & bitsetMSB)
}

// convertNonFullToEmptyAndFullToDeleted converts deleted or sentinel control
// bytes in a group to empty control bytes, and control bytes indicating full
// slots to deleted control bytes.
func (c *ctrl) convertNonFullToEmptyAndFullToDeleted() {
	// An empty slot is     1000 0000
	// A deleted slot is    1111 1110
	// The sentinel slot is 1111 1111
	// A full slot is       0??? ????
	//
	// Select the MSB, invert, add 1 if the MSB was set, and zero out the low
	// bit:
	//
	//  - if the MSB was set (empty, deleted, or sentinel):
	//     v:             1000 0000
	//     ^v:            0111 1111
	//     ^v + (v >> 7): 1000 0000
	//     &^ bitsetLSB:  1000 0000  = empty slot.
	//
	//  - if the MSB was not set (full):
	//     v:             0000 0000
	//     ^v:            1111 1111
	//     ^v + (v >> 7): 1111 1111
	//     &^ bitsetLSB:  1111 1110 = deleted slot.
	p := (*uint64)((unsafe.Pointer)(c))
	v := *p & bitsetMSB
	*p = (^v + (v >> 7)) &^ bitsetLSB
}

// probeSeq maintains the state for a probe sequence: a triangular
// progression of the form
//
//	p(i) := groupSize * (i^2 + i)/2 + hash (mod mask+1)
//
// The use of groupSize ensures that each probe step does not overlap groups;
// the sequence effectively outputs the addresses of *groups* (although not
// necessarily aligned to any boundary).
//
// Wrapping at mask+1 matters because the first few control bytes are
// mirrored at the end of the array: a group loaded there sees valid control
// bytes, but the candidate slot offsets it produces must wrap around to the
// real slots.
//
// The sequence visits every group exactly once when the number of groups is
// a power of two, since (i^2+i)/2 is a bijection in Z/(2^m). See
// https://en.wikipedia.org/wiki/Quadratic_probing
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index += groupSize
	s.offset = (s.offset + s.index) & s.mask
	return s
}

func (s probeSeq) offsetAt(i uintptr) uintptr {
	return (s.offset + i) & s.mask
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

// Extracts the H1 portion of a hash: the 57 upper bits.
func h1(h uintptr) uintptr {
	return h >> 7
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uintptr) uintptr {
	return h & 0x7f
}

// noescape hides a pointer from escape analysis. noescape is the identity
// function but escape analysis doesn't think the output depends on the
// input. noescape is inlined and currently compiles down to zero
// instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
