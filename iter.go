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

// Iterator is a forward-only cursor over the elements of a Map. It walks the
// slots of one shard and, on exhausting them, advances to the next non-empty
// shard. The position is held as a shard index and a slot index (never raw
// pointers), so exhaustion checks are explicit bounds comparisons.
//
// An Iterator is a weak reference: it owns no element data and holds no
// lock. Any mutation of the shard it points into invalidates it, and
// dereferencing an invalidated or exhausted iterator is a programmer error.
// Iteration order is arbitrary and not stable across mutations.
//
// The zero value is the exhausted iterator.
type Iterator[K comparable, V any] struct {
	m     *Map[K, V]
	shard int
	slot  uintptr
}

// Valid reports whether the iterator is positioned at an element. The
// exhausted iterator (and the zero value) is not valid, and compares equal
// to every other exhausted iterator.
func (it *Iterator[K, V]) Valid() bool {
	return it.m != nil
}

// Key returns the key of the element the iterator is positioned at.
func (it *Iterator[K, V]) Key() K {
	if invariants {
		it.assertValid()
	}
	return it.m.shards[it.shard].slots.At(it.slot).key
}

// Value returns the value of the element the iterator is positioned at.
func (it *Iterator[K, V]) Value() V {
	if invariants {
		it.assertValid()
	}
	return it.m.shards[it.shard].slots.At(it.slot).value
}

// Next advances the iterator to the next element, moving to the next
// non-empty shard when the current shard's slots are exhausted, and to the
// exhausted state after the last element. The iterator must be valid.
func (it *Iterator[K, V]) Next() {
	if !it.Valid() {
		panic("shardmap: Next on an exhausted Iterator")
	}
	it.slot++
	it.skipEmpty()
}

// Equal reports whether two iterators are the same position: the same slot
// of the same shard of the same map, or both exhausted.
func (it *Iterator[K, V]) Equal(other Iterator[K, V]) bool {
	if it.m == nil || other.m == nil {
		return it.m == other.m
	}
	return it.m == other.m && it.shard == other.shard && it.slot == other.slot
}

// skipEmpty advances past non-full slots, hopping to the next shard each
// time the current one is exhausted, and marks the iterator exhausted after
// the last shard.
func (it *Iterator[K, V]) skipEmpty() {
	for it.m != nil {
		t := &it.m.shards[it.shard].table
		for ; it.slot < t.capacity; it.slot++ {
			// Full slots have a high bit of zero.
			if (*t.ctrls.At(it.slot) & ctrlEmpty) != ctrlEmpty {
				return
			}
		}
		it.shard++
		it.slot = 0
		if it.shard >= len(it.m.shards) {
			it.m = nil
		}
	}
}

func (it *Iterator[K, V]) assertValid() {
	if !it.Valid() {
		panic("shardmap: dereference of an exhausted Iterator")
	}
	c := *it.m.shards[it.shard].ctrls.At(it.slot)
	if (c & ctrlEmpty) == ctrlEmpty {
		panic("shardmap: dereference of an invalidated Iterator")
	}
}
