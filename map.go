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

// Package shardmap provides a concurrency-safe hash map built from an array
// of Swiss Tables ("shards"), in the style of Abseil's parallel_hash_set.
// See https://abseil.io/about/design/swisstables for the underlying table
// design and https://greg7mdp.github.io/parallel-hashmap/ for the sharding
// idea.
//
// # Sharding
//
// A Map owns a fixed array of 2^N shards, where N is the shard exponent
// chosen at construction (at most 12, i.e. at most 4096 shards). Each shard
// pairs one mutex with one single-threaded open-addressing table. Every key
// is routed to exactly one shard by folding the high bits of its hash into
// the low bits:
//
//	shard(h) = (h ^ (h >> N)) & (2^N - 1)
//
// Using only the low N bits directly would correlate shard choice with bits
// that many hash functions mix poorly; the XOR fold spreads keys across
// shards regardless.
//
// Sharding buys two things over a single table. Under concurrent access,
// operations on different shards never contend: each operation locks only
// the shard (or, for two-table operations, the pair of shards) it touches.
// And growth is incremental: each shard resizes independently, so the peak
// memory of a resize is 1/2^N of what a monolithic table would need.
//
// # Consistency
//
// Per-key operations are serialized by the owning shard's lock. Whole-table
// reads (Len, Capacity, LoadFactor) visit shards one at a time, locking each
// briefly; under concurrent mutation they can return a value that was never
// true at any single instant. This is deliberate: the alternative is a
// global lock on every mutation. Treat these as best-effort under
// concurrency; they are exact when the map is quiescent.
//
// Iterators returned by Find and First hold no locks. They remain valid only
// until the next mutation of the shard they point into, the usual hash table
// contract. Use Get when a stable copy of the value is all that is needed.
package shardmap

import (
	"sync"
	"unsafe"
)

const (
	// maxShardExponent bounds the shard count; 2^12 = 4096 mutexes and
	// tables is already past the point of diminishing returns.
	maxShardExponent = 12

	defaultShardExponent = 4
)

// shard is one lockable partition of a Map: a mutex and the embedded table
// it guards. All keys stored in shard i satisfy shardIndex(hash(key)) == i.
type shard[K comparable, V any] struct {
	mu sync.Mutex
	table[K, V]
}

// Map is a concurrency-safe unordered map from keys to values, backed by
// 2^N independently locked Swiss Tables. The zero value for a Map is not
// usable; use New.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K, extracted from the Go
	// runtime's implementation of map[K]struct{} unless overridden by
	// WithHash.
	hash hashFn
	seed uintptr
	// The allocator used for every shard's control bytes and slots.
	allocator Allocator[K, V]
	shards    []shard[K, V]
	// shift is the shard exponent N; mask is 2^N - 1.
	shift uint
	mask  uintptr
}

// New constructs a Map with the specified initial capacity, spread evenly
// across its shards. If initialCapacity is 0 the shards start with zero
// capacity and grow on first insert.
//
// All Maps share one process-wide hash seed, so any two Map[K, V] using the
// same hash function agree on which shard and slot a key belongs to. Swap,
// Merge, EqualFunc, and Equal require that agreement.
func New[K comparable, V any](initialCapacity int, options ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:      getRuntimeHasher[K](),
		seed:      mapSeed,
		allocator: defaultAllocator[K, V]{},
		shift:     defaultShardExponent,
	}

	for _, op := range options {
		op.apply(m)
	}

	if m.shift > maxShardExponent {
		panic("shardmap: shard exponent exceeds 12 (4096 shards)")
	}
	m.mask = (uintptr(1) << m.shift) - 1
	m.shards = make([]shard[K, V], 1<<m.shift)
	for i := range m.shards {
		// The ctrls of an empty table point at emptyCtrls, which never
		// matches a probe; growthLeft == 0 forces a resize on first insert.
		m.shards[i].ctrls = emptyCtrls
	}

	if initialCapacity > 0 {
		perShard := (initialCapacity + len(m.shards) - 1) / len(m.shards)
		for i := range m.shards {
			m.shards[i].rehashCapacity(m, uintptr(perShard))
		}
	}

	for i := range m.shards {
		m.checkShardInvariants(i)
	}
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		if sh.capacity > 0 {
			m.allocator.FreeSlots(sh.slots.Slice(0, sh.capacity))
			m.allocator.FreeControls(unsafeConvertSlice[uint8](sh.ctrls.Slice(0, sh.capacity+groupSize)))
			sh.capacity = 0
			sh.used = 0
		}
		sh.ctrls = makeUnsafeSlice([]ctrl(nil))
		sh.slots = makeUnsafeSlice([]Slot[K, V](nil))
		sh.mu.Unlock()
	}
	m.allocator = nil
}

// Hash returns the map's hash of key. The result can be passed to
// GetWithHash, FindWithHash, FindEquivalent, or GetEquivalent to avoid
// recomputing the hash across consecutive operations on the same key.
func (m *Map[K, V]) Hash(key K) uintptr {
	return m.hashKey(&key)
}

// ShardCount returns the number of shards, 2^N for the map's shard
// exponent N.
func (m *Map[K, V]) ShardCount() int {
	return len(m.shards)
}

// Get retrieves the value for the specified key, returning ok=false if the
// key is not present. The value is copied out under the shard's lock, so Get
// is safe under concurrent mutation (unlike dereferencing the iterator
// returned by Find).
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	return m.GetWithHash(key, m.hashKey(&key))
}

// GetWithHash is Get with a caller-supplied hash, which must equal
// m.Hash(key).
func (m *Map[K, V]) GetWithHash(key K, h uintptr) (value V, ok bool) {
	sh := &m.shards[m.shardIndex(h)]
	sh.mu.Lock()
	i, ok := sh.find(h, key)
	if ok {
		value = sh.slots.At(i).value
	}
	sh.mu.Unlock()
	return value, ok
}

// Find returns an iterator positioned at key, or an exhausted iterator if
// the key is not present. The shard's lock is held only for the duration of
// the lookup, not while the caller holds the iterator: a concurrent
// mutation of that shard after Find returns invalidates the result.
func (m *Map[K, V]) Find(key K) Iterator[K, V] {
	return m.FindWithHash(key, m.hashKey(&key))
}

// FindWithHash is Find with a caller-supplied hash, which must equal
// m.Hash(key).
func (m *Map[K, V]) FindWithHash(key K, h uintptr) Iterator[K, V] {
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, ok := sh.find(h, key)
	sh.mu.Unlock()
	if !ok {
		return Iterator[K, V]{}
	}
	return Iterator[K, V]{m: m, shard: idx, slot: i}
}

// FindEquivalent performs a heterogeneous lookup: it locates an element
// using a caller-computed hash and an equality predicate over stored keys,
// without ever materializing a key value. h must equal the map's hash of
// any key for which eq returns true, and eq must be consistent with the
// map's key equality. The canonical use is looking up a string key by a
// []byte view of the same data.
func (m *Map[K, V]) FindEquivalent(h uintptr, eq func(K) bool) Iterator[K, V] {
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, ok := sh.findEquivalent(h, eq)
	sh.mu.Unlock()
	if !ok {
		return Iterator[K, V]{}
	}
	return Iterator[K, V]{m: m, shard: idx, slot: i}
}

// GetEquivalent is FindEquivalent, copying the value out under the shard's
// lock.
func (m *Map[K, V]) GetEquivalent(h uintptr, eq func(K) bool) (value V, ok bool) {
	sh := &m.shards[m.shardIndex(h)]
	sh.mu.Lock()
	i, ok := sh.findEquivalent(h, eq)
	if ok {
		value = sh.slots.At(i).value
	}
	sh.mu.Unlock()
	return value, ok
}

// Contains reports whether the map contains key.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Count returns the number of elements with the given key: 0 or 1, since
// keys are unique.
func (m *Map[K, V]) Count(key K) int {
	if m.Contains(key) {
		return 1
	}
	return 0
}

// Insert inserts key with the given value if no equal key is present.
// Insert never overwrites: if an equal key exists, its value is left
// unmodified and inserted is false. The returned iterator is positioned at
// the inserted or existing element, subject to the usual invalidation
// contract.
func (m *Map[K, V]) Insert(key K, value V) (it Iterator[K, V], inserted bool) {
	h := m.hashKey(&key)
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, inserted := sh.findOrPrepareInsert(m, h, key)
	if inserted {
		sh.slots.At(i).value = value
	}
	m.checkShardInvariants(idx)
	sh.mu.Unlock()
	return Iterator[K, V]{m: m, shard: idx, slot: i}, inserted
}

// Put inserts key with the given value, overwriting the existing value if an
// equal key is already present (insert-or-assign).
func (m *Map[K, V]) Put(key K, value V) {
	h := m.hashKey(&key)
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, _ := sh.findOrPrepareInsert(m, h, key)
	sh.slots.At(i).value = value
	m.checkShardInvariants(idx)
	sh.mu.Unlock()
}

// LazyInsert inserts key with a value produced by construct, calling
// construct only if no equal key is present. This avoids constructing a
// value on the common already-present path, the equivalent of emplace with a
// decomposable key.
func (m *Map[K, V]) LazyInsert(key K, construct func() V) (it Iterator[K, V], inserted bool) {
	h := m.hashKey(&key)
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, inserted := sh.findOrPrepareInsert(m, h, key)
	if inserted {
		sh.slots.At(i).value = construct()
	}
	m.checkShardInvariants(idx)
	sh.mu.Unlock()
	return Iterator[K, V]{m: m, shard: idx, slot: i}, inserted
}

// Erase removes the element with the given key, returning the number of
// elements removed (0 or 1).
func (m *Map[K, V]) Erase(key K) int {
	h := m.hashKey(&key)
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, ok := sh.find(h, key)
	if ok {
		sh.erase(i)
	}
	m.checkShardInvariants(idx)
	sh.mu.Unlock()
	if ok {
		return 1
	}
	return 0
}

// EraseIterator erases the element the iterator is positioned at. Unlike
// Erase it returns nothing: the operation is O(1) by construction and the
// distinct signature keeps it from being confused with the key-based form.
// The iterator must be valid, and is invalidated.
func (m *Map[K, V]) EraseIterator(it Iterator[K, V]) {
	if !it.Valid() {
		panic("shardmap: EraseIterator on an exhausted Iterator")
	}
	sh := &m.shards[it.shard]
	sh.mu.Lock()
	sh.erase(it.slot)
	m.checkShardInvariants(it.shard)
	sh.mu.Unlock()
}

// EraseRange erases every element in [first, last), returning last. Both
// iterators must be positions of this map (or exhausted).
func (m *Map[K, V]) EraseRange(first, last Iterator[K, V]) Iterator[K, V] {
	for first.Valid() && !first.Equal(last) {
		next := first
		next.Next()
		m.EraseIterator(first)
		first = next
	}
	return last
}

// Extract removes the element with the given key without destroying it,
// transferring ownership to the returned node handle. The returned node is
// empty if the key is not present.
func (m *Map[K, V]) Extract(key K) Node[K, V] {
	h := m.hashKey(&key)
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	var n Node[K, V]
	if i, ok := sh.find(h, key); ok {
		n = Node[K, V]{slot: sh.extract(i), ok: true}
	}
	m.checkShardInvariants(idx)
	sh.mu.Unlock()
	return n
}

// ExtractIterator extracts the element the iterator is positioned at. The
// iterator must be valid, and is invalidated.
func (m *Map[K, V]) ExtractIterator(it Iterator[K, V]) Node[K, V] {
	if !it.Valid() {
		panic("shardmap: ExtractIterator on an exhausted Iterator")
	}
	sh := &m.shards[it.shard]
	sh.mu.Lock()
	n := Node[K, V]{slot: sh.extract(it.slot), ok: true}
	m.checkShardInvariants(it.shard)
	sh.mu.Unlock()
	return n
}

// InsertNode inserts the element owned by a node handle, moving the stored
// key and value without reconstructing them. If the node is empty, the
// result is an exhausted iterator, false, and an empty node. If an equal key
// already exists, nothing is inserted and the node is handed back to the
// caller still populated.
func (m *Map[K, V]) InsertNode(n Node[K, V]) (it Iterator[K, V], inserted bool, remaining Node[K, V]) {
	if !n.ok {
		return Iterator[K, V]{}, false, Node[K, V]{}
	}
	h := m.hashKey(&n.slot.key)
	idx := m.shardIndex(h)
	sh := &m.shards[idx]
	sh.mu.Lock()
	i, inserted := sh.findOrPrepareInsert(m, h, n.slot.key)
	if inserted {
		sh.slots.At(i).value = n.slot.value
	}
	m.checkShardInvariants(idx)
	sh.mu.Unlock()
	if inserted {
		return Iterator[K, V]{m: m, shard: idx, slot: i}, true, Node[K, V]{}
	}
	return Iterator[K, V]{m: m, shard: idx, slot: i}, false, n
}

// Clear removes every element. Each shard is locked, cleared, and released
// in turn; no lock is held across the whole operation, and shard capacities
// are retained.
func (m *Map[K, V]) Clear() {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		sh.clear()
		m.checkShardInvariants(i)
		sh.mu.Unlock()
	}
}

// Len returns the number of elements in the map: the sum of the shard
// sizes, each read under its shard's lock. Best-effort under concurrent
// mutation (see the package comment).
func (m *Map[K, V]) Len() int {
	var n int
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += sh.used
		sh.mu.Unlock()
	}
	return n
}

// Empty reports whether the map contains no elements.
func (m *Map[K, V]) Empty() bool {
	return m.Len() == 0
}

// Capacity returns the total number of slots across all shards.
// Best-effort under concurrent mutation.
func (m *Map[K, V]) Capacity() int {
	var c int
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		c += int(sh.capacity)
		sh.mu.Unlock()
	}
	return c
}

// BucketCount returns the total number of buckets across all shards. In an
// open-addressing table every slot is a bucket, so this equals Capacity.
func (m *Map[K, V]) BucketCount() int {
	return m.Capacity()
}

// GrowthLeft returns the number of elements that can be added before any
// shard must rehash, summed across shards. Best-effort under concurrent
// mutation.
func (m *Map[K, V]) GrowthLeft() int {
	var g int
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		g += sh.growthLeft
		sh.mu.Unlock()
	}
	return g
}

// LoadFactor returns Len divided by BucketCount, or 0 for an empty map.
// Best-effort under concurrent mutation.
func (m *Map[K, V]) LoadFactor() float64 {
	c := m.BucketCount()
	if c == 0 {
		return 0
	}
	return float64(m.Len()) / float64(c)
}

// Rehash resizes every shard so that the map as a whole has at least n
// buckets, dividing the request evenly: each shard receives a quota of
// n/2^N, each under its own lock.
func (m *Map[K, V]) Rehash(n int) {
	quota := n / len(m.shards)
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		sh.rehashCapacity(m, uintptr(quota))
		m.checkShardInvariants(i)
		sh.mu.Unlock()
	}
}

// Reserve resizes the map so that at least n elements can be inserted
// without any shard rehashing, assuming keys spread evenly across shards.
func (m *Map[K, V]) Reserve(n int) {
	m.Rehash(int(growthToLowerBoundCapacity(uintptr(n))))
}

// Swap exchanges the contents of m and other shard by shard. For each shard
// index, m's shard is locked before other's; every two-table operation uses
// this same order (self first, ascending index), which makes deadlock
// impossible as long as concurrent callers do not run the same pair of maps
// in opposite roles. Both maps must have the same shard exponent, the same
// hash function, and the same allocator.
func (m *Map[K, V]) Swap(other *Map[K, V]) {
	if m == other {
		return
	}
	if m.shift != other.shift {
		panic("shardmap: Swap between maps with different shard exponents")
	}
	for i := range m.shards {
		a, b := &m.shards[i], &other.shards[i]
		a.mu.Lock()
		b.mu.Lock()
		a.table, b.table = b.table, a.table
		m.checkShardInvariants(i)
		other.checkShardInvariants(i)
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Merge moves every element of src whose key is not already present into m.
// Elements with keys already in m are left untouched in src; merge never
// overwrites. Locking follows the Swap convention: for each shard index, m's
// shard before src's. Both maps must have the same shard exponent and hash
// function. Merging a map with itself is a programmer error.
func (m *Map[K, V]) Merge(src *Map[K, V]) {
	if m == src {
		panic("shardmap: Merge of a Map with itself")
	}
	if m.shift != src.shift {
		panic("shardmap: Merge between maps with different shard exponents")
	}
	for i := range m.shards {
		a, b := &m.shards[i], &src.shards[i]
		a.mu.Lock()
		b.mu.Lock()
		m.mergeTables(&a.table, &b.table)
		m.checkShardInvariants(i)
		src.checkShardInvariants(i)
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// mergeTables moves the elements of src into dst, leaving colliding keys in
// src. Erasing from src by index while walking it is safe: src undergoes no
// structural change beyond control byte flips.
func (m *Map[K, V]) mergeTables(dst, src *table[K, V]) {
	for i := uintptr(0); i < src.capacity; i++ {
		if (*src.ctrls.At(i) & ctrlEmpty) == ctrlEmpty {
			continue
		}
		s := src.slots.At(i)
		h := m.hashKey(&s.key)
		if j, inserted := dst.findOrPrepareInsert(m, h, s.key); inserted {
			dst.slots.At(j).value = s.value
			src.erase(i)
		}
	}
}

// EqualFunc reports whether m and other contain the same keys with values
// equal under eq. Shards are compared pairwise; for each index both shard
// locks are held (m's first) for the duration of that shard's comparison
// only. Both maps must have the same shard exponent and hash function.
func (m *Map[K, V]) EqualFunc(other *Map[K, V], eq func(a, b V) bool) bool {
	if m == other {
		return true
	}
	if m.shift != other.shift {
		return false
	}
	for i := range m.shards {
		a, b := &m.shards[i], &other.shards[i]
		a.mu.Lock()
		b.mu.Lock()
		ok := equalTables(&a.table, &b.table, other, eq)
		b.mu.Unlock()
		a.mu.Unlock()
		if !ok {
			return false
		}
	}
	return true
}

// Equal reports whether a and b contain the same key/value pairs.
func Equal[K, V comparable](a, b *Map[K, V]) bool {
	return a.EqualFunc(b, func(x, y V) bool { return x == y })
}

func equalTables[K comparable, V any](
	a, b *table[K, V], bm *Map[K, V], eq func(x, y V) bool,
) bool {
	if a.used != b.used {
		return false
	}
	for i := uintptr(0); i < a.capacity; i++ {
		if (*a.ctrls.At(i) & ctrlEmpty) == ctrlEmpty {
			continue
		}
		s := a.slots.At(i)
		h := bm.hashKey(&s.key)
		j, ok := b.find(h, s.key)
		if !ok || !eq(s.value, b.slots.At(j).value) {
			return false
		}
	}
	return true
}

// Prefetch issues a best-effort cache warm-up for the shard memory the key
// would be found in. Go exposes no prefetch intrinsic, so the hint is a
// plain read of the first probe group under the shard's lock; it has no
// correctness effect.
func (m *Map[K, V]) Prefetch(key K) {
	h := m.hashKey(&key)
	sh := &m.shards[m.shardIndex(h)]
	sh.mu.Lock()
	sh.prefetch(h)
	sh.mu.Unlock()
}

// All calls yield for each key and value present in the map, shard by
// shard, until yield returns false. Each shard's elements are copied out
// under its lock and yielded after the lock is released, so yield is never
// called with a lock held and may itself call back into the map. Mutations
// concurrent with All may or may not be visible; elements present for the
// whole call are always yielded.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	var buf []Slot[K, V]
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		buf = buf[:0]
		for j := uintptr(0); j < sh.capacity; j++ {
			// Match full slots, which have a high bit of zero.
			if (*sh.ctrls.At(j) & ctrlEmpty) != ctrlEmpty {
				buf = append(buf, *sh.slots.At(j))
			}
		}
		sh.mu.Unlock()

		for j := range buf {
			if !yield(buf[j].key, buf[j].value) {
				return
			}
		}
	}
}

// First returns an iterator positioned at the first element of the first
// non-empty shard, or an exhausted iterator if the map is empty. Like Find,
// the result holds no lock.
func (m *Map[K, V]) First() Iterator[K, V] {
	it := Iterator[K, V]{m: m, shard: 0, slot: 0}
	it.skipEmpty()
	return it
}

func (m *Map[K, V]) hashKey(key *K) uintptr {
	return m.hash(noescape(unsafe.Pointer(key)), m.seed)
}

// shardIndex routes a hash to a shard. The exact fold (h ^ (h >> N)) & mask
// is load-bearing: it mixes high hash bits into the shard choice so that
// shard routing does not reuse only the low bits the embedded tables also
// probe with.
func (m *Map[K, V]) shardIndex(h uintptr) int {
	return int((h ^ (h >> m.shift)) & m.mask)
}
