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

// Set is a concurrency-safe unordered set of keys, a thin wrapper around
// Map[K, struct{}]. It shares the Map's sharding, locking, and consistency
// contract. The zero value for a Set is not usable; use NewSet.
type Set[K comparable] struct {
	m *Map[K, struct{}]
}

// SetNode is the set-shaped node handle: it owns one extracted key. See
// Node.
type SetNode[K comparable] struct {
	n Node[K, struct{}]
}

// Empty reports whether the node owns no key.
func (n SetNode[K]) Empty() bool {
	return n.n.Empty()
}

// Value returns the owned key. The node must not be empty.
func (n SetNode[K]) Value() K {
	return n.n.Key()
}

// NewSet constructs a Set with the specified initial capacity.
func NewSet[K comparable](initialCapacity int, options ...Option[K, struct{}]) *Set[K] {
	return &Set[K]{m: New(initialCapacity, options...)}
}

// Close closes the set. See Map.Close.
func (s *Set[K]) Close() {
	s.m.Close()
}

// Insert adds key to the set, reporting whether it was not already present.
func (s *Set[K]) Insert(key K) bool {
	_, inserted := s.m.Insert(key, struct{}{})
	return inserted
}

// Contains reports whether the set contains key.
func (s *Set[K]) Contains(key K) bool {
	return s.m.Contains(key)
}

// Erase removes key from the set, returning the number of keys removed (0
// or 1).
func (s *Set[K]) Erase(key K) int {
	return s.m.Erase(key)
}

// Extract removes key from the set, transferring it to the returned node
// handle. The node is empty if the key is not present.
func (s *Set[K]) Extract(key K) SetNode[K] {
	return SetNode[K]{n: s.m.Extract(key)}
}

// InsertNode inserts the key owned by a node handle. If the key is already
// present, the node is handed back still populated.
func (s *Set[K]) InsertNode(n SetNode[K]) (inserted bool, remaining SetNode[K]) {
	_, inserted, rem := s.m.InsertNode(n.n)
	return inserted, SetNode[K]{n: rem}
}

// Len returns the number of keys in the set. Best-effort under concurrent
// mutation, like Map.Len.
func (s *Set[K]) Len() int {
	return s.m.Len()
}

// Empty reports whether the set contains no keys.
func (s *Set[K]) Empty() bool {
	return s.m.Empty()
}

// Clear removes every key, retaining shard capacities.
func (s *Set[K]) Clear() {
	s.m.Clear()
}

// Reserve resizes the set so that at least n keys can be inserted without
// rehashing, assuming keys spread evenly across shards.
func (s *Set[K]) Reserve(n int) {
	s.m.Reserve(n)
}

// ShardCount returns the number of shards.
func (s *Set[K]) ShardCount() int {
	return s.m.ShardCount()
}

// Swap exchanges the contents of s and other. See Map.Swap.
func (s *Set[K]) Swap(other *Set[K]) {
	s.m.Swap(other.m)
}

// Merge moves every key of src not already present into s. See Map.Merge.
func (s *Set[K]) Merge(src *Set[K]) {
	s.m.Merge(src.m)
}

// Equal reports whether a and b contain the same keys.
func (s *Set[K]) Equal(other *Set[K]) bool {
	return s.m.EqualFunc(other.m, func(a, b struct{}) bool { return true })
}

// All calls yield for each key in the set until yield returns false. See
// Map.All.
func (s *Set[K]) All(yield func(key K) bool) {
	s.m.All(func(key K, _ struct{}) bool {
		return yield(key)
	})
}
