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

// Node is a handle that owns one extracted element outside of any map. It is
// produced by Extract and consumed by InsertNode, which transfers the stored
// key and value by value, without re-constructing them. A Node that was
// never populated, or whose element has been inserted, is empty.
//
// Node carries the map-shaped accessors Key and Mapped; the set-shaped
// variant is SetNode.
type Node[K comparable, V any] struct {
	slot Slot[K, V]
	ok   bool
}

// Empty reports whether the node owns no element.
func (n Node[K, V]) Empty() bool {
	return !n.ok
}

// Key returns the key of the owned element. The node must not be empty.
func (n Node[K, V]) Key() K {
	if n.Empty() {
		panic("shardmap: Key on an empty Node")
	}
	return n.slot.key
}

// Mapped returns the value of the owned element. The node must not be
// empty.
func (n Node[K, V]) Mapped() V {
	if n.Empty() {
		panic("shardmap: Mapped on an empty Node")
	}
	return n.slot.value
}
