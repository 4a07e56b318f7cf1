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
	"strings"
)

// checkShardInvariants verifies the structural invariants of one shard's
// table. Compiled away unless the "invariants" build tag is set. The caller
// must hold the shard's lock (or have exclusive access, as in New).
func (m *Map[K, V]) checkShardInvariants(idx int) {
	if !invariants {
		return
	}
	t := &m.shards[idx].table

	if t.capacity > 0 {
		// Capacity is always of the form 2^k-1.
		if (t.capacity+1)&t.capacity != 0 {
			panic(fmt.Sprintf("shardmap: shard %d capacity %d is not 2^k-1", idx, t.capacity))
		}
		if *t.ctrls.At(t.capacity) != ctrlSentinel {
			panic(fmt.Sprintf("shardmap: shard %d ctrl at %d (%02x) is not the sentinel",
				idx, t.capacity, *t.ctrls.At(t.capacity)))
		}
		for i := uintptr(0); i < groupSize-1; i++ {
			j := ((i - (groupSize - 1)) & t.capacity) + (groupSize - 1)
			if *t.ctrls.At(i) != *t.ctrls.At(j) {
				panic(fmt.Sprintf("shardmap: shard %d ctrl %d (%02x) does not mirror ctrl %d (%02x)",
					idx, i, *t.ctrls.At(i), j, *t.ctrls.At(j)))
			}
		}
	}

	var used int
	for i := uintptr(0); i < t.capacity; i++ {
		switch c := *t.ctrls.At(i); c {
		case ctrlSentinel:
			panic(fmt.Sprintf("shardmap: shard %d has a sentinel at slot %d", idx, i))
		case ctrlEmpty, ctrlDeleted:
		default:
			used++
			s := t.slots.At(i)
			h := m.hashKey(&s.key)
			if m.shardIndex(h) != idx {
				panic(fmt.Sprintf("shardmap: slot %d of shard %d holds a key routed to shard %d",
					i, idx, m.shardIndex(h)))
			}
			if ctrl(h2(h)) != c {
				panic(fmt.Sprintf("shardmap: shard %d slot %d ctrl %02x does not match h2 %02x",
					idx, i, c, h2(h)))
			}
			if j, ok := t.find(h, s.key); !ok || j != i {
				panic(fmt.Sprintf("shardmap: shard %d key at slot %d found=%t at slot %d",
					idx, i, ok, j))
			}
		}
	}
	if used != t.used {
		panic(fmt.Sprintf("shardmap: shard %d used %d does not match %d full slots",
			idx, t.used, used))
	}
	if t.capacity == 0 {
		if t.growthLeft != 0 {
			panic(fmt.Sprintf("shardmap: empty shard %d has growthLeft %d", idx, t.growthLeft))
		}
	} else if t.growthLeft < 0 || t.used+t.growthLeft > capacityGrowth(t.capacity) {
		panic(fmt.Sprintf("shardmap: shard %d growthLeft %d is inconsistent (used=%d, capacity=%d)",
			idx, t.growthLeft, t.used, t.capacity))
	}
}

// ShardMetrics describes the occupancy of one shard.
type ShardMetrics struct {
	// Used is the number of elements in the shard.
	Used int
	// Capacity is the number of slots in the shard.
	Capacity int
	// GrowthLeft is the number of elements the shard can take before it
	// rehashes.
	GrowthLeft int
}

// Metrics returns a per-shard occupancy snapshot, each shard read under its
// own lock. Useful for judging how evenly keys spread across shards.
// Best-effort under concurrent mutation, like Len.
func (m *Map[K, V]) Metrics() []ShardMetrics {
	ms := make([]ShardMetrics, len(m.shards))
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		ms[i] = ShardMetrics{
			Used:       sh.used,
			Capacity:   int(sh.capacity),
			GrowthLeft: sh.growthLeft,
		}
		sh.mu.Unlock()
	}
	return ms
}

// debugString renders the control bytes and slots of every shard, for use in
// test failure messages.
func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	for idx := range m.shards {
		t := &m.shards[idx].table
		fmt.Fprintf(&buf, "shard %d: capacity=%d used=%d growth-left=%d\n",
			idx, t.capacity, t.used, t.growthLeft)
		for i := uintptr(0); i < t.capacity; i++ {
			switch c := *t.ctrls.At(i); c {
			case ctrlEmpty:
				fmt.Fprintf(&buf, "  %4d: empty\n", i)
			case ctrlDeleted:
				fmt.Fprintf(&buf, "  %4d: deleted\n", i)
			default:
				s := t.slots.At(i)
				fmt.Fprintf(&buf, "  %4d: %02x %v=%v\n", i, c, s.key, s.value)
			}
		}
	}
	return buf.String()
}
