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
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkLockedMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkShardMapGetHit[string], genKeys[string]))
	})
}

func BenchmarkMapGetMiss(b *testing.B) {
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkLockedMapGetMiss[string], genKeys[string]))
	})
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkShardMapGetMiss[string], genKeys[string]))
	})
}

func BenchmarkMapPutGrow(b *testing.B) {
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapPutGrow[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkLockedMapPutGrow[string], genKeys[string]))
	})
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapPutGrow[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkShardMapPutGrow[string], genKeys[string]))
	})
}

func BenchmarkMapPutDelete(b *testing.B) {
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapPutDelete[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkLockedMapPutDelete[string], genKeys[string]))
	})
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapPutDelete[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkShardMapPutDelete[string], genKeys[string]))
	})
}

func BenchmarkMapIter(b *testing.B) {
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapIter[int64], genKeys[int64]))
	})
}

// The parallel benchmarks are the point of the sharded design: a single
// mutex around the runtime map serializes everything, while the sharded map
// only contends when two goroutines hit the same shard.
func BenchmarkMapParallelGetHit(b *testing.B) {
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapParallelGetHit[int64], genKeys[int64]))
	})
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapParallelGetHit[int64], genKeys[int64]))
	})
}

func BenchmarkMapParallelPutDelete(b *testing.B) {
	b.Run("impl=lockedMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkLockedMapParallelPutDelete[int64], genKeys[int64]))
	})
	b.Run("impl=shardMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkShardMapParallelPutDelete[int64], genKeys[int64]))
	})
}

type benchTypes interface {
	int64 | string
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		16,
		256,
		1024,
		8192,
		1 << 16,
		1 << 20,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	var t T
	switch any(t).(type) {
	case int64:
		keys := make([]int64, end-start)
		for i := range keys {
			keys[i] = int64(start + i)
		}
		return unsafeConvertSlice[T](keys)
	case string:
		keys := make([]string, end-start)
		for i := range keys {
			keys[i] = strconv.Itoa(start + i)
		}
		return unsafeConvertSlice[T](keys)
	default:
		panic("not reached")
	}
}

// lockedMap is the baseline: Go's builtin map behind a single mutex.
type lockedMap[T benchTypes] struct {
	mu sync.Mutex
	m  map[T]T
}

func newLockedMap[T benchTypes](n int) *lockedMap[T] {
	return &lockedMap[T]{m: make(map[T]T, n)}
}

func (l *lockedMap[T]) Get(k T) (T, bool) {
	l.mu.Lock()
	v, ok := l.m[k]
	l.mu.Unlock()
	return v, ok
}

func (l *lockedMap[T]) Put(k, v T) {
	l.mu.Lock()
	l.m[k] = v
	l.mu.Unlock()
}

func (l *lockedMap[T]) Delete(k T) {
	l.mu.Lock()
	delete(l.m, k)
	l.mu.Unlock()
}

func benchmarkLockedMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newLockedMap[T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	// Defeat the builtin map's pointer-equality fast path for string keys.
	keys = genKeys(0, n)

	c := perfbench.Open(b)
	b.ResetTimer()
	c.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	c.Stop()
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkShardMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	defer m.Close()
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	keys = genKeys(0, n)

	c := perfbench.Open(b)
	b.ResetTimer()
	c.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	c.Stop()
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkLockedMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newLockedMap[T](n)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m.Put(k, k)
	}

	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkShardMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	defer m.Close()
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m.Put(k, k)
	}

	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkLockedMapPutGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i += n {
		m := newLockedMap[T](0)
		for _, k := range keys {
			m.Put(k, k)
		}
	}
}

func benchmarkShardMapPutGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i += n {
		m := New[T, T](0)
		for _, k := range keys {
			m.Put(k, k)
		}
		m.Close()
	}
}

func benchmarkLockedMapPutDelete[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newLockedMap[T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}

	c := perfbench.Open(b)
	b.ResetTimer()
	c.Reset()
	for i := 0; i < b.N; i++ {
		k := keys[i%n]
		m.Delete(k)
		m.Put(k, k)
	}
	c.Stop()
}

func benchmarkShardMapPutDelete[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	defer m.Close()
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}

	c := perfbench.Open(b)
	b.ResetTimer()
	c.Reset()
	for i := 0; i < b.N; i++ {
		k := keys[i%n]
		m.Erase(k)
		m.Put(k, k)
	}
	c.Stop()
}

func benchmarkShardMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	defer m.Close()
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}

	b.ResetTimer()
	var tmp T
	for i := 0; i < b.N; i++ {
		m.All(func(k, v T) bool {
			tmp = v
			return true
		})
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkLockedMapParallelGetHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newLockedMap[T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	keys = genKeys(0, n)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i int
		var ok bool
		for pb.Next() {
			_, ok = m.Get(keys[i%n])
			i++
		}
		fmt.Fprint(io.Discard, ok)
	})
}

func benchmarkShardMapParallelGetHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := New[T, T](n)
	defer m.Close()
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	keys = genKeys(0, n)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i int
		var ok bool
		for pb.Next() {
			_, ok = m.Get(keys[i%n])
			i++
		}
		fmt.Fprint(io.Discard, ok)
	})
}

func benchmarkLockedMapParallelPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newLockedMap[T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}

	var goroutines atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		// Each goroutine works a distinct stripe of the key space.
		i := int(goroutines.Add(1))
		for pb.Next() {
			k := keys[i%n]
			m.Delete(k)
			m.Put(k, k)
			i += 17
		}
	})
}

func benchmarkShardMapParallelPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := New[T, T](n)
	defer m.Close()
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}

	var goroutines atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := int(goroutines.Add(1))
		for pb.Next() {
			k := keys[i%n]
			m.Erase(k)
			m.Put(k, k)
			i += 17
		}
	})
}
