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
	"math/rand/v2"
	"unsafe"
)

// hashFn matches the signature of the hash functions used by the Go
// runtime's map implementation: (pointer to key, seed) -> hash.
type hashFn func(pointer unsafe.Pointer, seed uintptr) uintptr

// getRuntimeHasher extracts the hash function from the Go runtime's
// implementation of map[K]struct{} by reaching into the internals of the
// type. (This might break in a future version of Go, but is likely fixable
// unless the Go runtime does something drastic).
func getRuntimeHasher[K comparable]() hashFn {
	a := any(make(map[K]struct{}))
	i := (*mapiface)(unsafe.Pointer(&a))
	return i.typ.hasher
}

func fastrand64() uint64 {
	return rand.Uint64()
}

// mapSeed is the hash seed shared by every Map in the process. Using one
// seed per process rather than one per map keeps shard routing and probe
// positions identical across maps of the same key type, which Swap, Merge,
// and EqualFunc rely on to pair shards up. Randomization per process is
// retained.
var mapSeed = uintptr(fastrand64())

type mapiface struct {
	typ *maptype
	val unsafe.Pointer
}

// go/src/runtime/type.go
type maptype struct {
	typ    _type
	key    *_type
	elem   *_type
	bucket *_type
	// function for hashing keys (ptr to key, seed) -> hash
	hasher     func(unsafe.Pointer, uintptr) uintptr
	keysize    uint8
	elemsize   uint8
	bucketsize uint16
	flags      uint32
}

// go/src/runtime/type.go
type _type struct {
	size       uintptr
	ptrdata    uintptr
	hash       uint32
	tflag      uint8
	align      uint8
	fieldAlign uint8
	kind       uint8
	equal      func(unsafe.Pointer, unsafe.Pointer) bool
	gcdata     *byte
	str        int32
	ptrToThis  int32
}
