/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package smalloc is a user-space general-purpose allocator over three
// size-classed arenas. Each arena is a fixed anonymous memory region
// managed by an intrusive, address-ordered free list with a
// configurable fit policy; blocks split on allocation and physically
// adjacent free blocks coalesce on release.
//
// The package is NOT goroutine-safe. A single caller at a time is
// assumed; concurrent use needs external locking around the whole
// surface.
package smalloc

import (
	"fmt"
	"unsafe"
)

// Fit selects how a free block is chosen to satisfy a request.
type Fit int

const (
	// FirstFit takes the first block large enough, in list order.
	FirstFit Fit = 1
	// BestFit takes the smallest block large enough, the earliest in
	// list order on ties.
	BestFit Fit = 2
)

// Process-wide policy, read on every call. Assign before the first
// Malloc; reassigning between calls takes effect on the next call.
var (
	// FitStrategy selects the free-list search policy used by Malloc.
	FitStrategy = BestFit

	// MergeEnabled controls whether Free coalesces physically adjacent
	// free blocks.
	MergeEnabled = true
)

// Size-class boundaries and arena capacities. A request routes to the
// smallest class whose boundary covers it; anything above the medium
// boundary goes to the large arena.
const (
	smallMax  = 14 << 10
	mediumMax = 25 << 10

	smallArenaSize  = 2 << 20
	mediumArenaSize = 4 << 20
	largeArenaSize  = 4 << 20
)

// Arena indexes accepted by ArenaStats.
const (
	ArenaSmall = iota
	ArenaMedium
	ArenaLarge
	numArenas
)

var arenaNames = [numArenas]string{"small", "medium", "large"}

var arenaSizes = [numArenas]uintptr{smallArenaSize, mediumArenaSize, largeArenaSize}

// arena is one size class: a fixed mapped extent managed by a single
// free list. base and size never change after acquisition; the region
// is held until process exit.
type arena struct {
	region []byte // keeps the mapping reachable
	base   unsafe.Pointer
	size   uintptr
	list   freeList
}

// contains reports whether p falls inside the arena's half-open extent.
func (a *arena) contains(p unsafe.Pointer) bool {
	return uintptr(p) >= uintptr(a.base) && uintptr(p) < uintptr(a.base)+a.size
}

// allocator owns the three size-class arenas. The zero value is ready
// for use; the arenas are mapped and seeded by the first Malloc.
type allocator struct {
	arenas [numArenas]arena
	ready  bool
	err    error // latched region-acquisition failure
}

// ensure maps and seeds all three arenas on first use. A refused
// mapping latches err: every later call fails.
func (al *allocator) ensure() bool {
	if al.ready {
		return true
	}
	if al.err != nil {
		return false
	}
	for i := range al.arenas {
		region, err := acquireRegion(arenaSizes[i])
		if err != nil {
			al.err = fmt.Errorf("acquire %s arena (%d bytes): %w", arenaNames[i], arenaSizes[i], err)
			return false
		}
		a := &al.arenas[i]
		a.region = region
		a.base = unsafe.Pointer(&region[0])
		a.size = arenaSizes[i]
		a.list.seed(a.base, a.size)
	}
	al.ready = true
	return true
}

// arenaFor routes a request to the smallest class covering n.
func (al *allocator) arenaFor(n uintptr) *arena {
	switch {
	case n <= smallMax:
		return &al.arenas[ArenaSmall]
	case n <= mediumMax:
		return &al.arenas[ArenaMedium]
	default:
		return &al.arenas[ArenaLarge]
	}
}

// arenaForHeader routes a freed block back to the arena containing its
// header, or nil when the address lies outside every arena.
func (al *allocator) arenaForHeader(p unsafe.Pointer) *arena {
	for i := range al.arenas {
		if al.arenas[i].contains(p) {
			return &al.arenas[i]
		}
	}
	return nil
}

func (al *allocator) malloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	if !al.ensure() {
		return nil
	}
	a := al.arenaFor(uintptr(n))
	h := a.list.take(uintptr(n), FitStrategy == BestFit)
	if h == nil {
		// an exhausted class never borrows from another arena, so
		// per-class accounting stays meaningful
		return nil
	}
	return unsafe.Slice((*byte)(h.payload()), h.size)[:n]
}

func (al *allocator) free(b []byte) {
	if b == nil || !al.ready {
		return
	}
	// recover the data pointer from the slice word directly so a
	// zero-length block does not panic on &b[0]
	p := *(*unsafe.Pointer)(unsafe.Pointer(&b))
	h := (*header)(unsafe.Add(p, -int(headerSize)))
	a := al.arenaForHeader(unsafe.Pointer(h))
	if a == nil {
		// not one of ours, deliberately ignored
		return
	}
	a.list.giveBack(h, MergeEnabled)
}

func (al *allocator) freeBytes() int {
	total := uintptr(0)
	for i := range al.arenas {
		_, free, _ := al.arenas[i].list.stats()
		total += free
	}
	return int(total)
}

func (al *allocator) stats() (blocks, freeBytes, largest int) {
	for i := range al.arenas {
		n, f, l := al.arenas[i].list.stats()
		blocks += int(n)
		freeBytes += int(f)
		if int(l) > largest {
			largest = int(l)
		}
	}
	return
}

func (al *allocator) arenaStats(i int) (blocks, freeBytes, largest int) {
	n, f, l := al.arenas[i].list.stats()
	return int(n), int(f), int(l)
}

// global is the process-wide allocator behind the package-level API.
var global allocator

// Malloc returns a slice of n usable bytes carved from one of the
// size-class arenas, or nil when n <= 0, when the arenas could not be
// mapped, or when the routed class has no block large enough. The
// slice cap is the block's full payload, which may exceed n when the
// leftover of a fit was too small to split off.
//
// Hand the slice back to Free exactly as returned. Reslicing before
// Free corrupts the header recovery.
func Malloc(n int) []byte { return global.malloc(n) }

// Free returns a block obtained from Malloc to its arena and, when
// MergeEnabled is set, coalesces it with adjacent free neighbours.
// A nil slice is a no-op, as is any pointer outside every arena.
func Free(b []byte) { global.free(b) }

// ReqBytes reports the arena bytes consumed by an n-byte allocation,
// header included.
func ReqBytes(n int) int { return n + int(headerSize) }

// FreeBytes reports the total free payload bytes across all arenas.
func FreeBytes() int { return global.freeBytes() }

// Stats reports the free-block count, the total free payload bytes and
// the largest single free payload, aggregated across all arenas.
func Stats() (blocks, freeBytes, largest int) { return global.stats() }

// ArenaStats reports the same triple for the single arena i
// (ArenaSmall, ArenaMedium or ArenaLarge).
func ArenaStats(i int) (blocks, freeBytes, largest int) { return global.arenaStats(i) }

// Err returns the region-acquisition failure latched by the first
// Malloc, or nil. Malloc never recovers once Err is non-nil.
func Err() error { return global.err }
