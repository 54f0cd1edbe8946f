package latches

import (
	"sort"
	"sync"

	"github.com/dgryski/go-farm"
)

// Latching provides atomicity of commits. A commit validates requirements and then writes mutations; if two
// commits touching the same key raced between those steps, both could see a valid requirement and both write.
// By latching every key a commit names (required or written) for the whole validate-then-apply sequence, two
// commits on overlapping keys are serialized, while commits on disjoint keys run side by side.
//
// A latch is a per-key lock. Keys are hashed with farm.Fingerprint64; two keys sharing a hash share a latch,
// which only costs concurrency, never correctness. All latches of a commit are taken at once, so there is no
// lock ordering to get wrong and no deadlock.
//
// Latching is implemented using a single map which maps hashes to a Go WaitGroup. Access to this map is guarded
// by a mutex held only while the map is inspected or changed.
type Latches struct {
	// Before validating or writing a key, the goroutine must have the latch for that key. `Latches` maps each
	// latched hash to a WaitGroup. Goroutines which find a hash latched wait on that WaitGroup.
	latchMap map[uint64]*sync.WaitGroup
	// Mutex to guard latchMap. A goroutine must hold this mutex while it makes any change to latchMap.
	latchGuard sync.Mutex
}

// NewLatches creates a new Latches object. There should only be one such object per store, shared between all
// commit goroutines.
func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[uint64]*sync.WaitGroup)
	return l
}

// Hashes maps keys to the sorted, distinct latch hashes that guard them.
func Hashes(keys [][]byte) []uint64 {
	hashVals := make([]uint64, 0, len(keys))
	for _, key := range keys {
		hashVals = append(hashVals, farm.Fingerprint64(key))
	}
	sort.Slice(hashVals, func(i, j int) bool { return hashVals[i] < hashVals[j] })
	n := 0
	for i, h := range hashVals {
		if i > 0 && h == hashVals[n-1] {
			continue
		}
		hashVals[n] = h
		n++
	}
	return hashVals[:n]
}

// AcquireLatches tries to lock all latches specified by hashVals. If this succeeds, nil is returned. If any of
// the hashes is locked, then AcquireLatches returns a WaitGroup which the goroutine can use to be woken when
// that latch is free.
func (l *Latches) AcquireLatches(hashVals []uint64) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	// Check none of the hashes we want are locked.
	for _, hashVal := range hashVals {
		if latchWg, ok := l.latchMap[hashVal]; ok {
			return latchWg
		}
	}

	// All latches are available, lock them all with a new wait group.
	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, hashVal := range hashVals {
		l.latchMap[hashVal] = wg
	}

	return nil
}

// ReleaseLatches releases the latches for all hashes in hashVals. It will wake up any goroutines blocked on one
// of the latches. All hashes in hashVals must have been locked together in one call to AcquireLatches.
func (l *Latches) ReleaseLatches(hashVals []uint64) {
	if len(hashVals) == 0 {
		return
	}
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	wg := l.latchMap[hashVals[0]]
	for _, hashVal := range hashVals {
		delete(l.latchMap, hashVal)
	}
	wg.Done()
}

// WaitForLatches attempts to lock all hashes in hashVals using AcquireLatches. If a latch is already locked,
// then WaitForLatches will wait for it to become unlocked then try again. Therefore WaitForLatches may block for
// an unbounded length of time.
func (l *Latches) WaitForLatches(hashVals []uint64) {
	if len(hashVals) == 0 {
		return
	}
	for {
		wg := l.AcquireLatches(hashVals)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// Len returns the number of hashes currently latched.
func (l *Latches) Len() int {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()
	return len(l.latchMap)
}
