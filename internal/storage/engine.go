// Package storage is the reference storage engine wired up so the CORE is
// exercisable end-to-end (spec.md §1 leaves the real storage engine
// out-of-scope, specified only by its (Request, Token) -> (Request,
// Response, Token) interface).
package storage

import (
	"sync"

	"github.com/golang/snappy"
)

// Engine is an in-memory key/value store (strings, for memcache/RESP
// GET/SET/DELETE) plus sorted-set-shaped member sets (for ZREM/SADD).
//
// The CORE's storage thread is specified as single-threaded and lock-free
// by construction (spec.md §5). This reference engine is driven by one
// goroutine per protocol family (see handlers.go) so GET/SET can be shared
// between the memcache and RESP wire families; that crossing is this
// engine's own concern; it does not change the CORE's single-writer
// ordering guarantees, which hold per session regardless of how many
// storage goroutines exist behind the data queue.
type Engine struct {
	mu           sync.Mutex
	strings      map[string]stringEntry
	memberSets   map[string]map[string]struct{}
	snappyMinLen int
}

type stringEntry struct {
	value      []byte
	flags      uint32
	compressed bool
}

// NewEngine returns an empty Engine. Values at least snappyMinLen bytes
// are snappy-compressed at rest, mirroring the teacher's own
// snappy-compressed tunnel payloads (xtaci-kcptun/generic/comp.go).
func NewEngine(snappyMinLen int) *Engine {
	return &Engine{
		strings:      make(map[string]stringEntry),
		memberSets:   make(map[string]map[string]struct{}),
		snappyMinLen: snappyMinLen,
	}
}

// Get returns a key's value and flags.
func (e *Engine) Get(key string) (value []byte, flags uint32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.strings[key]
	if !ok {
		return nil, 0, false
	}
	if ent.compressed {
		v, err := snappy.Decode(nil, ent.value)
		if err != nil {
			return nil, 0, false
		}
		return v, ent.flags, true
	}
	return append([]byte(nil), ent.value...), ent.flags, true
}

// Set stores key/value. exptime is accepted for wire-compatibility but
// expiry is out of this spec's scope; it is not enforced.
func (e *Engine) Set(key string, value []byte, flags uint32, _ int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := stringEntry{flags: flags}
	if len(value) >= e.snappyMinLen {
		ent.value = snappy.Encode(nil, value)
		ent.compressed = true
	} else {
		ent.value = append([]byte(nil), value...)
	}
	e.strings[key] = ent
}

// Delete removes key, reporting whether it was present.
func (e *Engine) Delete(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strings[key]; !ok {
		return false
	}
	delete(e.strings, key)
	return true
}

// SAdd adds members to the set at key, returning the count actually added
// (members already present do not count).
func (e *Engine) SAdd(key string, members [][]byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.memberSets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		e.memberSets[key] = set
	}
	added := 0
	for _, m := range members {
		if _, exists := set[string(m)]; !exists {
			set[string(m)] = struct{}{}
			added++
		}
	}
	return added
}

// ZRem removes members from the set at key, returning the count actually
// removed. A missing key removes zero members.
func (e *Engine) ZRem(key string, members [][]byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.memberSets[key]
	if !ok {
		return 0
	}
	removed := 0
	for _, m := range members {
		if _, exists := set[string(m)]; exists {
			delete(set, string(m))
			removed++
		}
	}
	if len(set) == 0 {
		delete(e.memberSets, key)
	}
	return removed
}

// FlushAll clears every key, per the admin flush_all signal.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strings = make(map[string]stringEntry)
	e.memberSets = make(map[string]map[string]struct{})
}
