// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"
)

// KeyLock provides exclusive access to an arbitrary comparable key. The
// alien subsystem uses it to serialize replay against local append per
// (source-node, vdisk) (spec §5 "Alien directory").
type KeyLock interface {
	// Lock acquires exclusive access to key.
	Lock(key interface{})

	// Unlock releases exclusive access to key.
	Unlock(key interface{})
}

// FineGrainedLock implements KeyLock.
type FineGrainedLock struct {
	// Protects cond and things.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// Holds lock state for keys. If present, the key is locked.
	things map[interface{}]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() KeyLock {
	f := new(FineGrainedLock)
	f.cond.L = &f.lock
	f.things = make(map[interface{}]bool)
	return f
}

// Lock acquires exclusive access to key, blocking until it's available.
func (f *FineGrainedLock) Lock(key interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.things[key] {
		f.cond.Wait()
	}
	f.things[key] = true
}

// Unlock releases exclusive access to key.
func (f *FineGrainedLock) Unlock(key interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.things[key] {
		panic("wasn't locked!")
	}
	delete(f.things, key)
	f.cond.Broadcast()
}
