// Copyright 2026 Harry Finbow
//
//    Licensed under the Apache License, Version 2.0 (the "License"); you may
//    not use this file except in compliance with the License. You may obtain
//    a copy of the License at
//
//         http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
//    WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
//    License for the specific language governing permissions and limitations
//    under the License.

package locking

import (
	"sync"
	"time"
)

const (
	// initialBackoffSeconds is the first delay applied after a failed
	// backend delete.
	initialBackoffSeconds float64 = 60
	// maxBackoffSeconds caps the delete backoff at 20 minutes.
	maxBackoffSeconds float64 = 1200
)

// NewLocalLocker returns an in process keyed mutex locker.
func NewLocalLocker() Locker {
	return &keyMutex{}
}

type keyMutex struct {
	muxes sync.Map
}

var _ Locker = &keyMutex{}

func (k *keyMutex) TryLock(key string) bool {
	mux, _ := k.muxes.LoadOrStore(key, &sync.Mutex{})
	keyMux := mux.(*sync.Mutex)
	return keyMux.TryLock()
}

func (k *keyMutex) Lock(key string) {
	mux, _ := k.muxes.LoadOrStore(key, &sync.Mutex{})
	keyMux := mux.(*sync.Mutex)
	keyMux.Lock()
}

func (k *keyMutex) Unlock(key string, remove bool) {
	mux, ok := k.muxes.Load(key)
	if !ok {
		return
	}
	keyMux := mux.(*sync.Mutex)
	if remove {
		k.Delete(key)
	}
	keyMux.Unlock()
}

func (k *keyMutex) Delete(key string) {
	k.muxes.Delete(key)
}

// NewDeleteBackoff returns an in process delete backoff tracker.
func NewDeleteBackoff() DeleteBackoff {
	return &deleteBackoff{}
}

type backoffEntry struct {
	backoffSeconds          float64
	lastRecordedFailureTime time.Time
	mux                     sync.Mutex
}

type deleteBackoff struct {
	entries sync.Map
}

var _ DeleteBackoff = &deleteBackoff{}

func (d *deleteBackoff) ShouldProcess(key string) (bool, time.Time) {
	entry, loaded := d.entries.LoadOrStore(key, &backoffEntry{})
	if !loaded {
		return true, time.Time{}
	}

	be := entry.(*backoffEntry)
	be.mux.Lock()
	defer be.mux.Unlock()

	if be.lastRecordedFailureTime.IsZero() || be.backoffSeconds == 0 {
		return true, time.Time{}
	}

	now := time.Now().UTC()
	deadline := be.lastRecordedFailureTime.Add(
		time.Duration(be.backoffSeconds) * time.Second)
	return now.After(deadline), deadline
}

func (d *deleteBackoff) RecordFailure(key string) {
	entry, _ := d.entries.LoadOrStore(key, &backoffEntry{})
	be := entry.(*backoffEntry)
	be.mux.Lock()
	defer be.mux.Unlock()

	be.lastRecordedFailureTime = time.Now().UTC()
	if be.backoffSeconds == 0 {
		be.backoffSeconds = initialBackoffSeconds
	} else {
		// Geometric progression of 1.5, capped at 20 minutes.
		be.backoffSeconds = min(be.backoffSeconds*1.5, maxBackoffSeconds)
	}
}

func (d *deleteBackoff) Delete(key string) {
	d.entries.Delete(key)
}
