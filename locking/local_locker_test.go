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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockIsExclusivePerKey(t *testing.T) {
	locker := NewLocalLocker()

	require.True(t, locker.TryLock("runner-1"))
	assert.False(t, locker.TryLock("runner-1"))
	// A different key is an independent lock.
	assert.True(t, locker.TryLock("runner-2"))

	locker.Unlock("runner-1", false)
	assert.True(t, locker.TryLock("runner-1"))
}

func TestUnlockWithRemoveDropsTheKey(t *testing.T) {
	locker := NewLocalLocker()

	require.True(t, locker.TryLock("runner-1"))
	locker.Unlock("runner-1", true)

	assert.True(t, locker.TryLock("runner-1"))
}

func TestUnlockUnknownKeyIsANoop(t *testing.T) {
	locker := NewLocalLocker()
	locker.Unlock("never-locked", false)
	locker.Unlock("never-locked", true)
}

func TestDeleteBackoffFirstSightProcesses(t *testing.T) {
	backoff := NewDeleteBackoff()

	ok, deadline := backoff.ShouldProcess("runner-1")
	assert.True(t, ok)
	assert.True(t, deadline.IsZero())
}

func TestDeleteBackoffHoldsAfterFailure(t *testing.T) {
	backoff := NewDeleteBackoff()

	_, _ = backoff.ShouldProcess("runner-1")
	backoff.RecordFailure("runner-1")

	ok, deadline := backoff.ShouldProcess("runner-1")
	assert.False(t, ok)
	assert.False(t, deadline.IsZero())
}

func TestDeleteBackoffResetOnDelete(t *testing.T) {
	backoff := NewDeleteBackoff()

	_, _ = backoff.ShouldProcess("runner-1")
	backoff.RecordFailure("runner-1")
	backoff.Delete("runner-1")

	ok, _ := backoff.ShouldProcess("runner-1")
	assert.True(t, ok)
}
