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

import "time"

// Locker serializes lifecycle transitions per runner. Keys are runner
// names.
type Locker interface {
	TryLock(key string) bool
	Lock(key string)
	Unlock(key string, remove bool)
	Delete(key string)
}

// DeleteBackoff tracks failed backend delete attempts so reconcilers do
// not hammer an unavailable backend on every tick.
type DeleteBackoff interface {
	ShouldProcess(key string) (bool, time.Time)
	RecordFailure(key string)
	Delete(key string)
}
