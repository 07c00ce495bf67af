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

package util

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunnerName returns a new unique runner name with the given prefix.
// The hosting service caps runner names at 64 characters, which leaves
// room for prefixes up to 27 characters.
func NewRunnerName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// NewID returns a unique ID usable as a backend instance identifier.
func NewID() string {
	return uuid.New().String()
}
