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

package common

import (
	"context"

	"github.com/harryfinbow/runner-manager/params"
)

// Backend abstracts a compute provider. Adapters stamp every instance
// they create with the manager name and the group name as provider
// labels, and refuse to touch instances not carrying the manager tag.
//
// Failures map to the typed errors in the errors package:
// BackendUnavailableError for unreachable providers, QuotaExceededError
// when the provider refuses to provision, InvalidConfigError for a
// rejected instance template, DuplicateEntityError when an instance with
// the same name already exists and NotFoundError on get.
type Backend interface {
	// CreateInstance provisions a compute instance configured to register
	// itself with the hosting service using the runner's JIT config. The
	// returned runner carries the backend instance ID.
	CreateInstance(ctx context.Context, runner params.Runner) (params.Runner, error)
	// DeleteInstance removes the instance. Idempotent; deleting a runner
	// whose instance is already gone succeeds.
	DeleteInstance(ctx context.Context, runner params.Runner) error
	// UpdateInstance re-applies labels and metadata onto the live
	// instance.
	UpdateInstance(ctx context.Context, runner params.Runner) (params.Runner, error)
	// GetInstance returns the backend visible state of one instance.
	GetInstance(ctx context.Context, instanceID string) (params.Runner, error)
	// ListInstances returns all instances tagged as owned by this
	// manager.
	ListInstances(ctx context.Context) ([]params.Runner, error)
}
