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
	"time"

	"github.com/harryfinbow/runner-manager/params"
)

const (
	// BackendCallTimeout is the deadline applied to individual backend
	// and hosting service calls.
	BackendCallTimeout = 60 * time.Second
	// ShutdownTimeout is how long a group manager waits for in flight
	// transitions on stop before giving up.
	ShutdownTimeout = 60 * time.Second
	// ReconcileTickSafetyMargin is subtracted from a loop interval to
	// bound the per tick deadline.
	ReconcileTickSafetyMargin = 10 * time.Second
)

// GroupManager runs the reconcilers of a single runner group and feeds
// webhook driven transitions into its lifecycle manager.
type GroupManager interface {
	// Name returns the group name.
	Name() string
	// Status reports whether the manager loops are running.
	Status() params.GroupStatus
	// HandleWorkflowJob dispatches one workflow job event against this
	// group's runners.
	HandleWorkflowJob(job params.WorkflowJob) error

	Start() error
	Stop() error
	Wait() error
}
