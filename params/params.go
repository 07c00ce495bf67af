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

package params

import (
	"time"
)

// RunnerStatus is the status of a runner as tracked by the manager. The
// offline/online/busy part mirrors what the hosting service reports; idle
// and completed are refinements set by the reconcilers and the webhook
// dispatcher.
type RunnerStatus string

const (
	// RunnerOffline is the status of a runner that was provisioned but has
	// not yet registered itself with the hosting service.
	RunnerOffline RunnerStatus = "offline"
	// RunnerOnline is the status of a registered runner awaiting a job.
	RunnerOnline RunnerStatus = "online"
	// RunnerIdle is a refinement of online, set once the hosting service
	// confirms the runner is connected and not busy.
	RunnerIdle RunnerStatus = "idle"
	// RunnerBusy is the status of a runner executing a workflow job.
	RunnerBusy RunnerStatus = "busy"
	// RunnerCompleted is the status of a runner whose job finished. It is
	// the terminal input to the delete transition.
	RunnerCompleted RunnerStatus = "completed"
)

// rank orders statuses along the lifecycle. Transitions may only move
// forward; online and idle share a rank as idle is a refinement.
func (s RunnerStatus) rank() int {
	switch s {
	case RunnerOffline:
		return 0
	case RunnerOnline, RunnerIdle:
		return 1
	case RunnerBusy:
		return 2
	case RunnerCompleted:
		return 3
	}
	return -1
}

// IsValid returns true if the status is one of the known values.
func (s RunnerStatus) IsValid() bool {
	return s.rank() >= 0
}

// CanTransitionTo returns true if moving from s to the target status is a
// forward transition. Re-applying the current status is allowed and is
// treated as a no-op by the lifecycle manager.
func (s RunnerStatus) CanTransitionTo(target RunnerStatus) bool {
	if !s.IsValid() || !target.IsValid() {
		return false
	}
	return target.rank() >= s.rank()
}

// Runner is a single self hosted runner tracked by the manager. The Name
// is the identity; it is generated at create time and never changes.
type Runner struct {
	// Name is the manager assigned name of the runner. It doubles as the
	// runner name registered with the hosting service.
	Name string `json:"name" redis:"name"`
	// ExternalID is the ID the hosting service assigned to this runner at
	// registration. Zero until the runner registers itself.
	ExternalID int64 `json:"external_id" redis:"external_id"`
	// InstanceID is the backend ID of the compute instance this runner
	// runs on. Empty until the backend create call returns.
	InstanceID string `json:"instance_id" redis:"instance_id"`
	// Group is the name of the runner group that owns this runner. A weak
	// reference; group membership is always resolved through the store.
	Group string `json:"group" redis:"group"`
	// Organization is the hosting service organization the runner is
	// registered with.
	Organization string `json:"organization" redis:"organization"`
	// Labels are the labels advertised to the hosting service. Inherited
	// from the group.
	Labels []string `json:"labels" redis:"labels"`
	// Status is the lifecycle status of this runner.
	Status RunnerStatus `json:"status" redis:"status"`
	// Busy is set while a workflow job executes on this runner.
	Busy bool `json:"busy" redis:"busy"`
	// JITConfig is the encoded just-in-time config blob the instance uses
	// to register itself at first boot. Single use, opaque to us.
	JITConfig string `json:"-" redis:"jit_config"`
	// Manager is the name of the manager that created this runner. Stamped
	// on the instance as a provider label.
	Manager string `json:"manager" redis:"manager"`

	// Repository and Workflow are recorded at pickup, from the workflow
	// job that landed on this runner.
	Repository string `json:"repository,omitempty" redis:"repository"`
	Workflow   string `json:"workflow,omitempty" redis:"workflow"`

	CreatedAt   time.Time `json:"created_at" redis:"created_at"`
	PickedUpAt  time.Time `json:"picked_up_at,omitempty" redis:"picked_up_at"`
	CompletedAt time.Time `json:"completed_at,omitempty" redis:"completed_at"`
}

// Registered returns true once the hosting service has assigned this
// runner an external ID.
func (r Runner) Registered() bool {
	return r.ExternalID != 0
}

// Provisioning returns true while the runner has an instance but has not
// yet registered with the hosting service.
func (r Runner) Provisioning() bool {
	return r.Status == RunnerOffline && !r.Registered()
}

// UpdateRunnerParams holds the fields a transition may change on a runner.
// Zero values mean "leave unchanged".
type UpdateRunnerParams struct {
	ExternalID  int64        `json:"external_id,omitempty"`
	InstanceID  string       `json:"instance_id,omitempty"`
	Status      RunnerStatus `json:"status,omitempty"`
	Busy        *bool        `json:"busy,omitempty"`
	Repository  string       `json:"repository,omitempty"`
	Workflow    string       `json:"workflow,omitempty"`
	PickedUpAt  time.Time    `json:"picked_up_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// RunnerGroup is a named pool of runners sharing a backend and a label
// set. Groups are defined in the configuration at startup and are never
// deleted at runtime.
type RunnerGroup struct {
	// Name is the identity of the group.
	Name string `json:"name"`
	// Organization is the hosting service organization this group
	// registers runners with.
	Organization string `json:"organization"`
	// Backend is the name of the backend adapter bound to this group.
	Backend string `json:"backend"`
	// Labels is the label set inherited by every runner in the group.
	Labels []string `json:"labels"`
	// MinRunners is the number of runners the startup reconciler keeps
	// around at all times.
	MinRunners uint `json:"min_runners"`
	// MaxRunners caps the group size. Scale up decisions beyond this are
	// dropped.
	MaxRunners uint `json:"max_runners"`
	// AllowList optionally restricts which repositories may run jobs on
	// this group. Empty means all repositories in the organization.
	AllowList []string `json:"allow_list,omitempty"`
	// Manager is the name of the manager that owns this group. Set at
	// creation, never mutated.
	Manager string `json:"manager"`
	// RunnerPrefix overrides the prefix used for generated runner names.
	// Defaults to the group name.
	RunnerPrefix string `json:"runner_prefix,omitempty"`
	// Spot records the group policy of provisioning spot/preemptible
	// instances where the backend supports it.
	Spot bool `json:"spot,omitempty"`
}

// GetRunnerPrefix returns the prefix for runner names in this group.
func (g RunnerGroup) GetRunnerPrefix() string {
	if g.RunnerPrefix != "" {
		return g.RunnerPrefix
	}
	return g.Name
}

// HasAllLabels returns true if every label in labels is part of this
// group's label set. Used to match a queued workflow job to a group.
func (g RunnerGroup) HasAllLabels(labels []string) bool {
	hashed := map[string]struct{}{}
	for _, val := range g.Labels {
		hashed[val] = struct{}{}
	}

	for _, val := range labels {
		if _, ok := hashed[val]; !ok {
			return false
		}
	}

	return true
}

// AllowsRepository returns true if the group accepts jobs from the given
// repository (full name, owner/repo).
func (g RunnerGroup) AllowsRepository(fullName string) bool {
	if len(g.AllowList) == 0 {
		return true
	}
	for _, repo := range g.AllowList {
		if repo == fullName {
			return true
		}
	}
	return false
}

// GroupStatus reports whether the per group manager is running and, when
// it is not, why.
type GroupStatus struct {
	Name          string `json:"name"`
	IsRunning     bool   `json:"running"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// JobStatus is the status of a workflow job as reported by the hosting
// service.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
)

// Job is one workflow job recorded in the journal. Backs the read only
// events view of the management API.
type Job struct {
	// ID is the workflow job ID from the hosting service.
	ID int64 `json:"id"`
	// RunID is the ID of the workflow run this job belongs to.
	RunID int64 `json:"run_id"`

	Action     string    `json:"action"`
	Status     JobStatus `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	Name       string    `json:"name"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Labels []string `json:"labels"`

	// RunnerName is the name of the runner the job landed on, when the
	// hosting service reported one.
	RunnerName string `json:"runner_name,omitempty"`
	// GroupName is the group the runner belonged to, when known.
	GroupName string `json:"group_name,omitempty"`

	RepositoryOwner string `json:"repository_owner"`
	RepositoryName  string `json:"repository_name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType classifies runner lifecycle events emitted on the event
// stream.
type EventType string

const (
	EventRunnerCreated    EventType = "runner_created"
	EventRunnerRegistered EventType = "runner_registered"
	EventRunnerPickedUp   EventType = "runner_picked_up"
	EventRunnerCompleted  EventType = "runner_completed"
	EventRunnerDeleted    EventType = "runner_deleted"
	EventRunnerTimedOut   EventType = "runner_timed_out"
	EventRunnerOrphaned   EventType = "runner_orphaned"
)

// RunnerEvent is one entry on the live event stream.
type RunnerEvent struct {
	Time    time.Time `json:"time"`
	Type    EventType `json:"type"`
	Runner  string    `json:"runner"`
	Group   string    `json:"group,omitempty"`
	Message string    `json:"message,omitempty"`
}
