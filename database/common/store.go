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

// RunnerFilter selects runners by secondary index. Zero valued fields are
// not part of the selection.
type RunnerFilter struct {
	Group      string
	Status     params.RunnerStatus
	Label      string
	InstanceID string
	ExternalID int64
}

// RunnerStore is the persisted runner index. It enforces uniqueness of the
// runner name and, when set, of instance_id and external_id; lifecycle
// invariants are the lifecycle manager's business.
type RunnerStore interface {
	// SaveRunner creates or replaces the record keyed by runner.Name.
	SaveRunner(ctx context.Context, runner params.Runner) (params.Runner, error)
	// UpdateRunner applies the non zero fields of param to the named
	// runner.
	UpdateRunner(ctx context.Context, name string, param params.UpdateRunnerParams) (params.Runner, error)
	GetRunner(ctx context.Context, name string) (params.Runner, error)
	// DeleteRunner removes the record and its index entries. Deleting a
	// missing runner is not an error.
	DeleteRunner(ctx context.Context, name string) error

	ListRunners(ctx context.Context) ([]params.Runner, error)
	FindRunners(ctx context.Context, filter RunnerFilter) ([]params.Runner, error)
	// FindFirstRunner returns the first runner matching the filter or
	// ErrNotFound.
	FindFirstRunner(ctx context.Context, filter RunnerFilter) (params.Runner, error)
}

// JobsStore is the workflow job journal backing the read only events view
// of the management API.
type JobsStore interface {
	CreateOrUpdateJob(ctx context.Context, job params.Job) (params.Job, error)
	ListAllJobs(ctx context.Context) ([]params.Job, error)
	ListJobsByStatus(ctx context.Context, status params.JobStatus) ([]params.Job, error)
	GetJobByID(ctx context.Context, jobID int64) (params.Job, error)
	DeleteJob(ctx context.Context, jobID int64) error
	DeleteCompletedJobs(ctx context.Context) error
}
