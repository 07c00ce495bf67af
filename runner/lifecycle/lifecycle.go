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

// Package lifecycle implements the state machine of a single runner:
// create, registration, pickup, finish and delete. Every transition runs
// under a per runner lock and is safe to re-execute once its write side
// succeeded.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/locking"
	"github.com/harryfinbow/runner-manager/metrics"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
	"github.com/harryfinbow/runner-manager/util"
)

// ErrRunnerNotReady is returned by Pickup when the runner exists but has
// not yet registered with the hosting service. The dispatcher requeues
// the event with a bounded retry budget.
var ErrRunnerNotReady = runnerErrors.NewConflictError("runner is not yet registered")

// DeleteOpts tweaks the delete transition.
type DeleteOpts struct {
	// SkipBackend skips the backend delete call. Set when the instance is
	// already known to be gone (orphan reconciliation).
	SkipBackend bool
	// Reason is recorded on the emitted event.
	Reason string
}

// Manager drives the lifecycle transitions of one group's runners.
type Manager struct {
	store   dbCommon.RunnerStore
	hosting common.HostingClient
	backend common.Backend
	locker  locking.Locker
	group   params.RunnerGroup
	notify  func(params.RunnerEvent)
}

// NewManager returns a lifecycle manager for the given group. notify may
// be nil when no event stream is wired.
func NewManager(store dbCommon.RunnerStore, hosting common.HostingClient, backend common.Backend, locker locking.Locker, group params.RunnerGroup, notify func(params.RunnerEvent)) *Manager {
	return &Manager{
		store:   store,
		hosting: hosting,
		backend: backend,
		locker:  locker,
		group:   group,
		notify:  notify,
	}
}

func (m *Manager) emit(eventType params.EventType, runnerName, message string) {
	if m.notify == nil {
		return
	}
	m.notify(params.RunnerEvent{
		Time:    time.Now().UTC(),
		Type:    eventType,
		Runner:  runnerName,
		Group:   m.group.Name,
		Message: message,
	})
}

// Create provisions one new runner for the group: a JIT config is issued
// by the hosting service, a provisioning record is persisted, then the
// backend creates the instance and the instance ID is recorded. The
// external ID is not persisted here; registration is observed by the
// indexing reconciler once the runner connects.
func (m *Manager) Create(ctx context.Context) (runner params.Runner, err error) {
	metrics.RunnerOperationCount.WithLabelValues("Create", m.group.Name).Inc()
	defer func() {
		if err != nil {
			metrics.RunnerOperationFailedCount.WithLabelValues("Create", m.group.Name).Inc()
		}
	}()

	name := util.NewRunnerName(m.group.GetRunnerPrefix())
	ctx = util.WithSlogContext(ctx, slog.Any("runner", name), slog.Any("group", m.group.Name))

	m.locker.Lock(name)
	defer m.locker.Unlock(name, false)

	callCtx, cancel := context.WithTimeout(ctx, common.BackendCallTimeout)
	defer cancel()

	externalID, jitConfig, err := m.hosting.GenerateJITConfig(callCtx, m.group.Organization, name, m.group.Labels)
	if err != nil {
		// Nothing persisted yet, surface as is.
		return params.Runner{}, errors.Wrap(err, "generating JIT config")
	}

	runner = params.Runner{
		Name:         name,
		Group:        m.group.Name,
		Organization: m.group.Organization,
		Labels:       m.group.Labels,
		Status:       params.RunnerOffline,
		JITConfig:    jitConfig,
		Manager:      m.group.Manager,
		CreatedAt:    time.Now().UTC(),
	}

	if runner, err = m.store.SaveRunner(ctx, runner); err != nil {
		return params.Runner{}, errors.Wrap(err, "saving provisioning record")
	}

	created, err := m.backend.CreateInstance(callCtx, runner)
	if err != nil {
		// Roll back so a failed create leaves no trace. The JIT
		// registration is revoked best effort; the indexing reconciler
		// reaps it otherwise.
		if delErr := m.store.DeleteRunner(ctx, name); delErr != nil {
			slog.ErrorContext(ctx, "removing record after failed create", "error", delErr)
		}
		if deregErr := m.hosting.DeregisterRunner(callCtx, m.group.Organization, externalID); deregErr != nil {
			slog.WarnContext(ctx, "revoking JIT registration after failed create", "error", deregErr)
		}
		return params.Runner{}, errors.Wrap(err, "creating instance")
	}

	runner, err = m.store.UpdateRunner(ctx, name, params.UpdateRunnerParams{
		InstanceID: created.InstanceID,
	})
	if err != nil {
		return params.Runner{}, errors.Wrap(err, "recording instance ID")
	}

	slog.InfoContext(ctx, "runner created", "instance_id", runner.InstanceID)
	m.emit(params.EventRunnerCreated, name, "provisioning started")
	return runner, nil
}

// MarkRegistered promotes a provisioning runner to online, recording the
// external ID the hosting service assigned. Re-applying the registration
// is a no-op.
func (m *Manager) MarkRegistered(ctx context.Context, name string, externalID int64) (err error) {
	metrics.RunnerOperationCount.WithLabelValues("MarkRegistered", m.group.Name).Inc()
	defer func() {
		if err != nil {
			metrics.RunnerOperationFailedCount.WithLabelValues("MarkRegistered", m.group.Name).Inc()
		}
	}()

	m.locker.Lock(name)
	defer m.locker.Unlock(name, false)

	runner, err := m.store.GetRunner(ctx, name)
	if err != nil {
		return errors.Wrap(err, "fetching runner")
	}

	if runner.Registered() && runner.Status != params.RunnerOffline {
		return nil
	}
	if !runner.Status.CanTransitionTo(params.RunnerOnline) {
		slog.WarnContext(ctx, "dropping backward registration",
			"runner", name, "status", runner.Status)
		return nil
	}

	if _, err := m.store.UpdateRunner(ctx, name, params.UpdateRunnerParams{
		ExternalID: externalID,
		Status:     params.RunnerOnline,
	}); err != nil {
		return errors.Wrap(err, "promoting runner to online")
	}

	slog.InfoContext(ctx, "runner registered", "runner", name, "external_id", externalID)
	m.emit(params.EventRunnerRegistered, name, "registered with hosting service")
	return nil
}

// SetIdle refines a registered runner's status from the hosting service
// listing: online and not busy becomes idle. Only forward moves are
// applied.
func (m *Manager) SetIdle(ctx context.Context, name string) error {
	m.locker.Lock(name)
	defer m.locker.Unlock(name, false)

	runner, err := m.store.GetRunner(ctx, name)
	if err != nil {
		return errors.Wrap(err, "fetching runner")
	}
	if runner.Status != params.RunnerOnline {
		return nil
	}

	_, err = m.store.UpdateRunner(ctx, name, params.UpdateRunnerParams{
		Status: params.RunnerIdle,
	})
	return errors.Wrap(err, "refining runner to idle")
}

// Pickup transitions a registered runner to busy on a workflow_job
// in_progress event. The pickup timestamp is recorded once; a duplicate
// event is a no-op. An event for a runner that has not yet registered
// returns ErrRunnerNotReady so the caller can requeue it.
func (m *Manager) Pickup(ctx context.Context, name string, job params.WorkflowJob) (err error) {
	metrics.RunnerOperationCount.WithLabelValues("Pickup", m.group.Name).Inc()
	defer func() {
		if err != nil {
			metrics.RunnerOperationFailedCount.WithLabelValues("Pickup", m.group.Name).Inc()
		}
	}()

	m.locker.Lock(name)
	defer m.locker.Unlock(name, false)

	runner, err := m.store.GetRunner(ctx, name)
	if err != nil {
		return errors.Wrap(err, "fetching runner")
	}

	switch {
	case runner.Status == params.RunnerBusy:
		// Duplicate delivery.
		return nil
	case runner.Status == params.RunnerOffline:
		return ErrRunnerNotReady
	case !runner.Status.CanTransitionTo(params.RunnerBusy):
		// An in_progress arriving after completed is stale; drop it.
		slog.WarnContext(ctx, "dropping out of order in_progress event",
			"runner", name, "status", runner.Status)
		return nil
	}

	busy := true
	if _, err := m.store.UpdateRunner(ctx, name, params.UpdateRunnerParams{
		Status:     params.RunnerBusy,
		Busy:       &busy,
		PickedUpAt: time.Now().UTC(),
		Repository: job.Repository.FullName,
		Workflow:   job.WorkflowJob.WorkflowName,
	}); err != nil {
		return errors.Wrap(err, "promoting runner to busy")
	}

	slog.InfoContext(ctx, "job picked up", "runner", name,
		"repository", job.Repository.FullName, "job_id", job.WorkflowJob.ID)
	m.emit(params.EventRunnerPickedUp, name, job.Repository.FullName)
	return nil
}

// Finish transitions a runner to completed on a workflow_job completed
// event. Accepted from online and idle too, for jobs cancelled before the
// pickup was observed. Finishing a runner that is already gone succeeds.
func (m *Manager) Finish(ctx context.Context, name string) (err error) {
	metrics.RunnerOperationCount.WithLabelValues("Finish", m.group.Name).Inc()
	defer func() {
		if err != nil {
			metrics.RunnerOperationFailedCount.WithLabelValues("Finish", m.group.Name).Inc()
		}
	}()

	m.locker.Lock(name)
	defer m.locker.Unlock(name, false)

	runner, err := m.store.GetRunner(ctx, name)
	if err != nil {
		if errors.As(err, new(*runnerErrors.NotFoundError)) {
			return nil
		}
		return errors.Wrap(err, "fetching runner")
	}

	if runner.Status == params.RunnerCompleted {
		return nil
	}
	if !runner.Status.CanTransitionTo(params.RunnerCompleted) {
		slog.WarnContext(ctx, "dropping invalid completed event",
			"runner", name, "status", runner.Status)
		return nil
	}

	busy := false
	if _, err := m.store.UpdateRunner(ctx, name, params.UpdateRunnerParams{
		Status:      params.RunnerCompleted,
		Busy:        &busy,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "marking runner completed")
	}

	slog.InfoContext(ctx, "job finished", "runner", name)
	m.emit(params.EventRunnerCompleted, name, "job completed")
	return nil
}

// Delete tears a runner down: deregister from the hosting service
// (unknown runner is success), delete the backend instance, then remove
// the record. The ordering matters; the hosting service must stop
// advertising the runner before the instance dies. Deleting a runner
// that no longer has a record succeeds without touching the backend.
func (m *Manager) Delete(ctx context.Context, name string, opts DeleteOpts) (err error) {
	metrics.RunnerOperationCount.WithLabelValues("Delete", m.group.Name).Inc()
	defer func() {
		if err != nil {
			metrics.RunnerOperationFailedCount.WithLabelValues("Delete", m.group.Name).Inc()
		}
	}()

	m.locker.Lock(name)
	deleted := false
	defer func() {
		m.locker.Unlock(name, deleted)
	}()

	runner, err := m.store.GetRunner(ctx, name)
	if err != nil {
		if errors.As(err, new(*runnerErrors.NotFoundError)) {
			return nil
		}
		return errors.Wrap(err, "fetching runner")
	}

	callCtx, cancel := context.WithTimeout(ctx, common.BackendCallTimeout)
	defer cancel()

	if runner.Registered() {
		if err := m.hosting.DeregisterRunner(callCtx, runner.Organization, runner.ExternalID); err != nil {
			return errors.Wrap(err, "deregistering runner")
		}
	}

	if !opts.SkipBackend && runner.InstanceID != "" {
		if err := m.backend.DeleteInstance(callCtx, runner); err != nil {
			return errors.Wrap(err, "deleting instance")
		}
	}

	if err := m.store.DeleteRunner(ctx, name); err != nil {
		return errors.Wrap(err, "removing runner record")
	}
	deleted = true

	slog.InfoContext(ctx, "runner deleted", "runner", name, "reason", opts.Reason)
	m.emit(params.EventRunnerDeleted, name, opts.Reason)
	return nil
}
