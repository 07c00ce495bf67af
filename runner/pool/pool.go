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

// Package pool runs the reconcilers of a single runner group: minimum
// enforcement on startup, the periodic healthcheck (age and liveness)
// and the periodic indexing pass that squares the store with the hosting
// service and the backend.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/locking"
	"github.com/harryfinbow/runner-manager/metrics"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
	"github.com/harryfinbow/runner-manager/runner/lifecycle"
	"github.com/harryfinbow/runner-manager/util"
)

// Timeouts carries the reconciler intervals and age limits from the
// configuration.
type Timeouts struct {
	// TimeoutRunner bounds how long a runner may stay in provisioning,
	// and how long a registered runner may stay absent from the hosting
	// service listing before the indexing pass deletes it.
	TimeoutRunner time.Duration
	// TimeToLive bounds the total age of any runner.
	TimeToLive time.Duration

	HealthcheckInterval time.Duration
	IndexingInterval    time.Duration
}

// NewGroupManager returns a group manager wired to the given stores and
// clients. Call Start to launch the reconciler loops.
func NewGroupManager(ctx context.Context, group params.RunnerGroup, store dbCommon.RunnerStore, hosting common.HostingClient, backend common.Backend, locker locking.Locker, timeouts Timeouts, notify func(params.RunnerEvent)) (common.GroupManager, error) {
	if timeouts.HealthcheckInterval <= 0 || timeouts.IndexingInterval <= 0 {
		return nil, runnerErrors.NewBadRequestError("reconciler intervals must be positive")
	}

	ctx = util.WithSlogContext(ctx, slog.String("group", group.Name))
	return &groupManager{
		ctx:         ctx,
		group:       group,
		store:       store,
		hosting:     hosting,
		backend:     backend,
		locker:      locker,
		backoff:     locking.NewDeleteBackoff(),
		lifecycle:   lifecycle.NewManager(store, hosting, backend, locker, group, notify),
		timeouts:    timeouts,
		absentSince: map[string]time.Time{},
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

type groupManager struct {
	ctx   context.Context
	group params.RunnerGroup

	store     dbCommon.RunnerStore
	hosting   common.HostingClient
	backend   common.Backend
	locker    locking.Locker
	backoff   locking.DeleteBackoff
	lifecycle *lifecycle.Manager

	timeouts Timeouts

	// absentSince records when a registered runner was first missing
	// from the hosting service listing. Only touched by the indexing
	// pass.
	absentSince map[string]time.Time

	quit chan struct{}
	done chan struct{}

	running       bool
	failureReason string
	mux           sync.Mutex
}

var _ common.GroupManager = &groupManager{}

func (g *groupManager) Name() string {
	return g.group.Name
}

func (g *groupManager) Status() params.GroupStatus {
	g.mux.Lock()
	defer g.mux.Unlock()
	return params.GroupStatus{
		Name:          g.group.Name,
		IsRunning:     g.running,
		FailureReason: g.failureReason,
	}
}

func (g *groupManager) setRunningState(running bool, reason string) {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.running = running
	g.failureReason = reason

	status := float64(0)
	if running {
		status = 1
	}
	metrics.GroupStatus.WithLabelValues(g.group.Name).Set(status)
}

// groupLockKey serializes sizing decisions so the startup reconciler and
// a scale up triggered by a queued webhook never both provision against
// min_runners.
func (g *groupManager) groupLockKey() string {
	return "group:" + g.group.Name
}

func (g *groupManager) Start() error {
	metrics.GroupInfo.WithLabelValues(
		g.group.Name, g.group.Organization, g.group.Backend).Set(1)
	metrics.GroupMinRunners.WithLabelValues(g.group.Name).Set(float64(g.group.MinRunners))
	metrics.GroupMaxRunners.WithLabelValues(g.group.Name).Set(float64(g.group.MaxRunners))

	go g.loop()
	return nil
}

func (g *groupManager) Stop() error {
	close(g.quit)
	return nil
}

func (g *groupManager) Wait() error {
	select {
	case <-g.done:
	case <-time.After(common.ShutdownTimeout):
		return errors.Wrapf(runnerErrors.ErrTimeout, "waiting for group %s to stop", g.group.Name)
	}
	return nil
}

func (g *groupManager) loop() {
	healthcheckTicker := time.NewTicker(g.timeouts.HealthcheckInterval)
	indexingTicker := time.NewTicker(g.timeouts.IndexingInterval)
	defer func() {
		slog.InfoContext(g.ctx, "group loop exited")
		healthcheckTicker.Stop()
		indexingTicker.Stop()
		g.setRunningState(false, "stopped")
		close(g.done)
	}()

	slog.InfoContext(g.ctx, "starting group loop",
		"min_runners", g.group.MinRunners, "max_runners", g.group.MaxRunners)

	// Square state away before enforcing minimums, so leftovers from a
	// previous run are counted correctly.
	if err := g.runIndexing(); err != nil {
		slog.ErrorContext(g.ctx, "initial indexing pass failed", "error", err)
	}
	if err := g.EnsureMinRunners(); err != nil {
		slog.ErrorContext(g.ctx, "enforcing minimum runners failed", "error", err)
	}
	g.setRunningState(true, "")

	for {
		select {
		case <-healthcheckTicker.C:
			if err := g.runHealthcheck(); err != nil {
				slog.ErrorContext(g.ctx, "healthcheck pass failed", "error", err)
			}
		case <-indexingTicker.C:
			if err := g.runIndexing(); err != nil {
				slog.ErrorContext(g.ctx, "indexing pass failed", "error", err)
			}
		case <-g.ctx.Done():
			return
		case <-g.quit:
			return
		}
	}
}

// tickContext bounds one reconciler pass to its interval minus a safety
// margin, so a stuck cloud call cannot pile ticks on top of each other.
func (g *groupManager) tickContext(interval time.Duration) (context.Context, context.CancelFunc) {
	deadline := interval - common.ReconcileTickSafetyMargin
	if deadline <= 0 {
		deadline = interval
	}
	return context.WithTimeout(g.ctx, deadline)
}

// EnsureMinRunners creates runners until the group holds at least
// MinRunners non completed ones. Runs under the group lock.
func (g *groupManager) EnsureMinRunners() error {
	g.locker.Lock(g.groupLockKey())
	defer g.locker.Unlock(g.groupLockKey(), false)

	ctx, cancel := g.tickContext(g.timeouts.HealthcheckInterval)
	defer cancel()

	runners, err := g.store.FindRunners(ctx, dbCommon.RunnerFilter{Group: g.group.Name})
	if err != nil {
		return errors.Wrap(err, "listing group runners")
	}

	current := 0
	for _, runner := range runners {
		if runner.Status != params.RunnerCompleted {
			current++
		}
	}

	need := int(g.group.MinRunners) - current
	if need <= 0 {
		return nil
	}
	slog.InfoContext(ctx, "provisioning runners to satisfy minimum",
		"current", current, "needed", need)

	grp, grpCtx := errgroup.WithContext(ctx)
	for i := 0; i < need; i++ {
		grp.Go(func() error {
			_, err := g.lifecycle.Create(grpCtx)
			return err
		})
	}
	return grp.Wait()
}

// ScaleUp provisions one runner in response to a queued workflow job, if
// the group is not already at MaxRunners. Runs under the group lock.
func (g *groupManager) ScaleUp() error {
	g.locker.Lock(g.groupLockKey())
	defer g.locker.Unlock(g.groupLockKey(), false)

	ctx, cancel := g.tickContext(g.timeouts.HealthcheckInterval)
	defer cancel()

	runners, err := g.store.FindRunners(ctx, dbCommon.RunnerFilter{Group: g.group.Name})
	if err != nil {
		return errors.Wrap(err, "listing group runners")
	}

	current := 0
	for _, runner := range runners {
		if runner.Status != params.RunnerCompleted {
			current++
		}
	}
	if uint(current) >= g.group.MaxRunners {
		slog.InfoContext(ctx, "group is at max runners, not scaling up", "current", current)
		return nil
	}

	_, err = g.lifecycle.Create(ctx)
	return err
}

// HandleWorkflowJob applies one workflow job event against this group's
// runners. An in_progress event for a runner that has not yet registered
// returns lifecycle.ErrRunnerNotReady so the dispatcher can requeue it.
func (g *groupManager) HandleWorkflowJob(job params.WorkflowJob) error {
	switch job.Action {
	case "queued":
		if !g.group.AllowsRepository(job.Repository.FullName) {
			slog.InfoContext(g.ctx, "repository not in group allow list",
				"repository", util.SanitizeLogEntry(job.Repository.FullName))
			return nil
		}
		if err := g.ScaleUp(); err != nil {
			return errors.Wrap(err, "scaling up")
		}
	case "in_progress":
		runnerName := job.WorkflowJob.RunnerName
		if runnerName == "" {
			return nil
		}
		if err := g.lifecycle.Pickup(g.ctx, runnerName, job); err != nil {
			return errors.Wrap(err, "picking up job")
		}
	case "completed":
		runnerName := job.WorkflowJob.RunnerName
		if runnerName == "" {
			// Never assigned; cancelled while queued.
			return nil
		}
		if err := g.lifecycle.Finish(g.ctx, runnerName); err != nil {
			return errors.Wrap(err, "finishing job")
		}
		if err := g.lifecycle.Delete(g.ctx, runnerName, lifecycle.DeleteOpts{Reason: "job completed"}); err != nil {
			return errors.Wrap(err, "deleting completed runner")
		}
	}
	return nil
}

// deleteWithBackoff runs the delete transition unless a previous failed
// attempt put this runner into backoff.
func (g *groupManager) deleteWithBackoff(ctx context.Context, name string, opts lifecycle.DeleteOpts) {
	ok, deadline := g.backoff.ShouldProcess(name)
	if !ok {
		slog.DebugContext(ctx, "delete is backed off", "runner", name, "next_attempt", deadline)
		return
	}
	if err := g.lifecycle.Delete(ctx, name, opts); err != nil {
		slog.ErrorContext(ctx, "deleting runner", "runner", name, "error", err)
		g.backoff.RecordFailure(name)
		return
	}
	g.backoff.Delete(name)
}

// runHealthcheck evaluates age based timeouts, reaps completed runners,
// reconciles orphans whose instance vanished from the backend and then
// re-enforces the group minimum.
func (g *groupManager) runHealthcheck() error {
	ctx, cancel := g.tickContext(g.timeouts.HealthcheckInterval)
	defer cancel()

	runners, err := g.store.FindRunners(ctx, dbCommon.RunnerFilter{Group: g.group.Name})
	if err != nil {
		return errors.Wrap(err, "listing group runners")
	}

	now := time.Now().UTC()
	for _, runner := range runners {
		age := now.Sub(runner.CreatedAt)
		switch {
		case runner.Status == params.RunnerCompleted:
			g.deleteWithBackoff(ctx, runner.Name, lifecycle.DeleteOpts{Reason: "job completed"})
		case runner.Provisioning() && age > g.timeouts.TimeoutRunner:
			slog.WarnContext(ctx, "runner timed out in provisioning",
				"runner", runner.Name, "age", age)
			g.deleteWithBackoff(ctx, runner.Name, lifecycle.DeleteOpts{Reason: "provisioning timeout"})
		case age > g.timeouts.TimeToLive:
			slog.WarnContext(ctx, "runner exceeded its time to live",
				"runner", runner.Name, "age", age)
			g.deleteWithBackoff(ctx, runner.Name, lifecycle.DeleteOpts{Reason: "time to live exceeded"})
		case runner.Status != params.RunnerOffline && runner.InstanceID != "":
			// Liveness: a registered runner whose instance is gone from
			// the backend is an orphan. The backend delete is skipped,
			// there is nothing left to delete.
			if _, err := g.backend.GetInstance(ctx, runner.InstanceID); err != nil {
				if errors.As(err, new(*runnerErrors.NotFoundError)) {
					slog.WarnContext(ctx, "instance vanished from backend",
						"runner", runner.Name, "instance_id", runner.InstanceID)
					g.deleteWithBackoff(ctx, runner.Name, lifecycle.DeleteOpts{
						SkipBackend: true,
						Reason:      "instance vanished",
					})
				} else {
					slog.ErrorContext(ctx, "checking instance liveness",
						"runner", runner.Name, "error", err)
				}
			}
		}
	}

	return g.EnsureMinRunners()
}

// runIndexing is the three way reconciliation between the hosting
// service's runner list, the backend's instance list and the store. It
// also observes registrations: a provisioning record whose name shows up
// in the hosting service listing is promoted to online.
func (g *groupManager) runIndexing() error {
	ctx, cancel := g.tickContext(g.timeouts.IndexingInterval)
	defer cancel()

	external, err := g.hosting.ListRunners(ctx, g.group.Organization)
	if err != nil {
		return errors.Wrap(err, "listing hosting service runners")
	}
	instances, err := g.backend.ListInstances(ctx)
	if err != nil {
		return errors.Wrap(err, "listing backend instances")
	}
	stored, err := g.store.FindRunners(ctx, dbCommon.RunnerFilter{Group: g.group.Name})
	if err != nil {
		return errors.Wrap(err, "listing group runners")
	}

	prefix := g.group.GetRunnerPrefix() + "-"

	externalByName := map[string]common.ExternalRunner{}
	for _, runner := range external {
		externalByName[runner.Name] = runner
	}
	instancesByName := map[string]params.Runner{}
	for _, instance := range instances {
		if instance.Group != g.group.Name {
			continue
		}
		instancesByName[instance.Name] = instance
	}
	storedByName := map[string]params.Runner{}
	for _, runner := range stored {
		storedByName[runner.Name] = runner
	}

	now := time.Now().UTC()
	for name, runner := range storedByName {
		ext, registered := externalByName[name]
		_, hasInstance := instancesByName[name]

		if registered {
			delete(g.absentSince, name)
		}

		switch {
		case registered && ext.Online && runner.Provisioning():
			// Registration observed; the runner consumed its JIT config
			// and connected.
			if err := g.lifecycle.MarkRegistered(ctx, name, ext.ID); err != nil {
				slog.ErrorContext(ctx, "recording registration", "runner", name, "error", err)
			}
		case registered && runner.Status == params.RunnerOnline && ext.Online && !ext.Busy:
			if err := g.lifecycle.SetIdle(ctx, name); err != nil {
				slog.ErrorContext(ctx, "refining runner to idle", "runner", name, "error", err)
			}
		case !registered && hasInstance && !runner.Provisioning():
			// The hosting service stopped advertising a registered
			// runner. A single listing can be flaky, so the instance is
			// only dead weight once the absence has lasted a full
			// timeout_runner.
			firstAbsent, seen := g.absentSince[name]
			if !seen {
				g.absentSince[name] = now
			} else if now.Sub(firstAbsent) > g.timeouts.TimeoutRunner {
				g.deleteWithBackoff(ctx, name, lifecycle.DeleteOpts{Reason: "absent from hosting service"})
			}
		case !registered && !hasInstance && !runner.Provisioning():
			// Record only. The instance and the registration are both
			// gone; drop the record.
			slog.WarnContext(ctx, "dropping stale runner record", "runner", name)
			g.deleteWithBackoff(ctx, name, lifecycle.DeleteOpts{SkipBackend: true, Reason: "stale record"})
		}
	}

	// Hosting service only: leaked registrations from failed creates or
	// missed webhooks. Only names carrying our prefix are touched.
	for name, ext := range externalByName {
		if _, ok := storedByName[name]; ok {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		slog.WarnContext(ctx, "deregistering leaked hosting service runner",
			"runner", util.SanitizeLogEntry(name), "external_id", ext.ID)
		if err := g.hosting.DeregisterRunner(ctx, g.group.Organization, ext.ID); err != nil {
			slog.ErrorContext(ctx, "deregistering leaked runner", "runner", name, "error", err)
		}
	}

	// Backend only: instances carrying our manager and group tags with no
	// record. Deleted without a deregister call; the hosting service does
	// not know them.
	for name, instance := range instancesByName {
		if _, ok := storedByName[name]; ok {
			continue
		}
		slog.WarnContext(ctx, "deleting orphaned backend instance",
			"runner", name, "instance_id", instance.InstanceID)
		if err := g.backend.DeleteInstance(ctx, instance); err != nil {
			slog.ErrorContext(ctx, "deleting orphaned instance", "runner", name, "error", err)
		}
	}

	// Absence tracking for records that no longer exist is meaningless.
	for name := range g.absentSince {
		if _, ok := storedByName[name]; !ok {
			delete(g.absentSince, name)
		}
	}

	g.updateRunnerMetrics(stored)
	return nil
}

func (g *groupManager) updateRunnerMetrics(runners []params.Runner) {
	metrics.RunnerStatus.DeletePartialMatch(prometheus.Labels{"group": g.group.Name})
	for _, runner := range runners {
		metrics.RunnerStatus.WithLabelValues(
			runner.Name, string(runner.Status), runner.Group,
			fmt.Sprintf("%t", runner.Busy)).Set(1)
	}
}
