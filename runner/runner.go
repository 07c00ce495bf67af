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

// Package runner wires the pieces together: it builds one group manager
// per configured runner group, validates and queues incoming webhooks
// and routes workflow job events to the right group. It also backs the
// read only views of the management API.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/pkg/errors"

	"github.com/harryfinbow/runner-manager/config"
	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/locking"
	"github.com/harryfinbow/runner-manager/metrics"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
	"github.com/harryfinbow/runner-manager/runner/lifecycle"
	"github.com/harryfinbow/runner-manager/runner/pool"
	"github.com/harryfinbow/runner-manager/runner/providers"
	"github.com/harryfinbow/runner-manager/util"
	ghClient "github.com/harryfinbow/runner-manager/util/github"
)

const (
	// dispatchRetryAttempts bounds how many times an early in_progress
	// event is requeued while its runner finishes registering.
	dispatchRetryAttempts = 5
	// dispatchRetryDelay spaces those requeue attempts.
	dispatchRetryDelay = 10 * time.Second

	// jobPurgeInterval is how often completed entries are purged from the
	// workflow job journal.
	jobPurgeInterval = time.Hour
)

// ErrQueueFull is returned by DispatchWorkflowJob when the intake queue
// is at capacity. The webhook endpoint maps it to 503 so the hosting
// service redelivers.
var ErrQueueFull = errors.New("webhook queue is full")

type queuedJob struct {
	job      params.WorkflowJob
	attempts int
}

// Runner is the top level manager: one group manager per configured
// group plus the webhook dispatch queue.
type Runner struct {
	ctx context.Context
	cfg *config.Config

	store   dbCommon.RunnerStore
	jobs    dbCommon.JobsStore
	hosting common.HostingClient

	groups    map[string]common.GroupManager
	groupDefs map[string]params.RunnerGroup
	notify    func(params.RunnerEvent)

	queue chan queuedJob
	quit  chan struct{}
	done  chan struct{}

	once sync.Once
}

// NewRunner builds the hosting service client, one backend and group
// manager per configured group and the dispatch queue. notify may be
// nil.
func NewRunner(ctx context.Context, cfg *config.Config, store dbCommon.RunnerStore, jobs dbCommon.JobsStore, notify func(params.RunnerEvent)) (*Runner, error) {
	hosting, err := ghClient.NewClient(ctx, cfg.Github)
	if err != nil {
		return nil, errors.Wrap(err, "creating hosting service client")
	}

	locker := locking.NewLocalLocker()
	timeouts := pool.Timeouts{
		TimeoutRunner:       cfg.TimeoutRunner.Duration,
		TimeToLive:          cfg.TimeToLive.Duration,
		HealthcheckInterval: cfg.HealthcheckInterval.Duration,
		IndexingInterval:    cfg.IndexingInterval.Duration,
	}

	groups := map[string]common.GroupManager{}
	groupDefs := map[string]params.RunnerGroup{}
	for _, groupCfg := range cfg.RunnerGroups {
		backend, err := providers.NewBackend(ctx, groupCfg.Backend, cfg.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "creating backend for group %s", groupCfg.Name)
		}

		group := params.RunnerGroup{
			Name:         groupCfg.Name,
			Organization: groupCfg.Organization,
			Backend:      string(groupCfg.Backend.Name),
			Labels:       groupCfg.Labels,
			MinRunners:   groupCfg.Min,
			MaxRunners:   groupCfg.Max,
			AllowList:    groupCfg.AllowList,
			Manager:      cfg.Name,
			RunnerPrefix: groupCfg.RunnerPrefix,
			Spot:         groupCfg.Spot,
		}

		manager, err := pool.NewGroupManager(ctx, group, store, hosting, backend, locker, timeouts, notify)
		if err != nil {
			return nil, errors.Wrapf(err, "creating manager for group %s", groupCfg.Name)
		}
		groups[group.Name] = manager
		groupDefs[group.Name] = group
	}

	queueSize := cfg.WebhookQueueSize
	if queueSize == 0 {
		queueSize = config.DefaultWebhookQueueSize
	}

	return &Runner{
		ctx:       ctx,
		cfg:       cfg,
		store:     store,
		jobs:      jobs,
		hosting:   hosting,
		groups:    groups,
		groupDefs: groupDefs,
		notify:    notify,
		queue:     make(chan queuedJob, queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the group managers and the dispatch loop.
func (r *Runner) Start() error {
	for _, group := range r.groups {
		if err := group.Start(); err != nil {
			return errors.Wrapf(err, "starting group %s", group.Name())
		}
	}
	go r.dispatchLoop()
	return nil
}

// Stop shuts the dispatch loop and the group managers down. The queue is
// drained before the loop exits.
func (r *Runner) Stop() error {
	r.once.Do(func() {
		close(r.quit)
	})

	for _, group := range r.groups {
		if err := group.Stop(); err != nil {
			return errors.Wrapf(err, "stopping group %s", group.Name())
		}
	}
	return nil
}

// Wait blocks until the dispatch loop and all group managers stopped, or
// the shutdown budget expires.
func (r *Runner) Wait() error {
	select {
	case <-r.done:
	case <-time.After(common.ShutdownTimeout):
		return errors.Wrap(runnerErrors.ErrTimeout, "waiting for dispatch loop")
	}

	for _, group := range r.groups {
		if err := group.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWebhookSignature checks the signature header of a webhook
// delivery against the shared secret. Every delivery is verified,
// whatever its event type.
func (r *Runner) ValidateWebhookSignature(signature string, body []byte) error {
	secret := r.cfg.Github.WebhookSecret
	if err := github.ValidateSignature(signature, body, []byte(secret)); err != nil {
		// Constant time compare inside; a failure means a missing or
		// forged signature.
		return errors.Wrap(runnerErrors.ErrUnauthorized, "validating signature")
	}
	return nil
}

// DispatchWorkflowJob validates the webhook signature against the shared
// secret and queues the event. The HTTP response never waits on cloud
// calls; actual processing happens on the dispatch loop.
func (r *Runner) DispatchWorkflowJob(hookTargetType, signature string, jobData []byte) error {
	if len(jobData) == 0 {
		return runnerErrors.NewBadRequestError("missing post body")
	}

	if err := r.ValidateWebhookSignature(signature, jobData); err != nil {
		return err
	}

	var job params.WorkflowJob
	if err := json.Unmarshal(jobData, &job); err != nil {
		return runnerErrors.NewBadRequestError("invalid workflow job: %s", err)
	}

	return r.enqueue(queuedJob{job: job})
}

func (r *Runner) enqueue(item queuedJob) error {
	select {
	case r.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) dispatchLoop() {
	defer close(r.done)

	purgeTicker := time.NewTicker(jobPurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case item := <-r.queue:
			r.process(item)
		case <-purgeTicker.C:
			if r.jobs == nil {
				continue
			}
			if err := r.jobs.DeleteCompletedJobs(r.ctx); err != nil {
				slog.ErrorContext(r.ctx, "purging completed jobs", "error", err)
			}
		case <-r.quit:
			r.drain()
			return
		case <-r.ctx.Done():
			r.drain()
			return
		}
	}
}

// drain processes whatever is left on the queue before shutdown.
func (r *Runner) drain() {
	for {
		select {
		case item := <-r.queue:
			r.process(item)
		default:
			return
		}
	}
}

func (r *Runner) process(item queuedJob) {
	job := item.job
	ctx := util.WithSlogContext(r.ctx,
		slog.Int64("job_id", job.WorkflowJob.ID),
		slog.String("action", util.SanitizeLogEntry(job.Action)))

	r.journal(ctx, job)

	group, err := r.routeJob(ctx, job)
	if err != nil {
		slog.DebugContext(ctx, "no group for workflow job", "error", err)
		return
	}
	if group == nil {
		return
	}

	if err := group.HandleWorkflowJob(job); err != nil {
		if errors.Is(err, lifecycle.ErrRunnerNotReady) {
			r.requeue(ctx, item)
			return
		}
		slog.ErrorContext(ctx, "handling workflow job", "group", group.Name(), "error", err)
	}
}

// requeue puts an early in_progress event back on the queue with a
// bounded retry budget. After the budget the event is dropped; the
// indexing reconciler squares the state away eventually.
func (r *Runner) requeue(ctx context.Context, item queuedJob) {
	if item.attempts+1 >= dispatchRetryAttempts {
		slog.WarnContext(ctx, "dropping workflow job event after retry budget",
			"runner", util.SanitizeLogEntry(item.job.WorkflowJob.RunnerName),
			"attempts", item.attempts+1)
		return
	}
	item.attempts++

	time.AfterFunc(dispatchRetryDelay, func() {
		if err := r.enqueue(item); err != nil {
			slog.WarnContext(ctx, "requeueing workflow job event", "error", err)
		}
	})
}

// routeJob picks the group manager responsible for a workflow job. For
// queued events the job's labels select the group; for in_progress and
// completed the runner record does. A job for a runner we do not track
// is not ours.
func (r *Runner) routeJob(ctx context.Context, job params.WorkflowJob) (common.GroupManager, error) {
	switch job.Action {
	case "queued":
		for name, def := range r.groupDefs {
			if !def.HasAllLabels(job.WorkflowJob.Labels) {
				continue
			}
			if !def.AllowsRepository(job.Repository.FullName) {
				continue
			}
			return r.groups[name], nil
		}
		return nil, runnerErrors.NewNotFoundError("no group matches labels %v", job.WorkflowJob.Labels)
	case "in_progress", "completed":
		runnerName := job.WorkflowJob.RunnerName
		if runnerName == "" {
			return nil, nil
		}
		runner, err := r.store.GetRunner(ctx, runnerName)
		if err != nil {
			return nil, errors.Wrap(err, "looking up runner")
		}
		group, ok := r.groups[runner.Group]
		if !ok {
			return nil, runnerErrors.NewNotFoundError("no manager for group %s", runner.Group)
		}
		return group, nil
	default:
		return nil, nil
	}
}

// journal upserts the workflow job into the jobs store. Journal failures
// never block the lifecycle transition.
func (r *Runner) journal(ctx context.Context, job params.WorkflowJob) {
	if r.jobs == nil {
		return
	}

	entry := params.Job{
		ID:              job.WorkflowJob.ID,
		RunID:           job.WorkflowJob.RunID,
		Action:          job.Action,
		Status:          params.JobStatus(job.WorkflowJob.Status),
		Conclusion:      job.WorkflowJob.Conclusion,
		Name:            job.WorkflowJob.Name,
		StartedAt:       job.WorkflowJob.StartedAt,
		CompletedAt:     job.WorkflowJob.CompletedAt,
		Labels:          job.WorkflowJob.Labels,
		RunnerName:      job.WorkflowJob.RunnerName,
		GroupName:       job.WorkflowJob.RunnerGroupName,
		RepositoryOwner: job.Repository.Owner.Login,
		RepositoryName:  job.Repository.Name,
	}
	if _, err := r.jobs.CreateOrUpdateJob(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "journaling workflow job", "error", err)
	}
}

// ListGroups returns the status of every group manager.
func (r *Runner) ListGroups(_ context.Context) []params.GroupStatus {
	ret := make([]params.GroupStatus, 0, len(r.groups))
	for _, group := range r.groups {
		ret = append(ret, group.Status())
	}
	return ret
}

// GetGroup returns the status of one group manager.
func (r *Runner) GetGroup(_ context.Context, name string) (params.GroupStatus, error) {
	group, ok := r.groups[name]
	if !ok {
		return params.GroupStatus{}, runnerErrors.NewNotFoundError("group %s not found", name)
	}
	return group.Status(), nil
}

// ListRunners returns all tracked runners, optionally filtered by group.
func (r *Runner) ListRunners(ctx context.Context, group string) ([]params.Runner, error) {
	if group != "" {
		if _, ok := r.groups[group]; !ok {
			return nil, runnerErrors.NewNotFoundError("group %s not found", group)
		}
		return r.store.FindRunners(ctx, dbCommon.RunnerFilter{Group: group})
	}
	return r.store.ListRunners(ctx)
}

// GetRunner returns one tracked runner by name.
func (r *Runner) GetRunner(ctx context.Context, name string) (params.Runner, error) {
	return r.store.GetRunner(ctx, name)
}

// ListJobs returns the workflow job journal, newest first.
func (r *Runner) ListJobs(ctx context.Context) ([]params.Job, error) {
	if r.jobs == nil {
		return []params.Job{}, nil
	}
	return r.jobs.ListAllJobs(ctx)
}

// WebhookMetric records the outcome of one webhook delivery.
func WebhookMetric(valid bool, reason string) {
	validLabel := "false"
	if valid {
		validLabel = "true"
	}
	metrics.WebhooksReceived.WithLabelValues(validLabel, reason).Inc()
}
