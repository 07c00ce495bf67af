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

package lifecycle

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	"github.com/harryfinbow/runner-manager/database/redisdb"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	gmtesting "github.com/harryfinbow/runner-manager/internal/testing"
	"github.com/harryfinbow/runner-manager/locking"
	"github.com/harryfinbow/runner-manager/params"
)

type LifecycleTestSuite struct {
	suite.Suite

	ctx     context.Context
	store   dbCommon.RunnerStore
	backend *gmtesting.FakeBackend
	hosting *gmtesting.FakeHostingClient
	events  []params.RunnerEvent
	manager *Manager
}

func (s *LifecycleTestSuite) SetupTest() {
	s.ctx = context.Background()

	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.store = redisdb.NewRunnerStoreWithClient(client)

	s.backend = gmtesting.NewFakeBackend()
	s.hosting = gmtesting.NewFakeHostingClient()
	s.events = nil

	group := params.RunnerGroup{
		Name:         "group-one",
		Organization: "acme",
		Backend:      "local",
		Labels:       []string{"self-hosted", "linux"},
		MinRunners:   1,
		MaxRunners:   3,
		Manager:      "test-manager",
	}
	s.manager = NewManager(s.store, s.hosting, s.backend, locking.NewLocalLocker(), group, func(event params.RunnerEvent) {
		s.events = append(s.events, event)
	})
}

func (s *LifecycleTestSuite) mustCreate() params.Runner {
	runner, err := s.manager.Create(s.ctx)
	s.Require().NoError(err)
	return runner
}

func (s *LifecycleTestSuite) TestCreate() {
	runner := s.mustCreate()

	s.Require().Equal(params.RunnerOffline, runner.Status)
	s.Require().NotEmpty(runner.InstanceID)
	s.Require().Zero(runner.ExternalID, "external ID is recorded at registration, not create")
	s.Require().True(runner.Provisioning())
	s.Require().Contains(runner.Name, "group-one-")

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(runner.InstanceID, stored.InstanceID)
	s.Require().Equal("jit-config-7", stored.JITConfig)
	s.Require().Equal("test-manager", stored.Manager)

	s.Require().Len(s.events, 1)
	s.Require().Equal(params.EventRunnerCreated, s.events[0].Type)
}

func (s *LifecycleTestSuite) TestCreateBackendFailurePersistsNothing() {
	s.backend.CreateErr = runnerErrors.NewBackendUnavailableError("provider down")

	_, err := s.manager.Create(s.ctx)
	s.Require().Error(err)

	runners, err := s.store.ListRunners(s.ctx)
	s.Require().NoError(err)
	s.Require().Empty(runners)

	// The JIT registration issued before the backend call is revoked.
	s.Require().Contains(s.hosting.CallLog(), "DeregisterRunner 7")
}

func (s *LifecycleTestSuite) TestCreateHostingFailurePersistsNothing() {
	s.hosting.JITErr = fmt.Errorf("boom")

	_, err := s.manager.Create(s.ctx)
	s.Require().Error(err)

	runners, err := s.store.ListRunners(s.ctx)
	s.Require().NoError(err)
	s.Require().Empty(runners)
	s.Require().Zero(s.backend.CallCount("CreateInstance"))
}

func (s *LifecycleTestSuite) TestMarkRegistered() {
	runner := s.mustCreate()

	err := s.manager.MarkRegistered(s.ctx, runner.Name, 7)
	s.Require().NoError(err)

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerOnline, stored.Status)
	s.Require().Equal(int64(7), stored.ExternalID)
	s.Require().False(stored.Provisioning())

	// Re-applying the registration changes nothing.
	err = s.manager.MarkRegistered(s.ctx, runner.Name, 7)
	s.Require().NoError(err)
}

func (s *LifecycleTestSuite) TestSetIdle() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))
	s.Require().NoError(s.manager.SetIdle(s.ctx, runner.Name))

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerIdle, stored.Status)
}

func inProgressJob(runnerName string) params.WorkflowJob {
	job := params.WorkflowJob{Action: "in_progress"}
	job.WorkflowJob.ID = 1234
	job.WorkflowJob.RunnerName = runnerName
	job.WorkflowJob.WorkflowName = "ci"
	job.Repository.FullName = "acme/widgets"
	return job
}

func (s *LifecycleTestSuite) TestPickupAndFinish() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))

	err := s.manager.Pickup(s.ctx, runner.Name, inProgressJob(runner.Name))
	s.Require().NoError(err)

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerBusy, stored.Status)
	s.Require().True(stored.Busy)
	s.Require().False(stored.PickedUpAt.IsZero())
	s.Require().Equal("acme/widgets", stored.Repository)
	s.Require().Equal("ci", stored.Workflow)

	err = s.manager.Finish(s.ctx, runner.Name)
	s.Require().NoError(err)

	stored, err = s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerCompleted, stored.Status)
	s.Require().False(stored.Busy)
	s.Require().False(stored.CompletedAt.IsZero())
}

func (s *LifecycleTestSuite) TestDuplicatePickupIsNoOp() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))
	s.Require().NoError(s.manager.Pickup(s.ctx, runner.Name, inProgressJob(runner.Name)))

	first, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.Pickup(s.ctx, runner.Name, inProgressJob(runner.Name)))

	second, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(first.PickedUpAt, second.PickedUpAt, "duplicate in_progress must not overwrite the pickup timestamp")
}

func (s *LifecycleTestSuite) TestPickupBeforeRegistrationIsRetryable() {
	runner := s.mustCreate()

	err := s.manager.Pickup(s.ctx, runner.Name, inProgressJob(runner.Name))
	s.Require().ErrorIs(err, ErrRunnerNotReady)

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerOffline, stored.Status)
}

func (s *LifecycleTestSuite) TestOutOfOrderInProgressIsDropped() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))
	s.Require().NoError(s.manager.Finish(s.ctx, runner.Name))

	// A late in_progress must never move the runner back to busy.
	err := s.manager.Pickup(s.ctx, runner.Name, inProgressJob(runner.Name))
	s.Require().NoError(err)

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerCompleted, stored.Status)
	s.Require().False(stored.Busy)
}

func (s *LifecycleTestSuite) TestDeleteOrdering() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))
	s.Require().NoError(s.manager.Pickup(s.ctx, runner.Name, inProgressJob(runner.Name)))
	s.Require().NoError(s.manager.Finish(s.ctx, runner.Name))

	err := s.manager.Delete(s.ctx, runner.Name, DeleteOpts{Reason: "job completed"})
	s.Require().NoError(err)

	// Deregistered upstream before the instance died.
	s.Require().Equal([]string{"GenerateJITConfig " + runner.Name, "DeregisterRunner 7"}, s.hosting.CallLog())
	s.Require().False(s.hosting.HasRunner(7))
	s.Require().False(s.backend.HasInstance(runner.InstanceID))

	_, err = s.store.GetRunner(s.ctx, runner.Name)
	s.Require().ErrorAs(err, new(*runnerErrors.NotFoundError))
}

func (s *LifecycleTestSuite) TestDeleteIsIdempotent() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))

	s.Require().NoError(s.manager.Delete(s.ctx, runner.Name, DeleteOpts{}))
	deletesAfterFirst := s.backend.CallCount("DeleteInstance")

	// The second delete succeeds without another backend call.
	s.Require().NoError(s.manager.Delete(s.ctx, runner.Name, DeleteOpts{}))
	s.Require().Equal(deletesAfterFirst, s.backend.CallCount("DeleteInstance"))
	s.Require().Equal(1, deletesAfterFirst)
}

func (s *LifecycleTestSuite) TestDeleteSkipsBackendForOrphans() {
	runner := s.mustCreate()
	s.Require().NoError(s.manager.MarkRegistered(s.ctx, runner.Name, 7))

	err := s.manager.Delete(s.ctx, runner.Name, DeleteOpts{SkipBackend: true, Reason: "instance gone"})
	s.Require().NoError(err)
	s.Require().Zero(s.backend.CallCount("DeleteInstance"))

	_, err = s.store.GetRunner(s.ctx, runner.Name)
	s.Require().ErrorAs(err, new(*runnerErrors.NotFoundError))
}

func (s *LifecycleTestSuite) TestDeleteUnregisteredSkipsDeregister() {
	runner := s.mustCreate()

	err := s.manager.Delete(s.ctx, runner.Name, DeleteOpts{Reason: "provisioning timeout"})
	s.Require().NoError(err)

	s.Require().NotContains(s.hosting.CallLog(), "DeregisterRunner 0")
	s.Require().False(s.backend.HasInstance(runner.InstanceID))
}

func (s *LifecycleTestSuite) TestDeleteSurfacesBackendFailure() {
	runner := s.mustCreate()
	s.backend.DeleteErr = runnerErrors.NewBackendUnavailableError("provider down")

	err := s.manager.Delete(s.ctx, runner.Name, DeleteOpts{})
	s.Require().Error(err)

	// The record stays so the next reconciler tick retries.
	_, err = s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
}

func TestLifecycleTestSuite(t *testing.T) {
	t.Parallel()
	suite.Run(t, new(LifecycleTestSuite))
}
