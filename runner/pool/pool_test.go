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

package pool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	"github.com/harryfinbow/runner-manager/database/redisdb"
	gmtesting "github.com/harryfinbow/runner-manager/internal/testing"
	"github.com/harryfinbow/runner-manager/locking"
	"github.com/harryfinbow/runner-manager/params"
)

type GroupManagerTestSuite struct {
	suite.Suite

	ctx     context.Context
	store   dbCommon.RunnerStore
	backend *gmtesting.FakeBackend
	hosting *gmtesting.FakeHostingClient
	group   params.RunnerGroup
	manager *groupManager
}

func (s *GroupManagerTestSuite) SetupTest() {
	s.ctx = context.Background()

	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.store = redisdb.NewRunnerStoreWithClient(client)

	s.backend = gmtesting.NewFakeBackend()
	s.hosting = gmtesting.NewFakeHostingClient()

	s.group = params.RunnerGroup{
		Name:         "group-one",
		Organization: "acme",
		Backend:      "local",
		Labels:       []string{"self-hosted", "linux"},
		MinRunners:   1,
		MaxRunners:   3,
		Manager:      "test-manager",
	}

	timeouts := Timeouts{
		TimeoutRunner:       15 * time.Minute,
		TimeToLive:          12 * time.Hour,
		HealthcheckInterval: time.Minute,
		IndexingInterval:    time.Minute,
	}
	gm, err := NewGroupManager(s.ctx, s.group, s.store, s.hosting, s.backend, locking.NewLocalLocker(), timeouts, nil)
	s.Require().NoError(err)
	s.manager = gm.(*groupManager)
}

func (s *GroupManagerTestSuite) groupRunners() []params.Runner {
	runners, err := s.store.FindRunners(s.ctx, dbCommon.RunnerFilter{Group: s.group.Name})
	s.Require().NoError(err)
	return runners
}

// backdate rewrites a runner's creation timestamp so age based timeouts
// fire without waiting.
func (s *GroupManagerTestSuite) backdate(name string, age time.Duration) {
	runner, err := s.store.GetRunner(s.ctx, name)
	s.Require().NoError(err)
	runner.CreatedAt = time.Now().UTC().Add(-age)
	_, err = s.store.SaveRunner(s.ctx, runner)
	s.Require().NoError(err)
}

func (s *GroupManagerTestSuite) TestEnsureMinRunners() {
	s.Require().NoError(s.manager.EnsureMinRunners())

	runners := s.groupRunners()
	s.Require().Len(runners, 1)
	s.Require().Equal(params.RunnerOffline, runners[0].Status)
	s.Require().NotEmpty(runners[0].InstanceID)

	// Re-running is a no-op while the minimum is satisfied.
	s.Require().NoError(s.manager.EnsureMinRunners())
	s.Require().Len(s.groupRunners(), 1)
}

func (s *GroupManagerTestSuite) TestIndexingObservesRegistration() {
	s.Require().NoError(s.manager.EnsureMinRunners())
	runner := s.groupRunners()[0]

	// The runner has not connected yet; indexing leaves it provisioning.
	s.Require().NoError(s.manager.runIndexing())
	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerOffline, stored.Status)

	// The runner boots and connects.
	s.hosting.SetOnline(7, false)

	s.Require().NoError(s.manager.runIndexing())
	stored, err = s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerOnline, stored.Status)
	s.Require().Equal(int64(7), stored.ExternalID)

	// The next pass refines online to idle.
	s.Require().NoError(s.manager.runIndexing())
	stored, err = s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerIdle, stored.Status)
}

func (s *GroupManagerTestSuite) TestProvisioningTimeout() {
	s.Require().NoError(s.manager.EnsureMinRunners())
	runner := s.groupRunners()[0]

	// Young provisioning runners survive the healthcheck.
	s.Require().NoError(s.manager.runHealthcheck())
	s.Require().Len(s.groupRunners(), 1)

	s.backdate(runner.Name, 16*time.Minute)
	s.Require().NoError(s.manager.runHealthcheck())

	// The stuck runner is gone and the minimum was re-enforced with a
	// fresh one.
	runners := s.groupRunners()
	s.Require().Len(runners, 1)
	s.Require().NotEqual(runner.Name, runners[0].Name)
	s.Require().False(s.backend.HasInstance(runner.InstanceID))
}

func (s *GroupManagerTestSuite) TestTimeToLive() {
	s.Require().NoError(s.manager.EnsureMinRunners())
	runner := s.groupRunners()[0]
	s.hosting.SetOnline(7, false)
	s.Require().NoError(s.manager.runIndexing())

	s.backdate(runner.Name, 13*time.Hour)
	s.Require().NoError(s.manager.runHealthcheck())

	runners := s.groupRunners()
	s.Require().Len(runners, 1)
	s.Require().NotEqual(runner.Name, runners[0].Name)
	// The aged out runner was deregistered upstream.
	s.Require().False(s.hosting.HasRunner(7))
}

func (s *GroupManagerTestSuite) TestHealthcheckReconcilesVanishedInstance() {
	s.Require().NoError(s.manager.EnsureMinRunners())
	runner := s.groupRunners()[0]
	s.hosting.SetOnline(7, false)
	s.Require().NoError(s.manager.runIndexing())

	deletesBefore := s.backend.CallCount("DeleteInstance")
	s.backend.RemoveInstance(runner.InstanceID)
	s.Require().NoError(s.manager.runHealthcheck())

	// Gone from the store without a backend delete call; there was
	// nothing left to delete.
	runners := s.groupRunners()
	s.Require().Len(runners, 1)
	s.Require().NotEqual(runner.Name, runners[0].Name)
	// One delete for the replacement create path is not expected either;
	// only creates happen after the orphan is dropped.
	s.Require().Equal(deletesBefore, s.backend.CallCount("DeleteInstance"))
}

func (s *GroupManagerTestSuite) TestIndexingDeletesOrphanedInstance() {
	// An instance carrying our tags with no store record.
	s.backend.AddInstance(params.Runner{
		Name:       "group-one-orphan",
		InstanceID: "i-666",
		Group:      s.group.Name,
		Manager:    s.group.Manager,
	})

	s.Require().NoError(s.manager.runIndexing())

	s.Require().False(s.backend.HasInstance("i-666"))
	// The hosting service never knew this instance; no deregister call.
	for _, call := range s.hosting.CallLog() {
		s.Require().False(strings.HasPrefix(call, "DeregisterRunner"))
	}
}

func (s *GroupManagerTestSuite) TestIndexingDeregistersLeakedRunner() {
	// A hosting service registration carrying our prefix with no record.
	id, _, err := s.hosting.GenerateJITConfig(s.ctx, "acme", "group-one-leaked", s.group.Labels)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.runIndexing())
	s.Require().False(s.hosting.HasRunner(id))
}

func (s *GroupManagerTestSuite) TestIndexingIgnoresForeignRunners() {
	id, _, err := s.hosting.GenerateJITConfig(s.ctx, "acme", "other-group-abcd", nil)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.runIndexing())
	s.Require().True(s.hosting.HasRunner(id), "runners without our prefix are left alone")
}

func (s *GroupManagerTestSuite) TestIndexingToleratesTransientAbsence() {
	s.Require().NoError(s.manager.EnsureMinRunners())
	runner := s.groupRunners()[0]
	s.hosting.SetOnline(7, false)
	s.Require().NoError(s.manager.runIndexing())

	// The runner drops out of the hosting service listing. Its creation
	// age is well past timeout_runner, but the absence clock only starts
	// now.
	s.Require().NoError(s.hosting.DeregisterRunner(s.ctx, "acme", 7))
	s.backdate(runner.Name, time.Hour)

	s.Require().NoError(s.manager.runIndexing())
	s.Require().Len(s.groupRunners(), 1, "a single listing miss must not delete the runner")

	// Reappearing resets the absence tracking.
	id, _, err := s.hosting.GenerateJITConfig(s.ctx, "acme", runner.Name, s.group.Labels)
	s.Require().NoError(err)
	s.hosting.SetOnline(id, false)
	s.Require().NoError(s.manager.runIndexing())
	s.Require().NotContains(s.manager.absentSince, runner.Name)

	// Gone again, this time for longer than timeout_runner.
	s.Require().NoError(s.hosting.DeregisterRunner(s.ctx, "acme", id))
	s.Require().NoError(s.manager.runIndexing())
	s.manager.absentSince[runner.Name] = time.Now().UTC().Add(-16 * time.Minute)
	s.Require().NoError(s.manager.runIndexing())

	s.Require().Empty(s.groupRunners())
	s.Require().False(s.backend.HasInstance(runner.InstanceID))
}

func (s *GroupManagerTestSuite) TestScaleUpRespectsMax() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.manager.ScaleUp())
	}
	s.Require().Len(s.groupRunners(), 3)

	// At max; further scale ups are dropped.
	s.Require().NoError(s.manager.ScaleUp())
	s.Require().Len(s.groupRunners(), 3)
}

func (s *GroupManagerTestSuite) TestHandleWorkflowJobQueued() {
	job := params.WorkflowJob{Action: "queued"}
	job.WorkflowJob.Labels = []string{"self-hosted", "linux"}
	job.Repository.FullName = "acme/widgets"

	s.Require().NoError(s.manager.HandleWorkflowJob(job))
	s.Require().Len(s.groupRunners(), 1)
}

func (s *GroupManagerTestSuite) TestHandleWorkflowJobQueuedAllowListReject() {
	s.manager.group.AllowList = []string{"acme/other"}

	job := params.WorkflowJob{Action: "queued"}
	job.Repository.FullName = "acme/widgets"

	s.Require().NoError(s.manager.HandleWorkflowJob(job))
	s.Require().Empty(s.groupRunners())
}

func (s *GroupManagerTestSuite) TestHandleWorkflowJobLifecycle() {
	s.Require().NoError(s.manager.EnsureMinRunners())
	runner := s.groupRunners()[0]
	s.hosting.SetOnline(7, false)
	s.Require().NoError(s.manager.runIndexing())

	inProgress := params.WorkflowJob{Action: "in_progress"}
	inProgress.WorkflowJob.RunnerName = runner.Name
	inProgress.Repository.FullName = "acme/widgets"
	s.Require().NoError(s.manager.HandleWorkflowJob(inProgress))

	stored, err := s.store.GetRunner(s.ctx, runner.Name)
	s.Require().NoError(err)
	s.Require().Equal(params.RunnerBusy, stored.Status)

	completed := params.WorkflowJob{Action: "completed"}
	completed.WorkflowJob.RunnerName = runner.Name
	completed.Repository.FullName = "acme/widgets"
	s.Require().NoError(s.manager.HandleWorkflowJob(completed))

	// Finished runners are torn down immediately: deregistered, instance
	// deleted, record removed.
	s.Require().False(s.hosting.HasRunner(7))
	s.Require().False(s.backend.HasInstance(runner.InstanceID))
	s.Require().Empty(s.groupRunners())
}

func (s *GroupManagerTestSuite) TestHandleWorkflowJobCompletedUnassigned() {
	job := params.WorkflowJob{Action: "completed"}
	// Cancelled while queued; no runner name set.
	s.Require().NoError(s.manager.HandleWorkflowJob(job))
}

func (s *GroupManagerTestSuite) TestStartStopWait() {
	s.Require().NoError(s.manager.Start())

	deadline := time.Now().Add(5 * time.Second)
	for !s.manager.Status().IsRunning {
		if time.Now().After(deadline) {
			s.FailNow("group manager never reported running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Require().NoError(s.manager.Stop())
	s.Require().NoError(s.manager.Wait())
	s.Require().False(s.manager.Status().IsRunning)
}

func TestGroupManagerTestSuite(t *testing.T) {
	t.Parallel()
	suite.Run(t, new(GroupManagerTestSuite))
}
