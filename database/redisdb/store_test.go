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

package redisdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
)

type RunnerStoreTestSuite struct {
	suite.Suite

	ctx   context.Context
	redis *miniredis.Miniredis
	store dbCommon.RunnerStore
}

func (s *RunnerStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.redis = miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: s.redis.Addr()})
	s.store = NewRunnerStoreWithClient(client)
}

func (s *RunnerStoreTestSuite) testRunner(name string) params.Runner {
	return params.Runner{
		Name:         name,
		Group:        "default",
		Organization: "test-org",
		Labels:       []string{"self-hosted", "linux"},
		Status:       params.RunnerOffline,
		Manager:      "test-manager",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func (s *RunnerStoreTestSuite) TestSaveAndGetRunner() {
	runner := s.testRunner("default-1")
	runner.JITConfig = "b64-jit-blob"

	saved, err := s.store.SaveRunner(s.ctx, runner)
	s.Require().NoError(err)
	s.Require().Equal(runner, saved)

	fetched, err := s.store.GetRunner(s.ctx, "default-1")
	s.Require().NoError(err)
	s.Require().Equal(runner, fetched)
	// The JIT blob survives persistence even though API responses omit it.
	s.Require().Equal("b64-jit-blob", fetched.JITConfig)
}

func (s *RunnerStoreTestSuite) TestSaveRunnerMissingName() {
	_, err := s.store.SaveRunner(s.ctx, params.Runner{})
	s.Require().Error(err)
	s.Require().IsType(&runnerErrors.BadRequestError{}, err)
}

func (s *RunnerStoreTestSuite) TestGetRunnerNotFound() {
	_, err := s.store.GetRunner(s.ctx, "missing")
	s.Require().ErrorIs(err, runnerErrors.ErrNotFound)
}

func (s *RunnerStoreTestSuite) TestUpdateRunner() {
	_, err := s.store.SaveRunner(s.ctx, s.testRunner("default-1"))
	s.Require().NoError(err)

	busy := true
	updated, err := s.store.UpdateRunner(s.ctx, "default-1", params.UpdateRunnerParams{
		ExternalID: 7,
		Status:     params.RunnerBusy,
		Busy:       &busy,
		Repository: "test-org/app",
	})
	s.Require().NoError(err)
	s.Require().Equal(int64(7), updated.ExternalID)
	s.Require().Equal(params.RunnerBusy, updated.Status)
	s.Require().True(updated.Busy)
	s.Require().Equal("test-org/app", updated.Repository)
	// Untouched fields are preserved.
	s.Require().Equal("default", updated.Group)
}

func (s *RunnerStoreTestSuite) TestUpdateRunnerNotFound() {
	_, err := s.store.UpdateRunner(s.ctx, "missing", params.UpdateRunnerParams{})
	s.Require().ErrorIs(err, runnerErrors.ErrNotFound)
}

func (s *RunnerStoreTestSuite) TestDeleteRunnerIsIdempotent() {
	_, err := s.store.SaveRunner(s.ctx, s.testRunner("default-1"))
	s.Require().NoError(err)

	s.Require().NoError(s.store.DeleteRunner(s.ctx, "default-1"))
	_, err = s.store.GetRunner(s.ctx, "default-1")
	s.Require().ErrorIs(err, runnerErrors.ErrNotFound)

	// Second delete of the same record also succeeds.
	s.Require().NoError(s.store.DeleteRunner(s.ctx, "default-1"))
}

func (s *RunnerStoreTestSuite) TestListRunners() {
	for _, name := range []string{"default-1", "default-2", "default-3"} {
		_, err := s.store.SaveRunner(s.ctx, s.testRunner(name))
		s.Require().NoError(err)
	}

	runners, err := s.store.ListRunners(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(runners, 3)
	s.Require().Equal("default-1", runners[0].Name)
}

func (s *RunnerStoreTestSuite) TestFindRunnersByStatus() {
	idle := s.testRunner("default-1")
	idle.Status = params.RunnerIdle
	busy := s.testRunner("default-2")
	busy.Status = params.RunnerBusy

	for _, runner := range []params.Runner{idle, busy} {
		_, err := s.store.SaveRunner(s.ctx, runner)
		s.Require().NoError(err)
	}

	found, err := s.store.FindRunners(s.ctx, dbCommon.RunnerFilter{
		Status: params.RunnerIdle,
	})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Require().Equal("default-1", found[0].Name)
}

func (s *RunnerStoreTestSuite) TestFindRunnersByGroupAndStatus() {
	first := s.testRunner("default-1")
	first.Status = params.RunnerIdle
	second := s.testRunner("other-1")
	second.Group = "other"
	second.Status = params.RunnerIdle

	for _, runner := range []params.Runner{first, second} {
		_, err := s.store.SaveRunner(s.ctx, runner)
		s.Require().NoError(err)
	}

	found, err := s.store.FindRunners(s.ctx, dbCommon.RunnerFilter{
		Group:  "other",
		Status: params.RunnerIdle,
	})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Require().Equal("other-1", found[0].Name)
}

func (s *RunnerStoreTestSuite) TestFindRunnersByLabel() {
	tagged := s.testRunner("default-1")
	tagged.Labels = append(tagged.Labels, "gpu")
	_, err := s.store.SaveRunner(s.ctx, tagged)
	s.Require().NoError(err)
	_, err = s.store.SaveRunner(s.ctx, s.testRunner("default-2"))
	s.Require().NoError(err)

	found, err := s.store.FindRunners(s.ctx, dbCommon.RunnerFilter{Label: "gpu"})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Require().Equal("default-1", found[0].Name)
}

func (s *RunnerStoreTestSuite) TestFindRunnerByInstanceID() {
	runner := s.testRunner("default-1")
	runner.InstanceID = "i-100"
	_, err := s.store.SaveRunner(s.ctx, runner)
	s.Require().NoError(err)

	found, err := s.store.FindFirstRunner(s.ctx, dbCommon.RunnerFilter{
		InstanceID: "i-100",
	})
	s.Require().NoError(err)
	s.Require().Equal("default-1", found.Name)
}

func (s *RunnerStoreTestSuite) TestFindRunnerByExternalID() {
	runner := s.testRunner("default-1")
	runner.ExternalID = 7
	_, err := s.store.SaveRunner(s.ctx, runner)
	s.Require().NoError(err)

	found, err := s.store.FindFirstRunner(s.ctx, dbCommon.RunnerFilter{
		ExternalID: 7,
	})
	s.Require().NoError(err)
	s.Require().Equal("default-1", found.Name)
}

func (s *RunnerStoreTestSuite) TestFindFirstRunnerNotFound() {
	_, err := s.store.FindFirstRunner(s.ctx, dbCommon.RunnerFilter{
		Status: params.RunnerBusy,
	})
	s.Require().ErrorIs(err, runnerErrors.ErrNotFound)
}

func (s *RunnerStoreTestSuite) TestInstanceIDUniqueness() {
	first := s.testRunner("default-1")
	first.InstanceID = "i-100"
	_, err := s.store.SaveRunner(s.ctx, first)
	s.Require().NoError(err)

	second := s.testRunner("default-2")
	second.InstanceID = "i-100"
	_, err = s.store.SaveRunner(s.ctx, second)
	s.Require().Error(err)
	s.Require().IsType(&runnerErrors.DuplicateEntityError{}, err)
}

func (s *RunnerStoreTestSuite) TestExternalIDUniqueness() {
	first := s.testRunner("default-1")
	first.ExternalID = 7
	_, err := s.store.SaveRunner(s.ctx, first)
	s.Require().NoError(err)

	second := s.testRunner("default-2")
	second.ExternalID = 7
	_, err = s.store.SaveRunner(s.ctx, second)
	s.Require().Error(err)
	s.Require().IsType(&runnerErrors.DuplicateEntityError{}, err)
}

func (s *RunnerStoreTestSuite) TestIndexesFollowStatusChanges() {
	runner := s.testRunner("default-1")
	runner.Status = params.RunnerOffline
	_, err := s.store.SaveRunner(s.ctx, runner)
	s.Require().NoError(err)

	_, err = s.store.UpdateRunner(s.ctx, "default-1", params.UpdateRunnerParams{
		Status: params.RunnerIdle,
	})
	s.Require().NoError(err)

	offline, err := s.store.FindRunners(s.ctx, dbCommon.RunnerFilter{
		Status: params.RunnerOffline,
	})
	s.Require().NoError(err)
	s.Require().Empty(offline)

	idle, err := s.store.FindRunners(s.ctx, dbCommon.RunnerFilter{
		Status: params.RunnerIdle,
	})
	s.Require().NoError(err)
	s.Require().Len(idle, 1)
}

func TestRunnerStoreTestSuite(t *testing.T) {
	t.Parallel()
	suite.Run(t, new(RunnerStoreTestSuite))
}
