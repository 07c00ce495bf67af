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

package sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/harryfinbow/runner-manager/config"
	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
)

type JobsTestSuite struct {
	suite.Suite

	ctx   context.Context
	store dbCommon.JobsStore
}

func (s *JobsTestSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := NewJobsStore(s.ctx, config.Database{
		DbBackend: config.SQLiteBackend,
		SQLite: config.SQLite{
			DBFile: ":memory:",
		},
	})
	s.Require().NoError(err)
	s.store = store
}

func (s *JobsTestSuite) testJob(id int64) params.Job {
	return params.Job{
		ID:              id,
		RunID:           100,
		Action:          "queued",
		Status:          params.JobStatusQueued,
		Name:            "build",
		Labels:          []string{"self-hosted", "linux"},
		RepositoryOwner: "test-org",
		RepositoryName:  "app",
	}
}

func (s *JobsTestSuite) TestCreateAndGetJob() {
	created, err := s.store.CreateOrUpdateJob(s.ctx, s.testJob(1))
	s.Require().NoError(err)
	s.Require().Equal(int64(1), created.ID)
	s.Require().Equal(params.JobStatusQueued, created.Status)

	fetched, err := s.store.GetJobByID(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Equal([]string{"self-hosted", "linux"}, fetched.Labels)
	s.Require().Equal("test-org", fetched.RepositoryOwner)
}

func (s *JobsTestSuite) TestGetJobByIDNotFound() {
	_, err := s.store.GetJobByID(s.ctx, 99)
	s.Require().ErrorIs(err, runnerErrors.ErrNotFound)
}

func (s *JobsTestSuite) TestCreateOrUpdateJobUpdatesInPlace() {
	_, err := s.store.CreateOrUpdateJob(s.ctx, s.testJob(1))
	s.Require().NoError(err)

	job := s.testJob(1)
	job.Action = "in_progress"
	job.Status = params.JobStatusInProgress
	job.RunnerName = "default-abc"
	job.GroupName = "default"
	updated, err := s.store.CreateOrUpdateJob(s.ctx, job)
	s.Require().NoError(err)
	s.Require().Equal(params.JobStatusInProgress, updated.Status)
	s.Require().Equal("default-abc", updated.RunnerName)

	all, err := s.store.ListAllJobs(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
}

func (s *JobsTestSuite) TestListJobsByStatus() {
	_, err := s.store.CreateOrUpdateJob(s.ctx, s.testJob(1))
	s.Require().NoError(err)

	second := s.testJob(2)
	second.Status = params.JobStatusCompleted
	second.Conclusion = "success"
	_, err = s.store.CreateOrUpdateJob(s.ctx, second)
	s.Require().NoError(err)

	queued, err := s.store.ListJobsByStatus(s.ctx, params.JobStatusQueued)
	s.Require().NoError(err)
	s.Require().Len(queued, 1)
	s.Require().Equal(int64(1), queued[0].ID)
}

func (s *JobsTestSuite) TestDeleteJob() {
	_, err := s.store.CreateOrUpdateJob(s.ctx, s.testJob(1))
	s.Require().NoError(err)

	s.Require().NoError(s.store.DeleteJob(s.ctx, 1))
	_, err = s.store.GetJobByID(s.ctx, 1)
	s.Require().ErrorIs(err, runnerErrors.ErrNotFound)

	// Deleting an already deleted job succeeds.
	s.Require().NoError(s.store.DeleteJob(s.ctx, 1))
}

func (s *JobsTestSuite) TestDeleteCompletedJobs() {
	_, err := s.store.CreateOrUpdateJob(s.ctx, s.testJob(1))
	s.Require().NoError(err)

	second := s.testJob(2)
	second.Status = params.JobStatusCompleted
	_, err = s.store.CreateOrUpdateJob(s.ctx, second)
	s.Require().NoError(err)

	s.Require().NoError(s.store.DeleteCompletedJobs(s.ctx))

	all, err := s.store.ListAllJobs(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Require().Equal(int64(1), all[0].ID)
}

func TestJobsTestSuite(t *testing.T) {
	t.Parallel()
	suite.Run(t, new(JobsTestSuite))
}
