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
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
)

var _ common.JobsStore = &sqlDatabase{}

func sqlWorkflowJobToParamsJob(job WorkflowJob) (params.Job, error) {
	labels := []string{}
	if job.Labels != nil {
		if err := json.Unmarshal(job.Labels, &labels); err != nil {
			return params.Job{}, errors.Wrap(err, "unmarshaling labels")
		}
	}

	return params.Job{
		ID:              job.WorkflowJobID,
		RunID:           job.RunID,
		Action:          job.Action,
		Status:          params.JobStatus(job.Status),
		Conclusion:      job.Conclusion,
		Name:            job.Name,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Labels:          labels,
		RunnerName:      job.RunnerName,
		GroupName:       job.GroupName,
		RepositoryOwner: job.RepositoryOwner,
		RepositoryName:  job.RepositoryName,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}, nil
}

func paramsJobToWorkflowJob(job params.Job) (WorkflowJob, error) {
	asJSON, err := json.Marshal(job.Labels)
	if err != nil {
		return WorkflowJob{}, errors.Wrap(err, "marshaling labels")
	}

	return WorkflowJob{
		WorkflowJobID:   job.ID,
		RunID:           job.RunID,
		Action:          job.Action,
		Status:          string(job.Status),
		Conclusion:      job.Conclusion,
		Name:            job.Name,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Labels:          asJSON,
		RunnerName:      job.RunnerName,
		GroupName:       job.GroupName,
		RepositoryOwner: job.RepositoryOwner,
		RepositoryName:  job.RepositoryName,
	}, nil
}

func (s *sqlDatabase) CreateOrUpdateJob(_ context.Context, job params.Job) (params.Job, error) {
	var workflowJob WorkflowJob
	q := s.conn.Where("workflow_job_id = ?", job.ID).First(&workflowJob)
	if q.Error != nil {
		if !errors.Is(q.Error, gorm.ErrRecordNotFound) {
			return params.Job{}, errors.Wrap(q.Error, "fetching job")
		}
	}

	if workflowJob.ID != 0 {
		// Update workflowJob with values from job.
		workflowJob.Status = string(job.Status)
		workflowJob.Action = job.Action
		workflowJob.Conclusion = job.Conclusion
		workflowJob.StartedAt = job.StartedAt
		workflowJob.CompletedAt = job.CompletedAt
		if job.RunID != 0 && workflowJob.RunID == 0 {
			workflowJob.RunID = job.RunID
		}
		if job.RunnerName != "" {
			workflowJob.RunnerName = job.RunnerName
		}
		if job.GroupName != "" {
			workflowJob.GroupName = job.GroupName
		}

		if err := s.conn.Save(&workflowJob).Error; err != nil {
			return params.Job{}, errors.Wrap(err, "saving job")
		}
	} else {
		converted, err := paramsJobToWorkflowJob(job)
		if err != nil {
			return params.Job{}, errors.Wrap(err, "converting job")
		}
		workflowJob = converted
		if err := s.conn.Create(&workflowJob).Error; err != nil {
			return params.Job{}, errors.Wrap(err, "creating job")
		}
	}

	return sqlWorkflowJobToParamsJob(workflowJob)
}

// ListJobsByStatus lists all jobs for a given status.
func (s *sqlDatabase) ListJobsByStatus(_ context.Context, status params.JobStatus) ([]params.Job, error) {
	var jobs []WorkflowJob
	query := s.conn.Model(&WorkflowJob{}).Where("status = ?", status)
	if err := query.Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "fetching jobs")
	}

	ret := make([]params.Job, len(jobs))
	for idx, job := range jobs {
		jobParam, err := sqlWorkflowJobToParamsJob(job)
		if err != nil {
			return nil, errors.Wrap(err, "converting job")
		}
		ret[idx] = jobParam
	}
	return ret, nil
}

// ListAllJobs lists all jobs in the journal.
func (s *sqlDatabase) ListAllJobs(_ context.Context) ([]params.Job, error) {
	var jobs []WorkflowJob
	query := s.conn.Model(&WorkflowJob{}).Order("workflow_job_id desc")
	if err := query.Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "fetching jobs")
	}

	ret := make([]params.Job, len(jobs))
	for idx, job := range jobs {
		jobParam, err := sqlWorkflowJobToParamsJob(job)
		if err != nil {
			return nil, errors.Wrap(err, "converting job")
		}
		ret[idx] = jobParam
	}
	return ret, nil
}

// GetJobByID gets a job by the upstream job ID.
func (s *sqlDatabase) GetJobByID(_ context.Context, jobID int64) (params.Job, error) {
	var job WorkflowJob
	query := s.conn.Model(&WorkflowJob{}).Where("workflow_job_id = ?", jobID)
	if err := query.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return params.Job{}, runnerErrors.ErrNotFound
		}
		return params.Job{}, errors.Wrap(err, "fetching job")
	}
	return sqlWorkflowJobToParamsJob(job)
}

// DeleteJob deletes a job by the upstream job ID.
func (s *sqlDatabase) DeleteJob(_ context.Context, jobID int64) error {
	query := s.conn.Where("workflow_job_id = ?", jobID).Delete(&WorkflowJob{})
	if query.Error != nil {
		if errors.Is(query.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return errors.Wrap(query.Error, "deleting job")
	}
	return nil
}

// DeleteCompletedJobs deletes all completed rows from the journal.
func (s *sqlDatabase) DeleteCompletedJobs(_ context.Context) error {
	query := s.conn.Model(&WorkflowJob{}).Where(
		"status = ?", params.JobStatusCompleted).Delete(&WorkflowJob{})
	if query.Error != nil && !errors.Is(query.Error, gorm.ErrRecordNotFound) {
		return errors.Wrap(query.Error, "deleting completed jobs")
	}
	return nil
}
