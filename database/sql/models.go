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
	"time"

	"gorm.io/datatypes"
)

// WorkflowJob is one journaled workflow job. Rows are keyed by the
// hosting service's job ID and updated in place as the job moves from
// queued through completed.
type WorkflowJob struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// WorkflowJobID is the ID of the workflow job upstream.
	WorkflowJobID int64 `gorm:"uniqueIndex"`
	// RunID is the ID of the workflow run this job belongs to.
	RunID int64

	Action     string `gorm:"index"`
	Status     string `gorm:"index"`
	Conclusion string
	Name       string

	StartedAt   time.Time
	CompletedAt time.Time

	Labels datatypes.JSON

	RunnerName string `gorm:"index"`
	GroupName  string `gorm:"index"`

	RepositoryOwner string
	RepositoryName  string
}
