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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	dbCommon "github.com/harryfinbow/runner-manager/database/common"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
)

const (
	runnerKeyPrefix = "runner-manager:runner:"
	allRunnersKey   = "runner-manager:runners"

	statusIndexPrefix = "runner-manager:idx:status:"
	groupIndexPrefix  = "runner-manager:idx:group:"
	labelIndexPrefix  = "runner-manager:idx:label:"
	instanceIndexKey  = "runner-manager:idx:instance_id"
	externalIndexKey  = "runner-manager:idx:external_id"
)

// NewRunnerStore connects to the redis endpoint at redisURL and returns a
// runner store backed by it.
func NewRunnerStore(ctx context.Context, redisURL string) (dbCommon.RunnerStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis_om_url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "connecting to redis")
	}
	return &runnerStore{client: client}, nil
}

// NewRunnerStoreWithClient returns a store over an existing client. Used
// in tests.
func NewRunnerStoreWithClient(client *redis.Client) dbCommon.RunnerStore {
	return &runnerStore{client: client}
}

type runnerStore struct {
	client *redis.Client
}

var _ dbCommon.RunnerStore = &runnerStore{}

// runnerRecord is the persisted shape of a runner. It differs from
// params.Runner only in serializing the JIT config, which the public type
// hides from API responses.
type runnerRecord struct {
	Name         string              `json:"name"`
	ExternalID   int64               `json:"external_id"`
	InstanceID   string              `json:"instance_id"`
	Group        string              `json:"group"`
	Organization string              `json:"organization"`
	Labels       []string            `json:"labels"`
	Status       params.RunnerStatus `json:"status"`
	Busy         bool                `json:"busy"`
	JITConfig    string              `json:"jit_config"`
	Manager      string              `json:"manager"`
	Repository   string              `json:"repository,omitempty"`
	Workflow     string              `json:"workflow,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	PickedUpAt   time.Time           `json:"picked_up_at,omitempty"`
	CompletedAt  time.Time           `json:"completed_at,omitempty"`
}

func recordFromRunner(runner params.Runner) runnerRecord {
	return runnerRecord(runner)
}

func (r runnerRecord) toRunner() params.Runner {
	return params.Runner(r)
}

func (r *runnerStore) SaveRunner(ctx context.Context, runner params.Runner) (params.Runner, error) {
	if runner.Name == "" {
		return params.Runner{}, runnerErrors.NewBadRequestError("missing runner name")
	}

	old, err := r.getRecord(ctx, runner.Name)
	exists := err == nil
	if err != nil && !errors.Is(err, runnerErrors.ErrNotFound) {
		return params.Runner{}, errors.Wrap(err, "fetching existing record")
	}

	if err := r.checkUnique(ctx, runner); err != nil {
		return params.Runner{}, err
	}

	record := recordFromRunner(runner)
	data, err := json.Marshal(record)
	if err != nil {
		return params.Runner{}, errors.Wrap(err, "encoding runner record")
	}

	pipe := r.client.TxPipeline()
	if exists {
		r.dropIndexes(ctx, pipe, old)
	}
	pipe.Set(ctx, runnerKeyPrefix+runner.Name, data, 0)
	pipe.SAdd(ctx, allRunnersKey, runner.Name)
	r.addIndexes(ctx, pipe, record)
	if _, err := pipe.Exec(ctx); err != nil {
		return params.Runner{}, errors.Wrap(err, "saving runner record")
	}
	return runner, nil
}

func (r *runnerStore) UpdateRunner(ctx context.Context, name string, param params.UpdateRunnerParams) (params.Runner, error) {
	runner, err := r.GetRunner(ctx, name)
	if err != nil {
		return params.Runner{}, err
	}

	if param.ExternalID != 0 {
		runner.ExternalID = param.ExternalID
	}
	if param.InstanceID != "" {
		runner.InstanceID = param.InstanceID
	}
	if param.Status != "" {
		runner.Status = param.Status
	}
	if param.Busy != nil {
		runner.Busy = *param.Busy
	}
	if param.Repository != "" {
		runner.Repository = param.Repository
	}
	if param.Workflow != "" {
		runner.Workflow = param.Workflow
	}
	if !param.PickedUpAt.IsZero() {
		runner.PickedUpAt = param.PickedUpAt
	}
	if !param.CompletedAt.IsZero() {
		runner.CompletedAt = param.CompletedAt
	}

	return r.SaveRunner(ctx, runner)
}

func (r *runnerStore) GetRunner(ctx context.Context, name string) (params.Runner, error) {
	record, err := r.getRecord(ctx, name)
	if err != nil {
		return params.Runner{}, err
	}
	return record.toRunner(), nil
}

func (r *runnerStore) DeleteRunner(ctx context.Context, name string) error {
	record, err := r.getRecord(ctx, name)
	if err != nil {
		if errors.Is(err, runnerErrors.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "fetching runner record")
	}

	pipe := r.client.TxPipeline()
	r.dropIndexes(ctx, pipe, record)
	pipe.SRem(ctx, allRunnersKey, name)
	pipe.Del(ctx, runnerKeyPrefix+name)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "deleting runner record")
	}
	return nil
}

func (r *runnerStore) ListRunners(ctx context.Context) ([]params.Runner, error) {
	names, err := r.client.SMembers(ctx, allRunnersKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing runner names")
	}
	return r.fetchAll(ctx, names)
}

func (r *runnerStore) FindRunners(ctx context.Context, filter dbCommon.RunnerFilter) ([]params.Runner, error) {
	names, err := r.candidateNames(ctx, filter)
	if err != nil {
		return nil, err
	}

	runners, err := r.fetchAll(ctx, names)
	if err != nil {
		return nil, err
	}

	filtered := make([]params.Runner, 0, len(runners))
	for _, runner := range runners {
		if matchesFilter(runner, filter) {
			filtered = append(filtered, runner)
		}
	}
	return filtered, nil
}

func (r *runnerStore) FindFirstRunner(ctx context.Context, filter dbCommon.RunnerFilter) (params.Runner, error) {
	runners, err := r.FindRunners(ctx, filter)
	if err != nil {
		return params.Runner{}, err
	}
	if len(runners) == 0 {
		return params.Runner{}, runnerErrors.ErrNotFound
	}
	return runners[0], nil
}

func (r *runnerStore) getRecord(ctx context.Context, name string) (runnerRecord, error) {
	data, err := r.client.Get(ctx, runnerKeyPrefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return runnerRecord{}, runnerErrors.ErrNotFound
		}
		return runnerRecord{}, errors.Wrap(err, "fetching runner record")
	}
	var record runnerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return runnerRecord{}, errors.Wrap(err, "decoding runner record")
	}
	return record, nil
}

// checkUnique enforces instance_id and external_id uniqueness across
// records.
func (r *runnerStore) checkUnique(ctx context.Context, runner params.Runner) error {
	if runner.InstanceID != "" {
		owner, err := r.client.HGet(ctx, instanceIndexKey, runner.InstanceID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return errors.Wrap(err, "checking instance_id uniqueness")
		}
		if err == nil && owner != runner.Name {
			return runnerErrors.NewDuplicateEntityError(
				"instance_id %s already indexed for runner %s", runner.InstanceID, owner)
		}
	}
	if runner.ExternalID != 0 {
		owner, err := r.client.HGet(ctx, externalIndexKey, externalIDField(runner.ExternalID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return errors.Wrap(err, "checking external_id uniqueness")
		}
		if err == nil && owner != runner.Name {
			return runnerErrors.NewDuplicateEntityError(
				"external_id %d already indexed for runner %s", runner.ExternalID, owner)
		}
	}
	return nil
}

func (r *runnerStore) addIndexes(ctx context.Context, pipe redis.Pipeliner, record runnerRecord) {
	pipe.SAdd(ctx, statusIndexPrefix+string(record.Status), record.Name)
	if record.Group != "" {
		pipe.SAdd(ctx, groupIndexPrefix+record.Group, record.Name)
	}
	for _, label := range record.Labels {
		pipe.SAdd(ctx, labelIndexPrefix+label, record.Name)
	}
	if record.InstanceID != "" {
		pipe.HSet(ctx, instanceIndexKey, record.InstanceID, record.Name)
	}
	if record.ExternalID != 0 {
		pipe.HSet(ctx, externalIndexKey, externalIDField(record.ExternalID), record.Name)
	}
}

func (r *runnerStore) dropIndexes(ctx context.Context, pipe redis.Pipeliner, record runnerRecord) {
	pipe.SRem(ctx, statusIndexPrefix+string(record.Status), record.Name)
	if record.Group != "" {
		pipe.SRem(ctx, groupIndexPrefix+record.Group, record.Name)
	}
	for _, label := range record.Labels {
		pipe.SRem(ctx, labelIndexPrefix+label, record.Name)
	}
	if record.InstanceID != "" {
		pipe.HDel(ctx, instanceIndexKey, record.InstanceID)
	}
	if record.ExternalID != 0 {
		pipe.HDel(ctx, externalIndexKey, externalIDField(record.ExternalID))
	}
}

// candidateNames narrows the search with the secondary indexes before
// records are fetched and filtered.
func (r *runnerStore) candidateNames(ctx context.Context, filter dbCommon.RunnerFilter) ([]string, error) {
	if filter.InstanceID != "" {
		name, err := r.client.HGet(ctx, instanceIndexKey, filter.InstanceID).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, errors.Wrap(err, "resolving instance_id index")
		}
		return []string{name}, nil
	}
	if filter.ExternalID != 0 {
		name, err := r.client.HGet(ctx, externalIndexKey, externalIDField(filter.ExternalID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, errors.Wrap(err, "resolving external_id index")
		}
		return []string{name}, nil
	}

	indexKeys := []string{}
	if filter.Status != "" {
		indexKeys = append(indexKeys, statusIndexPrefix+string(filter.Status))
	}
	if filter.Group != "" {
		indexKeys = append(indexKeys, groupIndexPrefix+filter.Group)
	}
	if filter.Label != "" {
		indexKeys = append(indexKeys, labelIndexPrefix+filter.Label)
	}
	if len(indexKeys) == 0 {
		return r.client.SMembers(ctx, allRunnersKey).Result()
	}
	names, err := r.client.SInter(ctx, indexKeys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "intersecting indexes")
	}
	return names, nil
}

func (r *runnerStore) fetchAll(ctx context.Context, names []string) ([]params.Runner, error) {
	sort.Strings(names)
	runners := make([]params.Runner, 0, len(names))
	for _, name := range names {
		record, err := r.getRecord(ctx, name)
		if err != nil {
			// Records may vanish between the index read and the fetch.
			if errors.Is(err, runnerErrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		runners = append(runners, record.toRunner())
	}
	return runners, nil
}

func matchesFilter(runner params.Runner, filter dbCommon.RunnerFilter) bool {
	if filter.Status != "" && runner.Status != filter.Status {
		return false
	}
	if filter.Group != "" && runner.Group != filter.Group {
		return false
	}
	if filter.InstanceID != "" && runner.InstanceID != filter.InstanceID {
		return false
	}
	if filter.ExternalID != 0 && runner.ExternalID != filter.ExternalID {
		return false
	}
	if filter.Label != "" {
		found := false
		for _, label := range runner.Labels {
			if label == filter.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func externalIDField(id int64) string {
	return fmt.Sprintf("%d", id)
}
