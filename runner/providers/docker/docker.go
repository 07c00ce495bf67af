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

package docker

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/harryfinbow/runner-manager/config"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
	providerUtil "github.com/harryfinbow/runner-manager/runner/providers/util"
)

const (
	labelPrefix    = "runner-manager."
	labelManagedBy = labelPrefix + "managed-by"
	labelGroup     = labelPrefix + "group"
	labelName      = labelPrefix + "name"
)

// New returns a backend that runs each runner in a docker container.
func New(cfg config.Backend, manager string) (common.Backend, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	if cfg.Docker.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.Docker.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, runnerErrors.NewBackendUnavailableError(
			"creating docker client: %s", err)
	}
	return &dockerBackend{
		cfg:     cfg,
		manager: manager,
		client:  cli,
	}, nil
}

type dockerBackend struct {
	cfg     config.Backend
	manager string
	client  *client.Client
}

var _ common.Backend = &dockerBackend{}

func (d *dockerBackend) CreateInstance(ctx context.Context, runner params.Runner) (params.Runner, error) {
	containerConfig := &container.Config{
		Image: d.cfg.Instance.Image,
		Env:   d.buildEnv(runner),
		Labels: map[string]string{
			labelManagedBy: providerUtil.SanitizeLabelValue(d.manager),
			labelGroup:     providerUtil.SanitizeLabelValue(runner.Group),
			labelName:      runner.Name,
		},
	}
	hostConfig := &container.HostConfig{}
	if d.cfg.Instance.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.cfg.Instance.Network)
	}

	resp, err := d.client.ContainerCreate(
		ctx, containerConfig, hostConfig, nil, nil, runner.Name)
	if err != nil {
		return params.Runner{}, mapDockerError(err, "creating container")
	}

	if err := d.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Clean up the half created container on start failure.
		_ = d.client.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return params.Runner{}, mapDockerError(err, "starting container")
	}

	runner.InstanceID = resp.ID
	runner.Manager = d.manager
	return runner, nil
}

func (d *dockerBackend) DeleteInstance(ctx context.Context, runner params.Runner) error {
	info, err := d.client.ContainerInspect(ctx, runner.InstanceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			// Instance already gone.
			return nil
		}
		return mapDockerError(err, "inspecting container")
	}

	if info.Config == nil || info.Config.Labels[labelManagedBy] != providerUtil.SanitizeLabelValue(d.manager) {
		return runnerErrors.NewBadRequestError(
			"container %s is not managed by %s", runner.InstanceID, d.manager)
	}

	err = d.client.ContainerRemove(ctx, runner.InstanceID, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return mapDockerError(err, "removing container")
	}
	return nil
}

func (d *dockerBackend) UpdateInstance(ctx context.Context, runner params.Runner) (params.Runner, error) {
	// Container labels are immutable after create. Verify the instance is
	// still there and return its current state.
	return d.GetInstance(ctx, runner.InstanceID)
}

func (d *dockerBackend) GetInstance(ctx context.Context, instanceID string) (params.Runner, error) {
	info, err := d.client.ContainerInspect(ctx, instanceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return params.Runner{}, runnerErrors.NewNotFoundError(
				"container %s not found", instanceID)
		}
		return params.Runner{}, mapDockerError(err, "inspecting container")
	}
	return d.containerToRunner(info.ID, info.Config.Labels), nil
}

func (d *dockerBackend) ListInstances(ctx context.Context) ([]params.Runner, error) {
	containers, err := d.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+providerUtil.SanitizeLabelValue(d.manager)),
		),
	})
	if err != nil {
		return nil, mapDockerError(err, "listing containers")
	}

	runners := make([]params.Runner, 0, len(containers))
	for _, ctr := range containers {
		runners = append(runners, d.containerToRunner(ctr.ID, ctr.Labels))
	}
	return runners, nil
}

func (d *dockerBackend) containerToRunner(id string, labels map[string]string) params.Runner {
	return params.Runner{
		Name:       labels[labelName],
		InstanceID: id,
		Group:      labels[labelGroup],
		Manager:    labels[labelManagedBy],
	}
}

func (d *dockerBackend) buildEnv(runner params.Runner) []string {
	env := []string{
		"RUNNER_NAME=" + runner.Name,
		"RUNNER_JIT_CONFIG=" + runner.JITConfig,
		"RUNNER_LABELS=" + strings.Join(runner.Labels, ","),
	}
	for key, val := range d.cfg.Instance.Environment {
		env = append(env, key+"="+val)
	}
	return env
}

func mapDockerError(err error, msg string) error {
	switch {
	case errdefs.IsConflict(err):
		return runnerErrors.NewDuplicateEntityError("%s: %s", msg, err)
	case errdefs.IsInvalidParameter(err):
		return runnerErrors.NewInvalidConfigError("%s: %s", msg, err)
	default:
		return runnerErrors.NewBackendUnavailableError("%s: %s", msg, err)
	}
}
