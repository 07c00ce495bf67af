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

package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harryfinbow/runner-manager/config"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
	providerUtil "github.com/harryfinbow/runner-manager/runner/providers/util"
	"github.com/harryfinbow/runner-manager/util"
)

// New returns a backend that runs each runner as a child process on this
// host. Useful for development and as the reference adapter in tests.
func New(cfg config.Backend, manager string) (common.Backend, error) {
	if _, err := os.Stat(cfg.Local.AgentPath); err != nil {
		return nil, runnerErrors.NewInvalidConfigError(
			"agent binary %s: %s", cfg.Local.AgentPath, err)
	}
	workDir := cfg.Local.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &localBackend{
		cfg:       cfg,
		manager:   manager,
		workDir:   workDir,
		instances: map[string]*localInstance{},
	}, nil
}

type localInstance struct {
	runner params.Runner
	cmd    *exec.Cmd
	dir    string
}

type localBackend struct {
	cfg     config.Backend
	manager string
	workDir string

	mux       sync.Mutex
	instances map[string]*localInstance
}

var _ common.Backend = &localBackend{}

func (l *localBackend) CreateInstance(ctx context.Context, runner params.Runner) (params.Runner, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	for _, instance := range l.instances {
		if instance.runner.Name == runner.Name {
			return params.Runner{}, runnerErrors.NewDuplicateEntityError(
				"instance for runner %s already exists", runner.Name)
		}
	}

	instanceID := fmt.Sprintf("local-%s", util.NewID())
	dir := filepath.Join(l.workDir, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return params.Runner{}, runnerErrors.NewBackendUnavailableError(
			"creating instance dir: %s", err)
	}

	cmd := exec.Command(l.cfg.Local.AgentPath)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"RUNNER_NAME="+runner.Name,
		"RUNNER_JIT_CONFIG="+runner.JITConfig,
		"RUNNER_LABELS="+strings.Join(runner.Labels, ","),
		"RUNNER_MANAGER="+providerUtil.SanitizeLabelValue(l.manager),
		"RUNNER_GROUP="+providerUtil.SanitizeLabelValue(runner.Group),
	)
	for key, val := range l.cfg.Instance.Environment {
		cmd.Env = append(cmd.Env, key+"="+val)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return params.Runner{}, runnerErrors.NewBackendUnavailableError(
			"starting runner agent: %s", err)
	}
	// Reap the agent when it exits so it does not linger as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("runner agent exited", "instance_id", instanceID, "error", err)
		}
	}()

	runner.InstanceID = instanceID
	runner.Manager = l.manager
	l.instances[instanceID] = &localInstance{
		runner: runner,
		cmd:    cmd,
		dir:    dir,
	}
	return runner, nil
}

func (l *localBackend) DeleteInstance(_ context.Context, runner params.Runner) error {
	l.mux.Lock()
	defer l.mux.Unlock()

	instance, ok := l.instances[runner.InstanceID]
	if !ok {
		// Instance already gone.
		return nil
	}
	if instance.runner.Manager != l.manager {
		return runnerErrors.NewBadRequestError(
			"instance %s is not managed by %s", runner.InstanceID, l.manager)
	}

	if instance.cmd.Process != nil {
		if err := instance.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return runnerErrors.NewBackendUnavailableError(
				"stopping runner agent: %s", err)
		}
	}
	os.RemoveAll(instance.dir)
	delete(l.instances, runner.InstanceID)
	return nil
}

func (l *localBackend) UpdateInstance(_ context.Context, runner params.Runner) (params.Runner, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	instance, ok := l.instances[runner.InstanceID]
	if !ok {
		return params.Runner{}, runnerErrors.NewNotFoundError(
			"instance %s not found", runner.InstanceID)
	}
	instance.runner.Labels = runner.Labels
	return instance.runner, nil
}

func (l *localBackend) GetInstance(_ context.Context, instanceID string) (params.Runner, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	instance, ok := l.instances[instanceID]
	if !ok {
		return params.Runner{}, runnerErrors.NewNotFoundError(
			"instance %s not found", instanceID)
	}
	return instance.runner, nil
}

func (l *localBackend) ListInstances(_ context.Context) ([]params.Runner, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	runners := make([]params.Runner, 0, len(l.instances))
	for _, instance := range l.instances {
		if instance.runner.Manager != l.manager {
			continue
		}
		runners = append(runners, instance.runner)
	}
	return runners, nil
}
