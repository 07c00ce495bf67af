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

package lxd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	lxd "github.com/lxc/lxd/client"
	"github.com/lxc/lxd/shared/api"
	"github.com/pkg/errors"

	"github.com/harryfinbow/runner-manager/config"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
	providerUtil "github.com/harryfinbow/runner-manager/runner/providers/util"
)

const (
	managerKeyName = "user.runner-manager"
	groupKeyName   = "user.runner-group"
	nameKeyName    = "user.runner-name"
)

var errInstanceIsStopped = fmt.Errorf("The instance is already stopped")

var httpResponseErrors = map[int][]error{
	http.StatusNotFound: {os.ErrNotExist, sql.ErrNoRows},
}

// isNotFoundError returns true if the error is considered a Not Found error.
func isNotFoundError(err error) bool {
	if api.StatusErrorCheck(err, http.StatusNotFound) {
		return true
	}

	for _, checkErr := range httpResponseErrors[http.StatusNotFound] {
		if errors.Is(err, checkErr) {
			return true
		}
	}

	return false
}

// New returns a backend that runs each runner in an LXD instance.
func New(ctx context.Context, cfg config.Backend, manager string) (common.Backend, error) {
	return &lxdBackend{
		ctx:     ctx,
		cfg:     cfg,
		manager: manager,
	}, nil
}

type lxdBackend struct {
	ctx     context.Context
	cfg     config.Backend
	manager string

	// cli is the LXD client. Initialized lazily so a briefly unavailable
	// daemon does not fail startup.
	cli lxd.InstanceServer
	mux sync.Mutex
}

var _ common.Backend = &lxdBackend{}

func (l *lxdBackend) getCLI() (lxd.InstanceServer, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	if l.cli != nil {
		return l.cli, nil
	}
	cli, err := getClientFromConfig(l.ctx, l.cfg.LXD)
	if err != nil {
		return nil, runnerErrors.NewBackendUnavailableError(
			"creating LXD client: %s", err)
	}
	if l.cfg.LXD.ProjectName != "" {
		if _, _, err := cli.GetProject(l.cfg.LXD.ProjectName); err != nil {
			return nil, errors.Wrapf(err, "fetching project %s", l.cfg.LXD.ProjectName)
		}
		cli = cli.UseProject(l.cfg.LXD.ProjectName)
	}
	l.cli = cli
	return cli, nil
}

func getClientFromConfig(ctx context.Context, cfg config.LXD) (lxd.InstanceServer, error) {
	if cfg.UnixSocket != "" {
		return lxd.ConnectLXDUnixWithContext(ctx, cfg.UnixSocket, nil)
	}

	var srvCrtContents, clientCertContents, clientKeyContents []byte
	var err error

	if cfg.TLSServerCert != "" {
		srvCrtContents, err = os.ReadFile(cfg.TLSServerCert)
		if err != nil {
			return nil, errors.Wrap(err, "reading TLSServerCert")
		}
	}

	if cfg.ClientCertificate != "" {
		clientCertContents, err = os.ReadFile(cfg.ClientCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "reading ClientCertificate")
		}
	}

	if cfg.ClientKey != "" {
		clientKeyContents, err = os.ReadFile(cfg.ClientKey)
		if err != nil {
			return nil, errors.Wrap(err, "reading ClientKey")
		}
	}

	connectArgs := lxd.ConnectionArgs{
		TLSServerCert: string(srvCrtContents),
		TLSClientCert: string(clientCertContents),
		TLSClientKey:  string(clientKeyContents),
	}

	lxdCLI, err := lxd.ConnectLXD(cfg.URL, &connectArgs)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to LXD")
	}

	return lxdCLI, nil
}

func (l *lxdBackend) profiles() []string {
	profiles := []string{}
	if l.cfg.LXD.IncludeDefaultProfile {
		profiles = append(profiles, "default")
	}
	if l.cfg.Instance.Flavor != "" {
		profiles = append(profiles, l.cfg.Instance.Flavor)
	}
	return profiles
}

func (l *lxdBackend) instanceType() api.InstanceType {
	if l.cfg.LXD.InstanceType != "" {
		return api.InstanceType(l.cfg.LXD.InstanceType)
	}
	return api.InstanceTypeContainer
}

func (l *lxdBackend) CreateInstance(_ context.Context, runner params.Runner) (params.Runner, error) {
	cli, err := l.getCLI()
	if err != nil {
		return params.Runner{}, err
	}

	configMap := map[string]string{
		managerKeyName:   providerUtil.SanitizeLabelValue(l.manager),
		groupKeyName:     providerUtil.SanitizeLabelValue(runner.Group),
		nameKeyName:      runner.Name,
		"user.user-data": cloudConfig(runner),
	}

	args := api.InstancesPost{
		InstancePut: api.InstancePut{
			Profiles:    l.profiles(),
			Description: "CI runner provisioned by runner-manager",
			Config:      configMap,
		},
		Source: api.InstanceSource{
			Type:  "image",
			Alias: l.cfg.Instance.Image,
		},
		Name: runner.Name,
		Type: l.instanceType(),
	}

	op, err := cli.CreateInstance(args)
	if err != nil {
		return params.Runner{}, mapLXDError(err, "creating instance")
	}
	if err := op.Wait(); err != nil {
		return params.Runner{}, mapLXDError(err, "waiting for instance creation")
	}

	if err := l.setState(runner.Name, "start", false); err != nil {
		// Clean up the half created instance on start failure.
		if op, delErr := cli.DeleteInstance(runner.Name); delErr == nil {
			_ = op.Wait()
		}
		return params.Runner{}, mapLXDError(err, "starting instance")
	}

	runner.InstanceID = runner.Name
	runner.Manager = l.manager
	return runner, nil
}

func (l *lxdBackend) DeleteInstance(_ context.Context, runner params.Runner) error {
	cli, err := l.getCLI()
	if err != nil {
		return err
	}

	instance, _, err := cli.GetInstance(runner.InstanceID)
	if err != nil {
		if isNotFoundError(err) {
			// Instance already gone.
			return nil
		}
		return mapLXDError(err, "fetching instance")
	}
	if instance.Config[managerKeyName] != providerUtil.SanitizeLabelValue(l.manager) {
		return runnerErrors.NewBadRequestError(
			"instance %s is not managed by %s", runner.InstanceID, l.manager)
	}

	if err := l.setState(runner.InstanceID, "stop", true); err != nil {
		if !isNotFoundError(err) &&
			errors.Cause(err).Error() != errInstanceIsStopped.Error() {
			return mapLXDError(err, "stopping instance")
		}
	}

	op, err := cli.DeleteInstance(runner.InstanceID)
	if err != nil {
		if isNotFoundError(err) {
			return nil
		}
		return mapLXDError(err, "removing instance")
	}
	if err := op.Wait(); err != nil {
		if isNotFoundError(err) {
			return nil
		}
		return mapLXDError(err, "waiting for instance deletion")
	}
	return nil
}

func (l *lxdBackend) UpdateInstance(_ context.Context, runner params.Runner) (params.Runner, error) {
	cli, err := l.getCLI()
	if err != nil {
		return params.Runner{}, err
	}

	instance, etag, err := cli.GetInstance(runner.InstanceID)
	if err != nil {
		if isNotFoundError(err) {
			return params.Runner{}, runnerErrors.NewNotFoundError(
				"instance %s not found", runner.InstanceID)
		}
		return params.Runner{}, mapLXDError(err, "fetching instance")
	}

	instance.Config[groupKeyName] = providerUtil.SanitizeLabelValue(runner.Group)
	op, err := cli.UpdateInstance(runner.InstanceID, instance.Writable(), etag)
	if err != nil {
		return params.Runner{}, mapLXDError(err, "updating instance")
	}
	if err := op.Wait(); err != nil {
		return params.Runner{}, mapLXDError(err, "waiting for instance update")
	}
	return l.GetInstance(l.ctx, runner.InstanceID)
}

func (l *lxdBackend) GetInstance(_ context.Context, instanceID string) (params.Runner, error) {
	cli, err := l.getCLI()
	if err != nil {
		return params.Runner{}, err
	}

	instance, _, err := cli.GetInstance(instanceID)
	if err != nil {
		if isNotFoundError(err) {
			return params.Runner{}, runnerErrors.NewNotFoundError(
				"instance %s not found", instanceID)
		}
		return params.Runner{}, mapLXDError(err, "fetching instance")
	}
	return lxdInstanceToRunner(instance), nil
}

func (l *lxdBackend) ListInstances(_ context.Context) ([]params.Runner, error) {
	cli, err := l.getCLI()
	if err != nil {
		return nil, err
	}

	instances, err := cli.GetInstances(api.InstanceTypeAny)
	if err != nil {
		return nil, mapLXDError(err, "listing instances")
	}

	manager := providerUtil.SanitizeLabelValue(l.manager)
	runners := []params.Runner{}
	for idx := range instances {
		if instances[idx].Config[managerKeyName] != manager {
			continue
		}
		runners = append(runners, lxdInstanceToRunner(&instances[idx]))
	}
	return runners, nil
}

func (l *lxdBackend) setState(instance, state string, force bool) error {
	cli, err := l.getCLI()
	if err != nil {
		return err
	}
	reqState := api.InstanceStatePut{
		Action:  state,
		Timeout: -1,
		Force:   force,
	}
	op, err := cli.UpdateInstanceState(instance, reqState, "")
	if err != nil {
		return err
	}
	return op.Wait()
}

func lxdInstanceToRunner(instance *api.Instance) params.Runner {
	return params.Runner{
		Name:       instance.Config[nameKeyName],
		InstanceID: instance.Name,
		Group:      instance.Config[groupKeyName],
		Manager:    instance.Config[managerKeyName],
	}
}

// cloudConfig renders the user data that hands the runner agent its name
// and single use JIT config at first boot.
func cloudConfig(runner params.Runner) string {
	var sb strings.Builder
	sb.WriteString("#cloud-config\n")
	sb.WriteString("write_files:\n")
	sb.WriteString("  - path: /etc/runner-manager/runner.env\n")
	sb.WriteString("    permissions: \"0600\"\n")
	sb.WriteString("    content: |\n")
	sb.WriteString("      RUNNER_NAME=" + runner.Name + "\n")
	sb.WriteString("      RUNNER_JIT_CONFIG=" + runner.JITConfig + "\n")
	sb.WriteString("      RUNNER_LABELS=" + strings.Join(runner.Labels, ",") + "\n")
	return sb.String()
}

func mapLXDError(err error, msg string) error {
	switch {
	case api.StatusErrorCheck(err, http.StatusConflict):
		return runnerErrors.NewDuplicateEntityError("%s: %s", msg, err)
	case api.StatusErrorCheck(err, http.StatusBadRequest):
		return runnerErrors.NewInvalidConfigError("%s: %s", msg, err)
	default:
		return runnerErrors.NewBackendUnavailableError("%s: %s", msg, err)
	}
}
