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

package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// BackendType is the compute backend discriminator of a runner group.
type BackendType string

const (
	// LocalBackend runs each runner as a child process on this host.
	LocalBackend BackendType = "local"
	// DockerBackend runs each runner in a container.
	DockerBackend BackendType = "docker"
	// LXDBackend runs each runner in an LXD instance.
	LXDBackend BackendType = "lxd"
)

// Backend selects and configures the compute backend of a runner group.
// Exactly the section matching Name is consulted.
type Backend struct {
	Name BackendType `yaml:"name"`

	Local  Local  `yaml:"local"`
	Docker Docker `yaml:"docker"`
	LXD    LXD    `yaml:"lxd"`

	// Instance is the template applied to every instance the backend
	// creates for this group.
	Instance InstanceTemplate `yaml:"instance"`
}

func (b *Backend) Validate() error {
	switch b.Name {
	case LocalBackend:
		return b.Local.Validate()
	case DockerBackend:
		if err := b.Docker.Validate(); err != nil {
			return err
		}
		if b.Instance.Image == "" {
			return fmt.Errorf("docker backend requires instance.image")
		}
		return nil
	case LXDBackend:
		if err := b.LXD.Validate(); err != nil {
			return err
		}
		if b.Instance.Image == "" {
			return fmt.Errorf("lxd backend requires instance.image")
		}
		return nil
	case "":
		return fmt.Errorf("missing backend name")
	default:
		return fmt.Errorf("unknown backend: %s", b.Name)
	}
}

// InstanceTemplate holds the backend agnostic parts of an instance
// definition.
type InstanceTemplate struct {
	// Image is the container or VM image runners boot from.
	Image string `yaml:"image"`
	// Flavor is the instance size, where the backend has a notion of one
	// (LXD instance type, for example c2-m4).
	Flavor string `yaml:"flavor"`
	// Network is the network to attach the instance to.
	Network string `yaml:"network"`
	// Environment is extra environment passed to the runner agent.
	Environment map[string]string `yaml:"environment"`
}

// Local is the config of the local process backend.
type Local struct {
	// AgentPath is the runner agent binary spawned per runner.
	AgentPath string `yaml:"agent_path"`
	// WorkDir is where per runner working directories are created.
	// Defaults to the system temp dir.
	WorkDir string `yaml:"work_dir"`
}

func (l *Local) Validate() error {
	if l.AgentPath == "" {
		return fmt.Errorf("local backend requires agent_path")
	}
	return nil
}

// Docker is the config of the docker backend.
type Docker struct {
	// Host is the docker daemon endpoint. Empty means the client
	// defaults (DOCKER_HOST or the local socket).
	Host string `yaml:"host"`
	// APIVersion pins the negotiated API version when set.
	APIVersion string `yaml:"api_version"`
}

func (d *Docker) Validate() error {
	return nil
}

// LXD is the config of the LXD backend. Either a unix socket or a remote
// HTTPS endpoint with client certificates must be configured.
type LXD struct {
	// UnixSocket is the path to the local LXD unix socket.
	UnixSocket string `yaml:"unix_socket_path"`

	// URL is the remote LXD HTTPS endpoint.
	URL string `yaml:"url"`
	// ClientCertificate and ClientKey are paths to the TLS client pair
	// used with a remote endpoint.
	ClientCertificate string `yaml:"client_certificate"`
	ClientKey         string `yaml:"client_key"`
	// TLSServerCert is the path to the server certificate we expect.
	TLSServerCert string `yaml:"tls_server_certificate"`

	// ProjectName is the LXD project instances are created in. Empty
	// means the default project.
	ProjectName string `yaml:"project_name"`
	// IncludeDefaultProfile attaches the default profile to instances.
	IncludeDefaultProfile bool `yaml:"include_default_profile"`
	// InstanceType selects containers or virtual machines.
	InstanceType string `yaml:"instance_type"`
}

func (l *LXD) Validate() error {
	if l.UnixSocket == "" {
		if l.URL == "" {
			return fmt.Errorf(
				"lxd backend requires either unix_socket_path or url")
		}
		if l.ClientCertificate == "" || l.ClientKey == "" {
			return errors.New(
				"remote LXD endpoints require client_certificate and client_key")
		}
	}
	switch l.InstanceType {
	case "", "container", "virtual-machine":
	default:
		return fmt.Errorf("invalid instance_type: %s", l.InstanceType)
	}
	return nil
}
