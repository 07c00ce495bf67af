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

package providers

import (
	"context"
	"fmt"

	"github.com/harryfinbow/runner-manager/config"
	"github.com/harryfinbow/runner-manager/runner/common"
	"github.com/harryfinbow/runner-manager/runner/providers/docker"
	"github.com/harryfinbow/runner-manager/runner/providers/local"
	"github.com/harryfinbow/runner-manager/runner/providers/lxd"
)

// NewBackend returns the backend adapter selected by the group config.
func NewBackend(ctx context.Context, cfg config.Backend, manager string) (common.Backend, error) {
	switch cfg.Name {
	case config.LocalBackend:
		return local.New(cfg, manager)
	case config.DockerBackend:
		return docker.New(cfg, manager)
	case config.LXDBackend:
		return lxd.New(ctx, cfg, manager)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Name)
	}
}
