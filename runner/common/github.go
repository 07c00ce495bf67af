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

package common

import "context"

// ExternalRunner is the hosting service's view of a registered runner.
type ExternalRunner struct {
	ID     int64
	Name   string
	Online bool
	Busy   bool
	Labels []string
}

// HostingClient is the minimum surface of the hosting service we need.
// Allows for easier testing.
type HostingClient interface {
	// GenerateJITConfig registers a runner name with the organization and
	// returns the assigned runner ID together with the single use JIT
	// config blob the instance uses to self register at boot.
	GenerateJITConfig(ctx context.Context, org, name string, labels []string) (int64, string, error)
	// DeregisterRunner removes a runner from the organization. Idempotent;
	// deregistering an unknown runner succeeds.
	DeregisterRunner(ctx context.Context, org string, externalID int64) error
	// ListRunners lists the organization's registered runners.
	ListRunners(ctx context.Context, org string) ([]ExternalRunner, error)
}
