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

// Package testing holds in-memory fakes of the compute backend and the
// hosting service client, shared by the lifecycle, pool and dispatcher
// tests.
package testing

import (
	"context"
	"fmt"
	"sync"

	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner/common"
)

// FakeBackend is an in-memory common.Backend. Calls are recorded in
// order; errors can be injected per operation.
type FakeBackend struct {
	mux sync.Mutex

	instances map[string]params.Runner
	nextID    int

	Calls []string

	CreateErr error
	DeleteErr error
	GetErr    error
	ListErr   error
}

var _ common.Backend = &FakeBackend{}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		instances: map[string]params.Runner{},
	}
}

func (f *FakeBackend) record(call string) {
	f.Calls = append(f.Calls, call)
}

// CallCount returns how many recorded calls start with op.
func (f *FakeBackend) CallCount(op string) int {
	f.mux.Lock()
	defer f.mux.Unlock()

	count := 0
	for _, call := range f.Calls {
		if len(call) >= len(op) && call[:len(op)] == op {
			count++
		}
	}
	return count
}

func (f *FakeBackend) CreateInstance(_ context.Context, runner params.Runner) (params.Runner, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.record("CreateInstance " + runner.Name)
	if f.CreateErr != nil {
		return params.Runner{}, f.CreateErr
	}

	f.nextID++
	runner.InstanceID = fmt.Sprintf("i-%d", f.nextID+99)
	f.instances[runner.InstanceID] = runner
	return runner, nil
}

func (f *FakeBackend) DeleteInstance(_ context.Context, runner params.Runner) error {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.record("DeleteInstance " + runner.Name)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.instances, runner.InstanceID)
	return nil
}

func (f *FakeBackend) UpdateInstance(_ context.Context, runner params.Runner) (params.Runner, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.record("UpdateInstance " + runner.Name)
	if existing, ok := f.instances[runner.InstanceID]; ok {
		existing.Labels = runner.Labels
		existing.Group = runner.Group
		f.instances[runner.InstanceID] = existing
	}
	return runner, nil
}

func (f *FakeBackend) GetInstance(_ context.Context, instanceID string) (params.Runner, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.record("GetInstance " + instanceID)
	if f.GetErr != nil {
		return params.Runner{}, f.GetErr
	}
	instance, ok := f.instances[instanceID]
	if !ok {
		return params.Runner{}, runnerErrors.NewNotFoundError("instance %s not found", instanceID)
	}
	return instance, nil
}

func (f *FakeBackend) ListInstances(_ context.Context) ([]params.Runner, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.record("ListInstances")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	ret := make([]params.Runner, 0, len(f.instances))
	for _, instance := range f.instances {
		ret = append(ret, instance)
	}
	return ret, nil
}

// AddInstance plants an instance without going through CreateInstance.
// Used to simulate leaked instances.
func (f *FakeBackend) AddInstance(runner params.Runner) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.instances[runner.InstanceID] = runner
}

// RemoveInstance drops an instance behind the manager's back, the way a
// cloud side termination would.
func (f *FakeBackend) RemoveInstance(instanceID string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	delete(f.instances, instanceID)
}

// HasInstance reports whether the backend still holds instanceID.
func (f *FakeBackend) HasInstance(instanceID string) bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	_, ok := f.instances[instanceID]
	return ok
}

// FakeHostingClient is an in-memory common.HostingClient. Runner IDs are
// assigned sequentially starting at 7.
type FakeHostingClient struct {
	mux sync.Mutex

	registered map[int64]common.ExternalRunner
	nextID     int64

	Calls []string

	JITErr        error
	DeregisterErr error
	ListErr       error
}

var _ common.HostingClient = &FakeHostingClient{}

func NewFakeHostingClient() *FakeHostingClient {
	return &FakeHostingClient{
		registered: map[int64]common.ExternalRunner{},
		nextID:     7,
	}
}

func (f *FakeHostingClient) GenerateJITConfig(_ context.Context, _, name string, labels []string) (int64, string, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.Calls = append(f.Calls, "GenerateJITConfig "+name)
	if f.JITErr != nil {
		return 0, "", f.JITErr
	}

	id := f.nextID
	f.nextID++
	f.registered[id] = common.ExternalRunner{
		ID:     id,
		Name:   name,
		Labels: labels,
	}
	return id, fmt.Sprintf("jit-config-%d", id), nil
}

func (f *FakeHostingClient) DeregisterRunner(_ context.Context, _ string, externalID int64) error {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.Calls = append(f.Calls, fmt.Sprintf("DeregisterRunner %d", externalID))
	if f.DeregisterErr != nil {
		return f.DeregisterErr
	}
	delete(f.registered, externalID)
	return nil
}

func (f *FakeHostingClient) ListRunners(_ context.Context, _ string) ([]common.ExternalRunner, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.Calls = append(f.Calls, "ListRunners")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	ret := make([]common.ExternalRunner, 0, len(f.registered))
	for _, runner := range f.registered {
		ret = append(ret, runner)
	}
	return ret, nil
}

// SetOnline marks a registered runner as connected, the way the agent
// does once it boots and consumes its JIT config.
func (f *FakeHostingClient) SetOnline(externalID int64, busy bool) {
	f.mux.Lock()
	defer f.mux.Unlock()
	runner, ok := f.registered[externalID]
	if !ok {
		return
	}
	runner.Online = true
	runner.Busy = busy
	f.registered[externalID] = runner
}

// HasRunner reports whether the hosting service still advertises
// externalID.
func (f *FakeHostingClient) HasRunner(externalID int64) bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	_, ok := f.registered[externalID]
	return ok
}

// CallLog returns a copy of the recorded calls.
func (f *FakeHostingClient) CallLog() []string {
	f.mux.Lock()
	defer f.mux.Unlock()
	return append([]string{}, f.Calls...)
}
