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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace        = "runner_manager"
	metricsRunnerSubsystem  = "runner"
	metricsGroupSubsystem   = "group"
	metricsWebhookSubsystem = "webhook"
	metricsGithubSubsystem  = "github"
	metricsBackendSubsystem = "backend"
)

// RegisterMetrics registers all the metrics
func RegisterMetrics() error {
	var collectors []prometheus.Collector
	collectors = append(collectors,

		// group metrics, refreshed on every reconcile tick
		GroupInfo,
		GroupStatus,
		GroupMaxRunners,
		GroupMinRunners,
		RunnerStatus,

		// metrics counted during normal operations
		RunnerOperationCount,
		RunnerOperationFailedCount,
		GithubOperationCount,
		GithubOperationFailedCount,
		BackendOperationCount,
		BackendOperationFailedCount,
		WebhooksReceived,
	)

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}
	return nil
}
