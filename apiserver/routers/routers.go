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

package routers

import (
	"io"
	"net/http"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harryfinbow/runner-manager/apiserver/controllers"
	"github.com/harryfinbow/runner-manager/auth"
)

// NewAPIRouter wires the webhook intake, the read only management API
// and the metrics endpoint. The webhook endpoint authenticates through
// its HMAC signature; everything under /api/v1 requires the API key.
func NewAPIRouter(han *controllers.APIController, logWriter io.Writer, authMiddleware auth.Middleware) *mux.Router {
	router := mux.NewRouter()
	log := gorillaHandlers.CombinedLoggingHandler

	// Handles github webhooks
	webhookRouter := router.PathPrefix("/webhooks").Subrouter()
	webhookRouter.Handle("", log(logWriter, http.HandlerFunc(han.WebhookHandler))).Methods("POST")
	webhookRouter.Handle("/", log(logWriter, http.HandlerFunc(han.WebhookHandler))).Methods("POST")

	// Unauthenticated liveness probe.
	router.Handle("/healthz", http.HandlerFunc(han.HealthzHandler)).Methods("GET", "OPTIONS")

	// Prometheus metrics.
	router.Handle("/metrics", promhttp.Handler()).Methods("GET", "OPTIONS")

	// Handles API calls
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMiddleware.Middleware)

	// List groups
	apiRouter.Handle("/groups", log(logWriter, http.HandlerFunc(han.ListGroupsHandler))).Methods("GET", "OPTIONS")
	apiRouter.Handle("/groups/", log(logWriter, http.HandlerFunc(han.ListGroupsHandler))).Methods("GET", "OPTIONS")
	// Get group
	apiRouter.Handle("/groups/{groupName}", log(logWriter, http.HandlerFunc(han.GetGroupHandler))).Methods("GET", "OPTIONS")
	// List group runners
	apiRouter.Handle("/groups/{groupName}/runners", log(logWriter, http.HandlerFunc(han.ListGroupRunnersHandler))).Methods("GET", "OPTIONS")

	// List runners
	apiRouter.Handle("/runners", log(logWriter, http.HandlerFunc(han.ListRunnersHandler))).Methods("GET", "OPTIONS")
	apiRouter.Handle("/runners/", log(logWriter, http.HandlerFunc(han.ListRunnersHandler))).Methods("GET", "OPTIONS")
	// Get runner
	apiRouter.Handle("/runners/{runnerName}", log(logWriter, http.HandlerFunc(han.GetRunnerHandler))).Methods("GET", "OPTIONS")

	// Workflow job journal
	apiRouter.Handle("/jobs", log(logWriter, http.HandlerFunc(han.ListJobsHandler))).Methods("GET", "OPTIONS")
	apiRouter.Handle("/events", log(logWriter, http.HandlerFunc(han.ListJobsHandler))).Methods("GET", "OPTIONS")

	// Live event stream
	apiRouter.Handle("/ws/events", log(logWriter, http.HandlerFunc(han.WSHandler))).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(han.NotFoundHandler)
	return router
}
