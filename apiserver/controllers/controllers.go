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

package controllers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/harryfinbow/runner-manager/apiserver/params"
	gErrors "github.com/harryfinbow/runner-manager/errors"
	runnerParams "github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner"
	wsWriter "github.com/harryfinbow/runner-manager/websocket"
)

func NewAPIController(r *runner.Runner, hub *wsWriter.Hub) (*APIController, error) {
	return &APIController{
		r:   r,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
		},
	}, nil
}

type APIController struct {
	r        *runner.Runner
	hub      *wsWriter.Hub
	upgrader websocket.Upgrader
}

func handleError(ctx context.Context, w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	origErr := errors.Cause(err)
	apiErr := params.APIErrorResponse{
		Details: origErr.Error(),
	}

	switch origErr.(type) {
	case *gErrors.NotFoundError:
		w.WriteHeader(http.StatusNotFound)
		apiErr.Error = "Not Found"
	case *gErrors.UnauthorizedError:
		w.WriteHeader(http.StatusUnauthorized)
		apiErr.Error = "Not Authorized"
		// Don't include details on 401 errors.
		apiErr.Details = ""
	case *gErrors.BadRequestError:
		w.WriteHeader(http.StatusBadRequest)
		apiErr.Error = "Bad Request"
	case *gErrors.ConflictError, *gErrors.DuplicateEntityError:
		w.WriteHeader(http.StatusConflict)
		apiErr.Error = "Conflict"
	default:
		w.WriteHeader(http.StatusInternalServerError)
		apiErr.Error = "Server error"
		// Don't include details on server error.
		apiErr.Details = ""
	}

	if err := json.NewEncoder(w).Encode(apiErr); err != nil {
		slog.With(slog.Any("error", err)).ErrorContext(ctx, "failed to encode response")
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.With(slog.Any("error", err)).ErrorContext(ctx, "failed to encode response")
	}
}

// WebhookHandler is the intake for hosting service events. Signature
// failures return 400, a full queue returns 503 so the hosting service
// redelivers, and accepted workflow_job events return 202.
func (a *APIController) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		runner.WebhookMetric(false, "body_read_error")
		handleError(ctx, w, gErrors.NewBadRequestError("invalid post body: %s", err))
		return
	}

	// Verify the signature before looking at the event type; forged
	// deliveries get no acknowledgement either.
	signature := r.Header.Get("X-Hub-Signature-256")
	if err := a.r.ValidateWebhookSignature(signature, body); err != nil {
		runner.WebhookMetric(false, "signature_invalid")
		handleError(ctx, w, gErrors.NewBadRequestError("invalid signature"))
		return
	}

	event := runnerParams.Event(r.Header.Get("X-Github-Event"))
	switch event {
	case runnerParams.WorkflowJobEvent:
	case runnerParams.PingEvent:
		runner.WebhookMetric(true, "")
		writeJSON(ctx, w, http.StatusOK, nil)
		return
	default:
		// Not an event we act on; acknowledge and move on.
		runner.WebhookMetric(false, "unknown_event")
		writeJSON(ctx, w, http.StatusOK, nil)
		return
	}

	hookType := r.Header.Get("X-Github-Hook-Installation-Target-Type")

	if err := a.r.DispatchWorkflowJob(hookType, signature, body); err != nil {
		switch {
		case errors.Is(err, runner.ErrQueueFull):
			runner.WebhookMetric(false, "queue_full")
			writeJSON(ctx, w, http.StatusServiceUnavailable, params.OverloadedResponse)
		case errors.Is(err, gErrors.ErrUnauthorized):
			runner.WebhookMetric(false, "signature_invalid")
			handleError(ctx, w, gErrors.NewBadRequestError("invalid signature"))
		default:
			runner.WebhookMetric(false, "unknown")
			handleError(ctx, w, err)
		}
		return
	}

	runner.WebhookMetric(true, "")
	writeJSON(ctx, w, http.StatusAccepted, nil)
}

// ListGroupsHandler returns the status of every runner group.
func (a *APIController) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(ctx, w, http.StatusOK, a.r.ListGroups(ctx))
}

// GetGroupHandler returns the status of one runner group.
func (a *APIController) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["groupName"]

	group, err := a.r.GetGroup(ctx, name)
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, group)
}

// ListGroupRunnersHandler returns the runners of one group.
func (a *APIController) ListGroupRunnersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["groupName"]

	runners, err := a.r.ListRunners(ctx, name)
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, runners)
}

// ListRunnersHandler returns all tracked runners.
func (a *APIController) ListRunnersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runners, err := a.r.ListRunners(ctx, "")
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, runners)
}

// GetRunnerHandler returns one tracked runner by name.
func (a *APIController) GetRunnerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["runnerName"]

	instance, err := a.r.GetRunner(ctx, name)
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, instance)
}

// ListJobsHandler returns the workflow job journal.
func (a *APIController) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := a.r.ListJobs(ctx)
	if err != nil {
		handleError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, jobs)
}

// WSHandler upgrades the connection and streams runner lifecycle events.
func (a *APIController) WSHandler(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if a.hub == nil {
		handleError(ctx, writer, gErrors.NewNotFoundError("event stream is disabled"))
		return
	}

	conn, err := a.upgrader.Upgrade(writer, req, nil)
	if err != nil {
		slog.With(slog.Any("error", err)).ErrorContext(ctx, "error upgrading to websockets")
		return
	}

	client, err := wsWriter.NewClient(ctx, conn)
	if err != nil {
		slog.With(slog.Any("error", err)).ErrorContext(ctx, "failed to create new client")
		return
	}

	if err := a.hub.Register(client); err != nil {
		slog.With(slog.Any("error", err)).ErrorContext(ctx, "error registering new client")
		return
	}
	if err := client.Start(); err != nil {
		slog.With(slog.Any("error", err)).ErrorContext(ctx, "failed to start client")
		return
	}
	<-client.Done()
	slog.Info("client disconnected", "client_id", client.ID())
}

// HealthzHandler is the unauthenticated liveness probe.
func (a *APIController) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// NotFoundHandler is returned for unknown routes.
func (a *APIController) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusNotFound, params.NotFoundResponse)
}
