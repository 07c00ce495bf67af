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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/harryfinbow/runner-manager/apiserver/controllers"
	"github.com/harryfinbow/runner-manager/auth"
	"github.com/harryfinbow/runner-manager/config"
	"github.com/harryfinbow/runner-manager/database/redisdb"
	"github.com/harryfinbow/runner-manager/metrics"
	"github.com/harryfinbow/runner-manager/params"
	"github.com/harryfinbow/runner-manager/runner"
)

const (
	testAPIKey        = "test-api-key"
	testWebhookSecret = "test-webhook-secret"
)

type RoutersTestSuite struct {
	suite.Suite

	srv *httptest.Server
}

func (s *RoutersTestSuite) SetupSuite() {
	// Collectors live on the default registry, which promhttp serves.
	s.Require().NoError(metrics.RegisterMetrics())
}

func (s *RoutersTestSuite) SetupTest() {
	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisdb.NewRunnerStoreWithClient(client)

	_, err := store.SaveRunner(context.Background(), params.Runner{
		Name:   "group-one-abcd",
		Group:  "group-one",
		Status: params.RunnerIdle,
	})
	s.Require().NoError(err)

	cfg := &config.Config{
		Name:   "test-manager",
		APIKey: testAPIKey,
		Github: config.Github{
			WebhookSecret: testWebhookSecret,
			Token:         "ghp_sometoken",
		},
		WebhookQueueSize: 1,
	}

	mgr, err := runner.NewRunner(context.Background(), cfg, store, nil, nil)
	s.Require().NoError(err)

	han, err := controllers.NewAPIController(mgr, nil)
	s.Require().NoError(err)

	router := NewAPIRouter(han, io.Discard, auth.NewAPIKeyMiddleware(testAPIKey))
	s.srv = httptest.NewServer(router)
	s.T().Cleanup(s.srv.Close)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *RoutersTestSuite) webhookRequest(event string, body []byte, signature string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/webhooks", bytes.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("X-Github-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}

	resp, err := s.srv.Client().Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *RoutersTestSuite) workflowJobBody() []byte {
	job := params.WorkflowJob{Action: "queued"}
	job.WorkflowJob.ID = 1234
	job.WorkflowJob.Labels = []string{"self-hosted"}
	job.Repository.FullName = "acme/widgets"

	body, err := json.Marshal(job)
	s.Require().NoError(err)
	return body
}

func (s *RoutersTestSuite) TestWebhookAccepted() {
	body := s.workflowJobBody()
	resp := s.webhookRequest("workflow_job", body, sign(body))
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)
}

func (s *RoutersTestSuite) TestWebhookBadSignature() {
	body := s.workflowJobBody()
	resp := s.webhookRequest("workflow_job", body, "sha256=deadbeef")
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *RoutersTestSuite) TestWebhookMissingSignature() {
	body := s.workflowJobBody()
	resp := s.webhookRequest("workflow_job", body, "")
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *RoutersTestSuite) TestWebhookOverflow() {
	body := s.workflowJobBody()

	// The dispatch loop is not running, so the first delivery fills the
	// queue and the second overflows.
	resp := s.webhookRequest("workflow_job", body, sign(body))
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)

	resp = s.webhookRequest("workflow_job", body, sign(body))
	s.Require().Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *RoutersTestSuite) TestWebhookPing() {
	body := []byte(`{"zen": "Design for failure."}`)
	resp := s.webhookRequest("ping", body, sign(body))
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

func (s *RoutersTestSuite) TestWebhookForgedPingRejected() {
	resp := s.webhookRequest("ping", []byte(`{"zen": "Design for failure."}`), "sha256=deadbeef")
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *RoutersTestSuite) TestWebhookUnknownEventAcked() {
	body := []byte(`{}`)
	resp := s.webhookRequest("push", body, sign(body))
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

func (s *RoutersTestSuite) apiRequest(path, apiKey string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	s.Require().NoError(err)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := s.srv.Client().Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *RoutersTestSuite) TestAPIRequiresKey() {
	resp := s.apiRequest("/api/v1/runners", "")
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = s.apiRequest("/api/v1/runners", "wrong")
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *RoutersTestSuite) TestListRunners() {
	resp := s.apiRequest("/api/v1/runners", testAPIKey)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var runners []params.Runner
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&runners))
	s.Require().Len(runners, 1)
	s.Require().Equal("group-one-abcd", runners[0].Name)
}

func (s *RoutersTestSuite) TestGetRunner() {
	resp := s.apiRequest("/api/v1/runners/group-one-abcd", testAPIKey)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var instance params.Runner
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&instance))
	s.Require().Equal(params.RunnerIdle, instance.Status)
}

func (s *RoutersTestSuite) TestGetRunnerNotFound() {
	resp := s.apiRequest("/api/v1/runners/no-such-runner", testAPIKey)
	s.Require().Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *RoutersTestSuite) TestGetGroupNotFound() {
	resp := s.apiRequest("/api/v1/groups/no-such-group", testAPIKey)
	s.Require().Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *RoutersTestSuite) TestListGroupsEmpty() {
	resp := s.apiRequest("/api/v1/groups", testAPIKey)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

func (s *RoutersTestSuite) TestHealthzIsOpen() {
	resp := s.apiRequest("/healthz", "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

func (s *RoutersTestSuite) TestMetricsExposed() {
	body := s.workflowJobBody()
	resp := s.webhookRequest("workflow_job", body, sign(body))
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)

	resp = s.apiRequest("/metrics", "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	payload, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Require().Contains(string(payload), "runner_manager_webhook_received")
}

func TestRoutersTestSuite(t *testing.T) {
	suite.Run(t, new(RoutersTestSuite))
}
