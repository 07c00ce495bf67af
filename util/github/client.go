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

package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v55/github"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/harryfinbow/runner-manager/config"
	runnerErrors "github.com/harryfinbow/runner-manager/errors"
	"github.com/harryfinbow/runner-manager/metrics"
	"github.com/harryfinbow/runner-manager/runner/common"
)

const (
	// retryBudget bounds the total wall clock time spent retrying one
	// transient upstream failure.
	retryBudget = 2 * time.Minute
	// retryDelay is the initial backoff delay. Doubled on every attempt.
	retryDelay = 2 * time.Second
	retryMax   = 6
)

// NewClient returns a hosting service client authenticated per the
// config. App installation auth is preferred whenever app id,
// installation id and private key are all present; otherwise the token
// is used. With neither configured this fails with ErrMissingAuth.
func NewClient(ctx context.Context, cfg config.Github) (common.HostingClient, error) {
	httpClient, err := getHTTPClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ghClient := github.NewClient(httpClient)
	if cfg.BaseURL != "" && cfg.BaseURL != config.DefaultGithubBaseURL {
		ghClient, err = ghClient.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "setting github base URL")
		}
	}

	return &hostingClient{client: ghClient}, nil
}

func getHTTPClient(ctx context.Context, cfg config.Github) (*http.Client, error) {
	if cfg.AppInstall() {
		keyBytes, err := cfg.PrivateKeyBytes()
		if err != nil {
			return nil, errors.Wrap(err, "reading app private key")
		}
		itr, err := ghinstallation.New(
			http.DefaultTransport, cfg.AppID, cfg.InstallationID, keyBytes)
		if err != nil {
			return nil, errors.Wrap(err, "creating app installation transport")
		}
		return &http.Client{Transport: itr}, nil
	}

	if cfg.Token == "" {
		return nil, runnerErrors.ErrMissingAuth
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: cfg.Token},
	)
	return oauth2.NewClient(ctx, ts), nil
}

type hostingClient struct {
	client *github.Client
}

var _ common.HostingClient = &hostingClient{}

func (h *hostingClient) GenerateJITConfig(ctx context.Context, org, name string, labels []string) (int64, string, error) {
	metrics.GithubOperationCount.WithLabelValues("GenerateJITConfig", org).Inc()

	req := github.GenerateJITConfigRequest{
		Name: name,
		// The default runner group.
		RunnerGroupID: 1,
		Labels:        labels,
		WorkFolder:    github.String("_work"),
	}

	var jitConfig *github.JITRunnerConfig
	err := h.callWithRetry(ctx, func() error {
		var response *github.Response
		var err error
		jitConfig, response, err = h.client.Actions.GenerateOrgJITConfig(ctx, org, &req)
		return parseError(response, err)
	})
	if err != nil {
		metrics.GithubOperationFailedCount.WithLabelValues("GenerateJITConfig", org).Inc()
		return 0, "", errors.Wrap(err, "generating JIT config")
	}

	if jitConfig.Runner == nil || jitConfig.EncodedJITConfig == nil {
		return 0, "", runnerErrors.NewUpstreamRejectedError(
			"hosting service returned an incomplete JIT config for %s", name)
	}
	return jitConfig.Runner.GetID(), jitConfig.GetEncodedJITConfig(), nil
}

func (h *hostingClient) DeregisterRunner(ctx context.Context, org string, externalID int64) error {
	metrics.GithubOperationCount.WithLabelValues("DeregisterRunner", org).Inc()

	err := h.callWithRetry(ctx, func() error {
		response, err := h.client.Actions.RemoveOrganizationRunner(ctx, org, externalID)
		return parseError(response, err)
	})
	if err != nil {
		// A runner the hosting service no longer knows about is already
		// deregistered.
		if errors.Is(err, runnerErrors.ErrNotFound) {
			return nil
		}
		metrics.GithubOperationFailedCount.WithLabelValues("DeregisterRunner", org).Inc()
		return errors.Wrapf(err, "removing runner %d", externalID)
	}
	return nil
}

func (h *hostingClient) ListRunners(ctx context.Context, org string) ([]common.ExternalRunner, error) {
	metrics.GithubOperationCount.WithLabelValues("ListRunners", org).Inc()

	opts := github.ListOptions{PerPage: 100}
	var all []common.ExternalRunner
	for {
		var runners *github.Runners
		err := h.callWithRetry(ctx, func() error {
			var response *github.Response
			var err error
			runners, response, err = h.client.Actions.ListOrganizationRunners(
				ctx, org, &github.ListOptions{Page: opts.Page, PerPage: opts.PerPage})
			if parseErr := parseError(response, err); parseErr != nil {
				return parseErr
			}
			opts.Page = response.NextPage
			return nil
		})
		if err != nil {
			metrics.GithubOperationFailedCount.WithLabelValues("ListRunners", org).Inc()
			return nil, errors.Wrap(err, "listing runners")
		}

		for _, runner := range runners.Runners {
			labels := make([]string, 0, len(runner.Labels))
			for _, label := range runner.Labels {
				labels = append(labels, label.GetName())
			}
			all = append(all, common.ExternalRunner{
				ID:     runner.GetID(),
				Name:   runner.GetName(),
				Online: runner.GetStatus() == "online",
				Busy:   runner.GetBusy(),
				Labels: labels,
			})
		}
		if opts.Page == 0 {
			break
		}
	}
	return all, nil
}

// callWithRetry retries transient upstream failures (5xx, 429, network
// errors) with doubling backoff inside a bounded wall clock budget.
// Permanent failures are surfaced immediately.
func (h *hostingClient) callWithRetry(ctx context.Context, call func() error) error {
	return retry.Call(retry.CallArgs{
		Func: call,
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		Attempts:    retryMax,
		Delay:       retryDelay,
		MaxDuration: retryBudget,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
}

func isTransient(err error) bool {
	var transient *transientError
	return errors.As(err, &transient)
}

// transientError wraps upstream failures worth retrying.
type transientError struct {
	err error
}

func (t *transientError) Error() string {
	return t.err.Error()
}

func (t *transientError) Unwrap() error {
	return t.err
}

// parseError maps a github API response onto the error taxonomy: typed
// sentinels for the well known statuses, transientError for 429/5xx and
// UpstreamRejectedError for any other 4xx.
func parseError(response *github.Response, err error) error {
	var statusCode int
	if response != nil {
		statusCode = response.StatusCode
	}

	switch {
	case statusCode >= 100 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return runnerErrors.ErrNotFound
	case statusCode == http.StatusUnauthorized:
		return runnerErrors.ErrUnauthorized
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		if err == nil {
			err = fmt.Errorf("upstream returned status %d", statusCode)
		}
		return &transientError{err: err}
	case statusCode >= 400:
		if err == nil {
			err = fmt.Errorf("upstream returned status %d", statusCode)
		}
		return runnerErrors.NewUpstreamRejectedError("upstream rejected request: %s", err)
	default:
		if err != nil {
			// No response at all, most likely a network failure.
			return &transientError{err: err}
		}
		return errors.New("unknown error")
	}
}
