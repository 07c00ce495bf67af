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

// Package auth guards the management API with the shared API key from
// the configuration.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware defines an authentication middleware
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// NewAPIKeyMiddleware returns a middleware that accepts requests
// carrying the configured API key in the X-Api-Key header or as a
// bearer token.
func NewAPIKeyMiddleware(apiKey string) Middleware {
	return &apiKeyMiddleware{apiKey: apiKey}
}

type apiKeyMiddleware struct {
	apiKey string
}

func (m *apiKeyMiddleware) keyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (m *apiKeyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFromRequest(r)
		// Constant time compare; the key is a shared secret.
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(m.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
