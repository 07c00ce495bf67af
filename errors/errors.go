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

package errors

import "fmt"

var (
	// ErrUnauthorized is returned when a request carries no valid
	// credentials.
	ErrUnauthorized = NewUnauthorizedError("Unauthorized")
	// ErrNotFound is returned if an object is not found in the store, the
	// backend or the hosting service.
	ErrNotFound = NewNotFoundError("not found")
	// ErrDuplicateEntity is returned when saving an entity that already
	// exists.
	ErrDuplicateEntity = NewDuplicateEntityError("duplicate")
	// ErrBadRequest is returned if a malformed request is sent.
	ErrBadRequest = NewBadRequestError("invalid request")
	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = fmt.Errorf("timed out")
	// ErrMissingAuth is returned at startup when neither a token nor a
	// complete app installation is configured for the hosting service.
	ErrMissingAuth = fmt.Errorf("no github auth configured")
)

type baseError struct {
	msg string
}

func (b *baseError) Error() string {
	return b.msg
}

// NewUnauthorizedError returns a new UnauthorizedError
func NewUnauthorizedError(msg string) error {
	return &UnauthorizedError{
		baseError{
			msg: msg,
		},
	}
}

// UnauthorizedError is returned when a request is unauthorized
type UnauthorizedError struct {
	baseError
}

// NewNotFoundError returns a new NotFoundError
func NewNotFoundError(msg string, a ...interface{}) error {
	return &NotFoundError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// NotFoundError is returned when a resource is not found
type NotFoundError struct {
	baseError
}

// NewDuplicateEntityError returns a new DuplicateEntityError
func NewDuplicateEntityError(msg string, a ...interface{}) error {
	return &DuplicateEntityError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// DuplicateEntityError is returned when a duplicate entity is created
type DuplicateEntityError struct {
	baseError
}

// NewBadRequestError returns a new BadRequestError
func NewBadRequestError(msg string, a ...interface{}) error {
	return &BadRequestError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// BadRequestError is returned when a malformed request is received
type BadRequestError struct {
	baseError
}

// NewConflictError returns a new ConflictError
func NewConflictError(msg string, a ...interface{}) error {
	return &ConflictError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// ConflictError is returned when a conflicting request is made
type ConflictError struct {
	baseError
}

// NewBackendUnavailableError returns a new BackendUnavailableError
func NewBackendUnavailableError(msg string, a ...interface{}) error {
	return &BackendUnavailableError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// BackendUnavailableError is returned when a compute backend cannot be
// reached. Transitions that hit this error are retried on the next
// reconciler tick.
type BackendUnavailableError struct {
	baseError
}

// NewQuotaExceededError returns a new QuotaExceededError
func NewQuotaExceededError(msg string, a ...interface{}) error {
	return &QuotaExceededError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// QuotaExceededError is returned when the backend refuses to provision
// because a provider side quota was hit.
type QuotaExceededError struct {
	baseError
}

// NewInvalidConfigError returns a new InvalidConfigError
func NewInvalidConfigError(msg string, a ...interface{}) error {
	return &InvalidConfigError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// InvalidConfigError is returned when a backend rejects the instance
// template or provider config it was given.
type InvalidConfigError struct {
	baseError
}

// NewUpstreamRejectedError returns a new UpstreamRejectedError
func NewUpstreamRejectedError(msg string, a ...interface{}) error {
	return &UpstreamRejectedError{
		baseError{
			msg: fmt.Sprintf(msg, a...),
		},
	}
}

// UpstreamRejectedError is returned for permanent (non 429, non 5xx)
// hosting service failures. These are not retried.
type UpstreamRejectedError struct {
	baseError
}
