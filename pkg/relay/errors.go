// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"errors"
	"fmt"

	"github.com/davel-ai/gateway/pkg/quota"
)

// Code identifies a client-visible failure.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeRateLimited      Code = "RATE_LIMIT_EXCEEDED"
	CodeTooManySessions  Code = "TOO_MANY_SESSIONS"
	CodeInvalidSession   Code = "INVALID_SESSION"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeInferenceFailed  Code = "INFERENCE_FAILED"
	CodeInferenceTimeout Code = "INFERENCE_TIMEOUT"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is a failure reported to the client.
type Error struct {
	Code    Code
	Message string

	// RetryAfter in seconds, set with CodeRateLimited.
	RetryAfter int64

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error without a cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError returns err as an *Error. Quota rejections become
// CodeRateLimited; other unknown errors are wrapped as CodeInternal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if quota.IsRateLimitError(err) {
		e = &Error{Code: CodeRateLimited, Message: err.Error(), Err: err}
		if result := quota.GetRateLimitResult(err); result != nil {
			e.RetryAfter = result.RetryAfter
		}
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
