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
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit published on the chat channel. Every process
// delivers it to its local connections of SessionID.
type Envelope struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Content   string         `json:"content"`
	Final     bool           `json:"final"`
	Sources   []string       `json:"sources"`
	ToolCalls []string       `json:"toolCalls"`
	Reasoning string         `json:"reasoning,omitempty"`
	Error     *EnvelopeError `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// EnvelopeError describes a failed interaction.
type EnvelopeError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func newEnvelope(sessionID string, now time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Final:     true,
		Sources:   []string{},
		ToolCalls: []string{},
		Timestamp: now.UnixMilli(),
	}
}

// Inbound is a chat message from a client.
type Inbound struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UseTools  *bool  `json:"useTools,omitempty"`
	MaxTokens *int32 `json:"maxTokens,omitempty"`
}

// ChatFrame is the answer frame written to chat sockets.
type ChatFrame struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId"`
	Token     string   `json:"token"`
	Done      bool     `json:"done"`
	Sources   []string `json:"sources,omitempty"`
	ToolCalls []string `json:"toolCalls,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// ErrorFrame is the error object written to chat sockets and returned by
// the request/response API.
type ErrorFrame struct {
	Error      bool   `json:"error"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	SessionID  string `json:"sessionId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// NewErrorFrame renders err for the client.
func NewErrorFrame(err *Error, sessionID string, now time.Time) *ErrorFrame {
	return &ErrorFrame{
		Error:      true,
		Code:       err.Code,
		Message:    err.Message,
		SessionID:  sessionID,
		Timestamp:  now.UnixMilli(),
		RetryAfter: err.RetryAfter,
	}
}

// Frame returns the socket representation of e.
func (e *Envelope) Frame() any {
	if e.Error != nil {
		return &ErrorFrame{
			Error:      true,
			Code:       e.Error.Code,
			Message:    e.Error.Message,
			SessionID:  e.SessionID,
			Timestamp:  e.Timestamp,
			RetryAfter: e.Error.RetryAfter,
		}
	}
	return &ChatFrame{
		ID:        e.ID,
		SessionID: e.SessionID,
		Token:     e.Content,
		Done:      e.Final,
		Sources:   e.Sources,
		ToolCalls: e.ToolCalls,
		Reasoning: e.Reasoning,
	}
}
