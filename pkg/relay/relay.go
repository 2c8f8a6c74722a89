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

// Package relay admits chat messages, calls inference and fans the
// answer out to every connection of the session, on this process and on
// every other process subscribed to the chat channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/davel-ai/gateway/pkg/cache"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/inference"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
	"github.com/davel-ai/gateway/pkg/quota"
	"github.com/davel-ai/gateway/pkg/registry"
	"github.com/davel-ai/gateway/pkg/session"
)

const (
	// DefaultChannel carries envelopes between processes.
	DefaultChannel = "chat_tokens"

	// seenPerConnection is how many recent envelope ids each connection
	// remembers for duplicate suppression.
	seenPerConnection = 256

	lastEnvelopePrefix = "last:"
)

// Message outcomes recorded in metrics.
const (
	outcomeAdmitted = "admitted"
	outcomeRejected = "rejected"
	outcomeInvalid  = "invalid"
	outcomeFailed   = "failed"
)

// Deps are the collaborators of a Relay. Cache may be nil.
type Deps struct {
	Store     *coordination.Store
	Quota     *quota.Service
	Sessions  *session.Store
	Cache     *cache.Service
	Registry  registry.Registry
	Inference inference.Client
}

// Options tunes a Relay.
type Options struct {
	// Channel for envelopes. Default: DefaultChannel
	Channel string

	// InferenceTimeout bounds each inference call. Default: 60s
	InferenceTimeout time.Duration

	// UseTools and MaxTokens apply when the client omits them.
	UseTools  bool
	MaxTokens int32

	Logger  *slog.Logger
	Metrics observability.Metrics
	Now     func() time.Time
}

// Relay is the per-process orchestrator. It is safe for concurrent use.
type Relay struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	metrics observability.Metrics

	mu   sync.Mutex
	seen map[string]*lru.Cache[string, struct{}]
}

// New creates a Relay.
func New(deps Deps, opts Options) *Relay {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.GetGlobalMetrics()
	}
	return &Relay{
		deps:    deps,
		opts:    opts,
		logger:  opts.Logger.With("component", "relay"),
		metrics: opts.Metrics,
		seen:    make(map[string]*lru.Cache[string, struct{}]),
	}
}

// Channel returns the pub/sub channel envelopes travel on.
func (r *Relay) Channel() string { return r.opts.Channel }

// Open admits a new connection under the connection rule of its address.
// A rejected connection is sent the error and closed.
func (r *Relay) Open(ctx context.Context, conn registry.Conn, client ClientInfo) error {
	res, err := r.deps.Quota.CheckAndRecord(ctx, quota.Request{
		Dimension:  quota.DimensionConnection,
		Identifier: client.Address,
	})
	if err != nil {
		r.logger.Warn("connection quota check failed, admitting", "address", client.Address, "error", err)
	} else if res.IsExceeded() {
		rejection := &Error{Code: CodeRateLimited, Message: "too many connections", RetryAfter: res.RetryAfter}
		_ = conn.Send(NewErrorFrame(rejection, "", r.opts.Now()))
		_ = conn.Close()
		r.logger.Debug("connection rejected", "connection_id", conn.ID(), "address", client.Address)
		return rejection
	}

	seen, err := lru.New[string, struct{}](seenPerConnection)
	if err != nil {
		return AsError(err)
	}
	r.mu.Lock()
	r.seen[conn.ID()] = seen
	r.mu.Unlock()

	r.deps.Registry.Register(conn)
	r.metrics.RecordConnectionOpened(ctx, "chat")
	r.logger.Debug("connection opened", "connection_id", conn.ID(), "address", client.Address)
	return nil
}

// Close unregisters the connection. The session is left untouched.
func (r *Relay) Close(ctx context.Context, connID string) {
	if _, ok := r.deps.Registry.Unregister(connID); !ok {
		return
	}
	r.mu.Lock()
	delete(r.seen, connID)
	r.mu.Unlock()
	r.metrics.RecordConnectionClosed(ctx, "chat")
	r.logger.Debug("connection closed", "connection_id", connID)
}

// HandleFrame processes one raw frame from conn. Rejections are sent to
// conn only; answers reach every connection of the session.
func (r *Relay) HandleFrame(ctx context.Context, conn registry.Conn, client ClientInfo, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		r.metrics.RecordMessage(ctx, outcomeInvalid)
		_ = conn.Send(NewErrorFrame(NewError(CodeValidation, "message must be a JSON object"), "", r.opts.Now()))
		return
	}
	if _, err := r.Handle(ctx, client, in); err != nil {
		_ = conn.Send(NewErrorFrame(AsError(err), in.SessionID, r.opts.Now()))
	}
}

// Handle runs the message pipeline. Admission failures return an *Error
// and have no delivery side effects. Once admitted, the result is always
// an envelope, carrying the answer or the inference failure, which has
// been cached and published to the session.
func (r *Relay) Handle(ctx context.Context, client ClientInfo, in Inbound) (*Envelope, error) {
	if err := r.admit(ctx, client, in); err != nil {
		return nil, err
	}
	r.metrics.RecordMessage(ctx, outcomeAdmitted)

	if client.ConnectionID != "" {
		r.deps.Registry.Bind(client.ConnectionID, in.SessionID)
	}

	env := r.infer(ctx, in)
	r.publish(ctx, env)
	return env, nil
}

func (r *Relay) admit(ctx context.Context, client ClientInfo, in Inbound) error {
	if strings.TrimSpace(in.Message) == "" || in.SessionID == "" {
		r.metrics.RecordMessage(ctx, outcomeInvalid)
		return NewError(CodeValidation, "message and sessionId are required")
	}

	_, err := r.deps.Sessions.Check(ctx, in.SessionID, client.Address)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		if _, err := r.deps.Sessions.Create(ctx, in.SessionID, client.Address, client.UserAgent); err != nil {
			r.metrics.RecordMessage(ctx, outcomeRejected)
			if errors.Is(err, session.ErrTooManySessions) {
				return &Error{Code: CodeTooManySessions, Message: "too many active sessions for this address", Err: err}
			}
			return AsError(err)
		}
	case errors.Is(err, session.ErrSessionInvalid):
		r.metrics.RecordMessage(ctx, outcomeRejected)
		return &Error{Code: CodeInvalidSession, Message: "session is not valid for this client", Err: err}
	case err != nil:
		return AsError(err)
	}

	res, err := r.deps.Quota.CheckAndRecord(ctx, quota.Request{
		Dimension:  quota.DimensionMessage,
		Identifier: in.SessionID,
	})
	if err != nil {
		r.logger.Warn("message quota check failed, admitting", "session_id", in.SessionID, "error", err)
	} else if res.IsExceeded() {
		r.metrics.RecordMessage(ctx, outcomeRejected)
		return AsError(quota.NewRateLimitError(res))
	}

	if _, err := r.deps.Sessions.Update(ctx, in.SessionID, session.Patch{IncrementMessages: true}); err != nil {
		r.logger.Debug("session update skipped", "session_id", in.SessionID, "error", err)
	}
	return nil
}

// infer calls the inference service. The call outlives the caller's
// connection but not the inference timeout.
func (r *Relay) infer(ctx context.Context, in Inbound) *Envelope {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.InferenceTimeout)
	defer cancel()

	req := &inference.Request{
		Message:   in.Message,
		SessionID: in.SessionID,
		UseTools:  r.opts.UseTools,
		MaxTokens: r.opts.MaxTokens,
	}
	if in.UseTools != nil {
		req.UseTools = *in.UseTools
	}
	if in.MaxTokens != nil {
		req.MaxTokens = *in.MaxTokens
	}

	resp, err := r.deps.Inference.SendMessage(callCtx, req)
	env := newEnvelope(in.SessionID, r.opts.Now())
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		r.metrics.RecordMessage(ctx, outcomeFailed)
		env.Error = &EnvelopeError{Code: CodeInferenceFailed, Message: "the assistant could not answer this message"}
		if inference.IsTimeout(err) {
			env.Error = &EnvelopeError{Code: CodeInferenceTimeout, Message: "the assistant took too long to answer"}
		}
		r.logger.Warn("inference failed", "session_id", in.SessionID, "code", env.Error.Code, "error", err)
		return env
	}

	env.Content = resp.Response
	env.Reasoning = resp.Reasoning
	if resp.Sources != nil {
		env.Sources = resp.Sources
	}
	if resp.ToolCalls != nil {
		env.ToolCalls = resp.ToolCalls
	}
	return env
}

// publish caches env as the session's last envelope and sends it on the
// channel. When the store cannot publish, local connections still get it.
func (r *Relay) publish(ctx context.Context, env *Envelope) {
	if r.deps.Cache != nil {
		if err := r.deps.Cache.Set(ctx, lastEnvelopePrefix+env.SessionID, env, r.deps.Cache.TTLFor(cache.TypeEnvelope)); err != nil {
			r.logger.Warn("failed to cache envelope", "session_id", env.SessionID, "error", err)
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode envelope", "session_id", env.SessionID, "error", err)
		r.Deliver(ctx, env)
		return
	}
	if !r.deps.Store.Publish(ctx, r.opts.Channel, payload) {
		r.logger.Debug("publish failed, delivering locally", "session_id", env.SessionID)
		r.Deliver(ctx, env)
	}
}

// Deliver sends env to every local connection of its session and returns
// how many received it. Connections that already saw env.ID are skipped.
func (r *Relay) Deliver(ctx context.Context, env *Envelope) int {
	conns := r.deps.Registry.Lookup(env.SessionID)
	if len(conns) == 0 {
		r.logger.Debug("no local connections for session", "session_id", env.SessionID)
		return 0
	}

	frame := env.Frame()
	delivered := 0
	for _, c := range conns {
		if r.alreadySeen(c.ID(), env.ID) {
			continue
		}
		if err := c.Send(frame); err != nil {
			// The client reconnects and can fetch the last envelope.
			r.logger.Warn("failed to deliver envelope, closing connection", "connection_id", c.ID(), "session_id", env.SessionID, "error", err)
			_ = c.Close()
			continue
		}
		delivered++
	}
	r.metrics.RecordEnvelopeDelivered(ctx, delivered)
	return delivered
}

// alreadySeen records id for connID and reports whether it was present.
func (r *Relay) alreadySeen(connID, id string) bool {
	r.mu.Lock()
	seen := r.seen[connID]
	r.mu.Unlock()
	if seen == nil || id == "" {
		return false
	}
	found, _ := seen.ContainsOrAdd(id, struct{}{})
	return found
}

// OnPayload handles one message from the chat channel.
func (r *Relay) OnPayload(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.SessionID == "" {
		r.logger.Warn("dropping malformed envelope", "error", err, "bytes", len(payload))
		return
	}
	r.Deliver(ctx, &env)
}

// Run subscribes to the chat channel and delivers envelopes until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.deps.Store.Subscribe(ctx, r.opts.Channel, func(payload []byte) {
		r.OnPayload(ctx, payload)
	})
	return nil
}

// LastEnvelope returns the most recent envelope of the session, if cached.
func (r *Relay) LastEnvelope(ctx context.Context, sessionID string) (*Envelope, bool) {
	if r.deps.Cache == nil {
		return nil, false
	}
	var env Envelope
	found, err := r.deps.Cache.Get(ctx, lastEnvelopePrefix+sessionID, &env)
	if err != nil {
		r.logger.Warn("failed to read cached envelope", "session_id", sessionID, "error", err)
	}
	if !found {
		return nil, false
	}
	return &env, true
}
