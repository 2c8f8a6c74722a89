// Package inference calls the agent service that produces chat answers.
package inference

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Request is the agent service ChatRequest.
type Request struct {
	Message   string
	SessionID string
	UseTools  bool
	MaxTokens int32
}

// Response is the agent service ChatResponse.
type Response struct {
	Response  string
	SessionID string
	Sources   []string
	ToolCalls []string
	Reasoning string
	Status    Status
}

// Status is the application status carried inside a response.
type Status struct {
	Success bool
	Message string
	Code    int32
}

// Client sends one message and waits for the complete answer.
type Client interface {
	SendMessage(ctx context.Context, req *Request) (*Response, error)
}

// ErrTimeout is returned when the call deadline passes.
var ErrTimeout = errors.New("inference timed out")

// CallError is returned when the service answers with status.success false
// or the RPC itself fails.
type CallError struct {
	Code    int32
	Message string
}

func (e *CallError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("inference failed (code %d): %s", e.Code, e.Message)
	}
	return "inference failed: " + e.Message
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// classify maps an RPC error to ErrTimeout or a *CallError.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return &CallError{Message: err.Error()}
	}
	if st.Code() == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %s", ErrTimeout, st.Message())
	}
	return &CallError{Code: int32(st.Code()), Message: st.Message()}
}
