package inference

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
)

// GRPCClient calls the agent service SendMessage RPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Client = (*GRPCClient)(nil)

type clientOptions struct {
	dialOptions []grpc.DialOption
	logger      *slog.Logger
	metrics     observability.Metrics
}

// Option configures a GRPCClient.
type Option func(*clientOptions)

// WithDialOptions appends grpc dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *clientOptions) { o.dialOptions = append(o.dialOptions, opts...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

func WithMetrics(m observability.Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// NewGRPCClient creates a client for cfg.Target. The connection is
// established lazily on the first call.
func NewGRPCClient(cfg config.InferenceConfig, opts ...Option) (*GRPCClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inference config: %w", err)
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.GetLogger()
	}
	if o.metrics == nil {
		o.metrics = observability.GetGlobalMetrics()
	}

	creds := insecure.NewCredentials()
	if !config.BoolValue(cfg.Insecure, true) {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(observability.GetTracer("gateway.inference"), o.metrics)),
	}
	dialOpts = append(dialOpts, o.dialOptions...)

	conn, err := grpc.NewClient(cfg.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client for %s: %w", cfg.Target, err)
	}

	return &GRPCClient{
		conn:    conn,
		method:  cfg.Method,
		timeout: cfg.Timeout,
		logger:  o.logger.With("component", "inference", "target", cfg.Target),
	}, nil
}

// SendMessage calls the service with the configured deadline. A response
// whose status is not successful is returned as a *CallError.
func (c *GRPCClient) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &Response{}
	if err := c.conn.Invoke(ctx, c.method, req, resp); err != nil {
		err = classify(err)
		c.logger.Warn("inference call failed", "session_id", req.SessionID, "error", err)
		return nil, err
	}
	if !resp.Status.Success {
		c.logger.Warn("inference returned failure status", "session_id", req.SessionID,
			"code", resp.Status.Code, "message", resp.Status.Message)
		return resp, &CallError{Code: resp.Status.Code, Message: resp.Status.Message}
	}
	return resp, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
