package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrSessionID      = "gateway.session_id"
	AttrConnectionID   = "gateway.connection_id"
	AttrDimension      = "quota.dimension"
	AttrOperation      = "store.operation"
	AttrOutcome        = "outcome"
	AttrRPCMethod      = "rpc.method"
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"
	AttrErrorType      = "error.type"

	SpanHTTPRequest   = "gateway.http_request"
	SpanRelayMessage  = "gateway.relay_message"
	SpanInferenceCall = "gateway.inference_call"

	DefaultServiceName  = "gateway"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultNamespace    = "gateway"
)
