package inference

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the agent service messages.
const (
	reqMessage   protowire.Number = 1
	reqSessionID protowire.Number = 2
	reqUseTools  protowire.Number = 3
	reqMaxTokens protowire.Number = 4

	respResponse  protowire.Number = 1
	respSessionID protowire.Number = 2
	respSources   protowire.Number = 3
	respToolCalls protowire.Number = 4
	respReasoning protowire.Number = 5
	respStatus    protowire.Number = 6

	statusSuccess protowire.Number = 1
	statusMessage protowire.Number = 2
	statusCode    protowire.Number = 3
)

// wireCodec is a grpc encoding.Codec for Request and Response. Both
// directions are supported so the same codec serves client and server.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Request:
		return m.MarshalBinary()
	case *Response:
		return m.MarshalBinary()
	default:
		return nil, fmt.Errorf("inference codec: cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Request:
		return m.UnmarshalBinary(data)
	case *Response:
		return m.UnmarshalBinary(data)
	default:
		return fmt.Errorf("inference codec: cannot unmarshal into %T", v)
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// MarshalBinary encodes r as a ChatRequest.
func (r *Request) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, reqMessage, r.Message)
	b = appendString(b, reqSessionID, r.SessionID)
	b = appendVarint(b, reqUseTools, protowire.EncodeBool(r.UseTools))
	b = appendVarint(b, reqMaxTokens, uint64(int64(r.MaxTokens)))
	return b, nil
}

// UnmarshalBinary decodes a ChatRequest. Unknown fields are skipped.
func (r *Request) UnmarshalBinary(data []byte) error {
	*r = Request{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Message = v
			return n, nil
		case num == reqSessionID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.SessionID = v
			return n, nil
		case num == reqUseTools && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.UseTools = protowire.DecodeBool(v)
			return n, nil
		case num == reqMaxTokens && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.MaxTokens = int32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// MarshalBinary encodes r as a ChatResponse.
func (r *Response) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, respResponse, r.Response)
	b = appendString(b, respSessionID, r.SessionID)
	for _, s := range r.Sources {
		b = protowire.AppendTag(b, respSources, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range r.ToolCalls {
		b = protowire.AppendTag(b, respToolCalls, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendString(b, respReasoning, r.Reasoning)

	var st []byte
	st = appendVarint(st, statusSuccess, protowire.EncodeBool(r.Status.Success))
	st = appendString(st, statusMessage, r.Status.Message)
	st = appendVarint(st, statusCode, uint64(int64(r.Status.Code)))
	b = protowire.AppendTag(b, respStatus, protowire.BytesType)
	b = protowire.AppendBytes(b, st)
	return b, nil
}

// UnmarshalBinary decodes a ChatResponse. Unknown fields are skipped.
func (r *Response) UnmarshalBinary(data []byte) error {
	*r = Response{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		switch num {
		case respResponse:
			v, n := protowire.ConsumeString(b)
			r.Response = v
			return n, nil
		case respSessionID:
			v, n := protowire.ConsumeString(b)
			r.SessionID = v
			return n, nil
		case respSources:
			v, n := protowire.ConsumeString(b)
			r.Sources = append(r.Sources, v)
			return n, nil
		case respToolCalls:
			v, n := protowire.ConsumeString(b)
			r.ToolCalls = append(r.ToolCalls, v)
			return n, nil
		case respReasoning:
			v, n := protowire.ConsumeString(b)
			r.Reasoning = v
			return n, nil
		case respStatus:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, r.Status.unmarshal(v)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (s *Status) unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == statusSuccess && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Success = protowire.DecodeBool(v)
			return n, nil
		case num == statusMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Message = v
			return n, nil
		case num == statusCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Code = int32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// walk calls field for every field in data. field returns the number of
// value bytes consumed, negative on malformed input.
func walk(data []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("inference codec: %w", protowire.ParseError(n))
		}
		data = data[n:]
		m, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("inference codec: field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
