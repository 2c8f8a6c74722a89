package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestWireFormat(t *testing.T) {
	b, err := (&Request{Message: "hi", SessionID: "s", UseTools: true, MaxTokens: 5}).MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		0x0a, 0x02, 'h', 'i', // 1: message
		0x12, 0x01, 's', // 2: session_id
		0x18, 0x01, // 3: use_tools
		0x20, 0x05, // 4: max_tokens
	}
	assert.Equal(t, want, b)
}

func TestRequestOmitsDefaults(t *testing.T) {
	b, err := (&Request{Message: "hi"}).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x02, 'h', 'i'}, b)
}

func TestResponseSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "answer")
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "src")

	var st []byte
	st = protowire.AppendTag(st, 1, protowire.VarintType)
	st = protowire.AppendVarint(st, 1)
	st = protowire.AppendTag(st, 42, protowire.BytesType)
	st = protowire.AppendString(st, "ignored")
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, st)

	var resp Response
	require.NoError(t, resp.UnmarshalBinary(b))
	assert.Equal(t, "answer", resp.Response)
	assert.Equal(t, []string{"src"}, resp.Sources)
	assert.True(t, resp.Status.Success)
}

func TestResponseWithoutStatusIsFailure(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "answer")

	var resp Response
	require.NoError(t, resp.UnmarshalBinary(b))
	assert.False(t, resp.Status.Success)
}

func TestMalformedInput(t *testing.T) {
	var resp Response
	assert.Error(t, resp.UnmarshalBinary([]byte{0x0a, 0x05, 'a'}))

	var req Request
	assert.Error(t, req.UnmarshalBinary([]byte{0xff}))
}

func TestCodecRejectsOtherTypes(t *testing.T) {
	_, err := wireCodec{}.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, wireCodec{}.Unmarshal(nil, new(int)))
}
