package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameCodec(t *testing.T) {
	codec := encoding.GetCodec(codecName)
	require.NotNil(t, codec, "frame codec must be registered")

	in := &frame{Kind: frameReply, ID: 42, Key: "a/b", Payload: []byte{0, 1, 2}, Origin: "session-1"}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	out := new(frame)
	require.NoError(t, codec.Unmarshal(data, out))
	assert.Equal(t, in, out)

	data[len(data)-1] ^= 0xff
	assert.Equal(t, []byte{0, 1, 2}, out.Payload, "decoded payload must not alias the input")
}

func TestFrameSkipsUnknownFields(t *testing.T) {
	data := (&frame{Kind: framePut, Key: "k"}).marshal()
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var f frame
	require.NoError(t, f.unmarshal(data))
	assert.Equal(t, framePut, f.Kind)
	assert.Equal(t, "k", f.Key)
}

func TestFrameRejectsGarbage(t *testing.T) {
	var f frame
	assert.Error(t, f.unmarshal([]byte{0xff}))

	unknownKind := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	unknownKind = protowire.AppendVarint(unknownKind, 77)
	assert.Error(t, f.unmarshal(unknownKind))

	_, err := frameCodec{}.Marshal("not a frame")
	assert.Error(t, err)
}
