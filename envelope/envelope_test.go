package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	seg, err := NewMessageSegment("text", map[string]string{"text": "hello"})
	require.NoError(t, err)

	original := &Envelope{
		MessageInfo: MessageInfo{
			Platform:  "wechat",
			MessageID: "msg-1",
			Time:      1700000000,
			SenderInfo: &SenderInfo{
				UserID:   "u1",
				Nickname: "Alice",
			},
		},
		MessageSegment: seg,
		MessageDim: MessageDim{
			APIKey:   "kA",
			Platform: "wechat",
		},
	}

	data, err := original.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, original.MessageInfo.Platform, decoded.MessageInfo.Platform)
	assert.Equal(t, original.MessageDim, decoded.MessageDim)
	assert.Equal(t, original.MessageSegment, decoded.MessageSegment)

	reEncoded, err := decoded.Encode()
	require.NoError(t, err)

	var a, b map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &a))
	require.NoError(t, json.Unmarshal(reEncoded, &b))
	assert.Equal(t, a, b)
}

func TestEnvelopePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"message_info": {"platform": "qq", "message_id": "m1", "time": 1, "future_field": "x"},
		"message_segment": {"type": "text", "data": {"text": "hi"}},
		"message_dim": {"api_key": "kA", "platform": "qq"},
		"trace_id": "abc123"
	}`)

	env, err := Decode(raw)
	require.NoError(t, err)

	out, err := env.Encode()
	require.NoError(t, err)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, "abc123", roundTripped["trace_id"])

	info, ok := roundTripped["message_info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "x", info["future_field"])
}

func TestEnvelopeRoutable(t *testing.T) {
	cases := []struct {
		name string
		dim  MessageDim
		want bool
	}{
		{"both set", MessageDim{APIKey: "k", Platform: "p"}, true},
		{"missing api key", MessageDim{Platform: "p"}, false},
		{"missing platform", MessageDim{APIKey: "k"}, false},
		{"both empty", MessageDim{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Envelope{MessageDim: tc.dim}
			assert.Equal(t, tc.want, e.Routable())
			assert.Equal(t, tc.dim.APIKey, e.GetAPIKey())
			assert.Equal(t, tc.dim.Platform, e.GetPlatform())
		})
	}
}

func TestDecodeFrameDiscriminatesShapes(t *testing.T) {
	standard := []byte(`{
		"message_info": {"platform": "qq", "message_id": "m1", "time": 1},
		"message_segment": {"type": "text"},
		"message_dim": {"api_key": "kA", "platform": "qq"}
	}`)
	kind, env, custom, err := DecodeFrame(standard)
	require.NoError(t, err)
	assert.Equal(t, FrameStandard, kind)
	assert.NotNil(t, env)
	assert.Nil(t, custom)

	customFrame := []byte(`{"type": "ping", "payload": {"nonce": 1}}`)
	kind, env, custom, err = DecodeFrame(customFrame)
	require.NoError(t, err)
	assert.Equal(t, FrameCustom, kind)
	assert.Nil(t, env)
	require.NotNil(t, custom)
	assert.Equal(t, "ping", custom.Type)

	malformed := []byte(`{"foo": "bar"}`)
	_, _, _, err = DecodeFrame(malformed)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	invalidJSON := []byte(`not json`)
	_, _, _, err = DecodeFrame(invalidJSON)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
