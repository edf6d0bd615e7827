package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	ev := int64(5)
	frame, err := NewFrame(FrameUpdate, UpdatePayload{
		Entity:          EntityRef{Kind: EntitySession, ID: "ses_1"},
		ExpectedVersion: &ev,
		LocalID:         "loc_1",
		Body:            []byte{0x01, 0x02, 0x03},
	})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, FrameUpdate, decoded.Type)

	var payload UpdatePayload
	require.NoError(t, decoded.DecodePayload(&payload))
	require.Equal(t, "ses_1", payload.Entity.ID)
	require.NotNil(t, payload.ExpectedVersion)
	require.Equal(t, int64(5), *payload.ExpectedVersion)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, payload.Body)
}

func TestEntityRefValid(t *testing.T) {
	require.True(t, EntityRef{Kind: EntitySession, ID: "s"}.Valid())
	require.True(t, EntityRef{Kind: EntityAccount, ID: "a"}.Valid())
	require.False(t, EntityRef{Kind: EntitySession}.Valid())
	require.False(t, EntityRef{Kind: "bogus", ID: "x"}.Valid())
}

func TestMessageContentTaggedUnion(t *testing.T) {
	content := MessageContent{
		Kind: MessageToolCall,
		Tool: &ToolCallContent{
			CallID:   "call_1",
			Name:     "bash",
			Status:   ToolCallRunning,
			Children: []string{"msg_2", "msg_3"},
		},
	}

	data, err := json.Marshal(content)
	require.NoError(t, err)

	var decoded MessageContent
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, MessageToolCall, decoded.Kind)
	require.NotNil(t, decoded.Tool)
	require.Nil(t, decoded.Event)
	require.Equal(t, []string{"msg_2", "msg_3"}, decoded.Tool.Children)
}

func TestIsVersionMismatch(t *testing.T) {
	err := &UpdateRejectedError{Reason: RejectVersionMismatch, CurrentVersion: 7}
	require.True(t, IsVersionMismatch(err))
	require.False(t, IsVersionMismatch(&UpdateRejectedError{Reason: RejectAuth}))
	require.False(t, IsVersionMismatch(ErrNoHandler))
}
