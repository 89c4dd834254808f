package ctp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Type:      BlockRequest,
		Seq:       0xAABBCCDD,
		ClusterID: NewID(),
		SenderID:  NewID(),
		Data:      []byte("abc-7"),
	}

	frame, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Seq, got.Seq)
	assert.Equal(t, msg.ClusterID, got.ClusterID)
	assert.Equal(t, msg.SenderID, got.SenderID)
	assert.True(t, bytes.Equal(msg.Data, got.Data))
}

func TestEncodeEmptyPayloadRoundTrip(t *testing.T) {
	msg := &Message{Type: StatusRequest, Seq: 1, ClusterID: NewID(), SenderID: NewID()}
	frame, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	msg := &Message{
		Type:      BlockResponse,
		Seq:       1,
		ClusterID: NewID(),
		SenderID:  NewID(),
		Data:      make([]byte, MaxPayloadSize+1),
	}
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHeaderLengthIs69Bytes(t *testing.T) {
	// 1-byte type + 4-byte sequence + 32-byte cluster id + 32-byte sender id.
	assert.Equal(t, 69, HeaderLength)
	assert.Equal(t, 1331, MaxPayloadSize)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode(make([]byte, HeaderLength-1))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	_, err := Decode(make([]byte, MaxDatagramSize+1))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestResponseSeqIsRequestSeqPlusOne(t *testing.T) {
	assert.Equal(t, uint32(43), ResponseSeq(42))
}

func TestIsRequestByLowBit(t *testing.T) {
	assert.True(t, StatusRequest.IsRequest())
	assert.False(t, StatusResponse.IsRequest())
	assert.True(t, BlockRequest.IsRequest())
	assert.False(t, BlockResponse.IsRequest())
}

func TestMessageTypeStringOfUnknownCode(t *testing.T) {
	assert.Contains(t, MessageType(0x55).String(), "UNKNOWN")
}
