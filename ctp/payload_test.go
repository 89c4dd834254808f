package ctp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockRequestRoundTrip(t *testing.T) {
	data := EncodeBlockRequest("deadbeef", 7)
	hash, id, err := DecodeBlockRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)
	assert.Equal(t, 7, id)
}

func TestBlockResponseRoundTrip(t *testing.T) {
	block := []byte{0x01, 0x02, 0x03, 0x00, 0x04}
	data := EncodeBlockResponse("deadbeef", 3, BlockHave, block)

	hash, id, status, got, err := DecodeBlockResponse(data)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)
	assert.Equal(t, 3, id)
	assert.Equal(t, BlockHave, status)
	assert.Equal(t, block, got)
}

func TestBlockResponseNotHaveHasEmptyBytes(t *testing.T) {
	data := EncodeBlockResponse("deadbeef", 0, BlockNotHave, nil)
	_, _, status, block, err := DecodeBlockResponse(data)
	require.NoError(t, err)
	assert.Equal(t, BlockNotHave, status)
	assert.Empty(t, block)
}

func TestCrinfoRequestRoundTrip(t *testing.T) {
	data := EncodeCrinfoRequest("movie.mkv")
	name, err := DecodeCrinfoRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "movie.mkv", name)
}

func TestNewCrinfoNotifRoundTrip(t *testing.T) {
	crinfo := []byte("CRINFO 100 1700000000\r\ndeadbeef")
	data := EncodeNewCrinfoNotif("movie.mkv", crinfo)

	name, got, err := DecodeNewCrinfoNotif(data)
	require.NoError(t, err)
	assert.Equal(t, "movie.mkv", name)
	assert.Equal(t, crinfo, got)
}

func TestDecodeBlockRequestRejectsMalformed(t *testing.T) {
	_, _, err := DecodeBlockRequest([]byte("no-separator-but-no-number"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestPeerListRoundTrip(t *testing.T) {
	entries := []PeerListEntry{
		{PeerID: NewID(), IP: "127.0.0.1", Port: 7001},
		{PeerID: NewID(), IP: "127.0.0.1", Port: 7002},
	}
	data := EncodePeerList(entries)

	got, err := DecodePeerList(data)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestDecodePeerListEmpty(t *testing.T) {
	got, err := DecodePeerList(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
