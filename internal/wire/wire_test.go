package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidRequest(t *testing.T) {
	rest := EncodeRequest(OpGet, []byte("key1"))
	pr := Parse(nil, rest)
	assert.False(t, pr.Malformed)
	assert.False(t, pr.UnknownOp)
	assert.False(t, pr.VersionBad)
	assert.Equal(t, OpGet, pr.Op)
	assert.Equal(t, [][]byte{[]byte("key1")}, pr.Args)
}

func TestParseMalformedTooShort(t *testing.T) {
	pr := Parse(nil, [][]byte{[]byte("1")})
	assert.True(t, pr.Malformed)
}

func TestParseUnknownOp(t *testing.T) {
	pr := Parse(nil, [][]byte{[]byte(Version), []byte("frobnicate")})
	assert.True(t, pr.UnknownOp)
}

func TestParseVersionMismatch(t *testing.T) {
	pr := Parse(nil, [][]byte{[]byte("99"), []byte(OpGet)})
	assert.True(t, pr.VersionBad)
}

func TestEncodeReplyAndDecodeErrorCode(t *testing.T) {
	reply := EncodeReply(ErrOK, []byte("payload"))
	code, payload, err := DecodeErrorCode(reply)
	require.NoError(t, err)
	assert.Equal(t, ErrOK, code)
	assert.Equal(t, [][]byte{[]byte("payload")}, payload)
}

func TestDecodeErrorCodeRejectsEmpty(t *testing.T) {
	_, _, err := DecodeErrorCode(nil)
	assert.Error(t, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 7, 9, 5, 2, 0, time.UTC)
	encoded := EncodeTimestamp(ts)
	assert.Equal(t, "2026:3:7:9:5:2", encoded)

	decoded, err := DecodeTimestamp(encoded)
	require.NoError(t, err)
	assert.True(t, ts.Equal(decoded))
}

func TestDecodeTimestampRejectsMalformed(t *testing.T) {
	_, err := DecodeTimestamp("not-a-timestamp")
	assert.Error(t, err)
}

func TestPublishRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []PublishRow{
		{ID: "n1", ReqAddr: "n1:1", PubAddr: "n1:2", LastSeen: now},
	}
	self := PublishRow{ID: "self", ReqAddr: "self:1", PubAddr: "self:2", LastSeen: now}

	frames := EncodePublish(rows, self)
	decoded, err := DecodePublish(frames)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "n1", decoded[0].ID)
	assert.Equal(t, "self", decoded[1].ID)
	assert.True(t, now.Equal(decoded[1].LastSeen))
}

func TestDecodePublishRejectsBadShape(t *testing.T) {
	_, err := DecodePublish([][]byte{[]byte(PublishTopic), []byte("incomplete")})
	assert.Error(t, err)
}
