package chunk

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rows := []map[string]any{
		{"id": "r1", "title": "first", "server_version": float64(1)},
		{"id": "r2", "done": true},
		{"id": "r3", "nested": map[string]any{"k": "v"}},
	}

	body, sha, err := EncodeFrames(rows)
	require.NoError(t, err)
	assert.Equal(t, SHA256Hex(body), sha)

	got, err := DecodeFrames(body)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0]["title"])
	assert.Equal(t, true, got[1]["done"])
	assert.Equal(t, map[string]any{"k": "v"}, got[2]["nested"])
}

func TestEncodeEmptyRows(t *testing.T) {
	body, sha, err := EncodeFrames(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, body)
	assert.NotEmpty(t, sha)

	got, err := DecodeFrames(body)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncodeDeterministicSHA(t *testing.T) {
	rows := []map[string]any{{"b": 2, "a": 1}}

	_, sha1, err := EncodeFrames(rows)
	require.NoError(t, err)
	_, sha2, err := EncodeFrames(rows)
	require.NoError(t, err)

	// json.Marshal sorts map keys, so identical rows hash identically.
	assert.Equal(t, sha1, sha2)
}

func TestDecodeRejectsNonGzip(t *testing.T) {
	_, err := DecodeFrames([]byte("not gzip at all"))
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	_, err := zw.Write(prefix[:])
	require.NoError(t, err)
	_, err = zw.Write([]byte(`{"id":`)) // far short of the declared 100 bytes
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = DecodeFrames(buf.Bytes())
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedFrameLength(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxFrameLen+1)
	_, err := zw.Write(prefix[:])
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = DecodeFrames(buf.Bytes())
	assert.ErrorContains(t, err, "exceeds limit")
}
