package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip_Allocate(t *testing.T) {
	memSize := int64(1024)
	req := Request{Allocate: &AllocateGpusRequest{NumGPUs: 2, Exclusive: true, MemSize: &memSize}}

	encoded, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(encoded, []byte(Sentinel)))

	body, err := ReadUntilSentinel(bytes.NewReader(encoded))
	require.NoError(t, err)

	decoded, err := DecodeRequest(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.Allocate)
	assert.Equal(t, 2, decoded.Allocate.NumGPUs)
	assert.True(t, decoded.Allocate.Exclusive)
	require.NotNil(t, decoded.Allocate.MemSize)
	assert.Equal(t, int64(1024), *decoded.Allocate.MemSize)
	assert.Nil(t, decoded.Release)
	assert.Nil(t, decoded.Info)
}

func TestRequestRoundTrip_AllocateWithoutMemSize(t *testing.T) {
	req := Request{Allocate: &AllocateGpusRequest{NumGPUs: 1}}

	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	body, err := ReadUntilSentinel(bytes.NewReader(encoded))
	require.NoError(t, err)

	decoded, err := DecodeRequest(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.Allocate)
	assert.Nil(t, decoded.Allocate.MemSize)
}

func TestRequestRoundTrip_Release(t *testing.T) {
	req := Request{Release: &ReleaseGpusRequest{Handles: []string{"a", "b"}}}

	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	body, err := ReadUntilSentinel(bytes.NewReader(encoded))
	require.NoError(t, err)

	decoded, err := DecodeRequest(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.Release)
	assert.Equal(t, []string{"a", "b"}, decoded.Release.Handles)
}

func TestResultRoundTrip_Info(t *testing.T) {
	res := Result{Info: &GetSystemInfoResult{Info: map[string]interface{}{
		"driver_version": "535.104",
		"device_num":     4,
	}}}

	encoded, err := EncodeResult(res)
	require.NoError(t, err)

	body, err := ReadUntilSentinel(bytes.NewReader(encoded))
	require.NoError(t, err)

	decoded, err := DecodeResult(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.Info)
	assert.Equal(t, "535.104", decoded.Info.Info["driver_version"])
}

// The info map carries nested per-device entries inside interface{} slots;
// those concrete types must survive the codec too, not just basic values.
func TestResultRoundTrip_InfoWithDeviceEntries(t *testing.T) {
	res := Result{Info: &GetSystemInfoResult{Info: map[string]interface{}{
		"driver_version": "535.104",
		"device_num":     1,
		"devices": []map[string]interface{}{
			{"index": 0, "name": "NVIDIA A100-SXM4-80GB", "vendor": "NVIDIA"},
		},
	}}}

	encoded, err := EncodeResult(res)
	require.NoError(t, err)

	body, err := ReadUntilSentinel(bytes.NewReader(encoded))
	require.NoError(t, err)

	decoded, err := DecodeResult(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.Info)

	devices, ok := decoded.Info.Info["devices"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, devices, 1)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", devices[0]["name"])
}

// ReadUntilSentinel must frame exactly one message at a time even when two
// messages are concatenated back to back on the same stream.
func TestReadUntilSentinel_MultipleFrames(t *testing.T) {
	req1 := Request{Info: &GetSystemInfoRequest{}}
	req2 := Request{Release: &ReleaseGpusRequest{Handles: []string{"x"}}}

	enc1, err := EncodeRequest(req1)
	require.NoError(t, err)
	enc2, err := EncodeRequest(req2)
	require.NoError(t, err)

	// A single bufio.Reader is reused across both calls: ReadUntilSentinel
	// reuses it rather than wrapping a fresh one, which would otherwise
	// strand whatever read-ahead landed past the first sentinel.
	stream := bufio.NewReader(bytes.NewReader(append(enc1, enc2...)))

	body1, err := ReadUntilSentinel(stream)
	require.NoError(t, err)
	decoded1, err := DecodeRequest(body1)
	require.NoError(t, err)
	assert.NotNil(t, decoded1.Info)

	body2, err := ReadUntilSentinel(stream)
	require.NoError(t, err)
	decoded2, err := DecodeRequest(body2)
	require.NoError(t, err)
	require.NotNil(t, decoded2.Release)
	assert.Equal(t, []string{"x"}, decoded2.Release.Handles)
}
