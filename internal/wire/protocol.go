// Package wire defines the request/result variants exchanged over the TCP
// wire protocol and the sentinel-terminated framing around them. The codec
// is encoding/gob: self-describing and round-trips tagged struct variants
// without an IDL step. See DESIGN.md for why gob, rather than a protobuf
// stack, backs the wire format here.
package wire

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
)

// Sentinel is the literal 6-byte sequence terminating every message.
const Sentinel = "[STOP]"

// AllocateGpusRequest asks for num_gpus devices. MemSize is a pointer so an
// absent minimum is distinguishable from an explicit zero.
type AllocateGpusRequest struct {
	NumGPUs   int
	Exclusive bool
	MemSize   *int64
}

type AllocateGpusResult struct {
	Success        bool
	DeviceIndices  []int
	Pids           []int
	Handles        []string
}

type ReleaseGpusRequest struct {
	Handles []string
}

type ReleaseGpusResult struct {
	Success       bool
	FailedHandles []string
}

type GetSystemInfoRequest struct{}

type GetSystemInfoResult struct {
	Info map[string]interface{}
}

// Request is the tagged union of everything a client may send; exactly one
// field is non-nil, matched exhaustively in the dispatcher rather than via
// dynamic dispatch on a message-type string.
type Request struct {
	Allocate *AllocateGpusRequest
	Release  *ReleaseGpusRequest
	Info     *GetSystemInfoRequest
}

// Result mirrors Request: exactly one field is non-nil.
type Result struct {
	Allocate *AllocateGpusResult
	Release  *ReleaseGpusResult
	Info     *GetSystemInfoResult
}

func init() {
	gob.Register(Request{})
	gob.Register(Result{})
	// The system-info map carries nested non-basic values (per-device
	// entries) inside interface{} slots; gob refuses to encode those unless
	// the concrete types are registered up front.
	gob.Register(map[string]interface{}{})
	gob.Register([]map[string]interface{}{})
}

// EncodeRequest gob-encodes req and appends the sentinel.
func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("wire: encode request: %w", err)
	}
	buf.WriteString(Sentinel)
	return buf.Bytes(), nil
}

// EncodeResult gob-encodes res and appends the sentinel.
func EncodeResult(res Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	buf.WriteString(Sentinel)
	return buf.Bytes(), nil
}

// ReadUntilSentinel reads from r until the literal Sentinel bytes are seen,
// stripping it from the returned body: read bytes until the sentinel
// [STOP] is seen, then strip it.
//
// If r is already a *bufio.Reader, it is used directly rather than wrapped
// again: bufio's internal read-ahead means wrapping a fresh bufio.Reader
// around the same underlying stream on every call would silently drop
// whatever the previous wrapper had already buffered past the sentinel —
// harmless for this protocol's one-request-per-connection framing, but
// exactly what breaks a caller reading multiple frames off one stream.
func ReadUntilSentinel(r io.Reader) ([]byte, error) {
	reader, ok := r.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(r)
	}
	var body bytes.Buffer
	sentinel := []byte(Sentinel)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		body.WriteByte(b)
		if body.Len() >= len(sentinel) && bytes.Equal(body.Bytes()[body.Len()-len(sentinel):], sentinel) {
			return body.Bytes()[:body.Len()-len(sentinel)], nil
		}
	}
}

// DecodeRequest decodes a gob-encoded request body (sentinel already
// stripped).
func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		return Request{}, fmt.Errorf("wire: decode request: %w", err)
	}
	return req, nil
}

// DecodeResult decodes a gob-encoded result body (sentinel already
// stripped).
func DecodeResult(body []byte) (Result, error) {
	var res Result
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("wire: decode result: %w", err)
	}
	return res, nil
}
