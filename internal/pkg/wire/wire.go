/*
Package wire implements the tuple message codec used on every WebSocket connection.

A message is an ordered JSON array `[tag, ...payload]`. Encoded payloads larger than
CompressThreshold bytes are gzip-compressed and sent as binary frames; small control
messages stay as plain text. A receiver therefore attempts a plain JSON decode first
and falls back to decompress-then-decode on failure.
*/
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Protocol message tags. Any other leading tuple value (a string) is a
// correlation id for a generic command or its reply.
const (
	TagPing      = 0
	TagPong      = 1
	TagMessage   = 2
	TagBroadcast = 3
	TagConnect   = 4
	TagResume    = 5
	TagAuth      = 8
	TagLogout    = 9
)

// Auth subtypes carried as the first AUTH payload element.
const (
	AuthRegister = 0
	AuthLogin    = 1
	AuthGuest    = 2
)

// CompressThreshold is the encoded size in bytes above which an outbound
// frame is gzip-compressed.
const CompressThreshold = 1024

// Frame is an encoded outbound message ready for the transport. Binary frames
// carry gzip-compressed data.
type Frame struct {
	Data   []byte
	Binary bool
}

// Encode serializes the message tuple and compresses it when the encoded size
// exceeds CompressThreshold.
func Encode(tuple []any) (Frame, error) {
	data, err := json.Marshal(tuple)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode message tuple: %w", err)
	}

	if len(data) <= CompressThreshold {
		return Frame{Data: data}, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return Frame{}, fmt.Errorf("failed to compress message tuple: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Frame{}, fmt.Errorf("failed to finish compressing message tuple: %w", err)
	}

	return Frame{Data: buf.Bytes(), Binary: true}, nil
}

// Decode parses an inbound frame into its tuple elements. It first attempts a
// plain JSON decode; on failure it decompresses and decodes again.
func Decode(data []byte) ([]json.RawMessage, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err == nil {
		return tuple, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("frame is neither plain JSON nor gzip: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}

	if err := json.Unmarshal(plain, &tuple); err != nil {
		return nil, fmt.Errorf("failed to decode decompressed frame: %w", err)
	}

	return tuple, nil
}

// Head classifies the leading tuple element. It returns the numeric tag when
// the element is a number, or the correlation id when it is a string.
func Head(tuple []json.RawMessage) (tag int, corrID string, isTag bool, err error) {
	if len(tuple) == 0 {
		return 0, "", false, fmt.Errorf("empty message tuple")
	}

	if jsonErr := json.Unmarshal(tuple[0], &tag); jsonErr == nil {
		return tag, "", true, nil
	}

	if jsonErr := json.Unmarshal(tuple[0], &corrID); jsonErr == nil {
		return 0, corrID, false, nil
	}

	return 0, "", false, fmt.Errorf("unreadable leading tuple element")
}

// String decodes the tuple element at index i as a string.
func String(tuple []json.RawMessage, i int) (string, error) {
	if i >= len(tuple) {
		return "", fmt.Errorf("tuple has no element %d", i)
	}

	var s string
	if err := json.Unmarshal(tuple[i], &s); err != nil {
		return "", fmt.Errorf("tuple element %d is not a string: %w", i, err)
	}
	return s, nil
}

// Int decodes the tuple element at index i as an integer.
func Int(tuple []json.RawMessage, i int) (int, error) {
	if i >= len(tuple) {
		return 0, fmt.Errorf("tuple has no element %d", i)
	}

	var n int
	if err := json.Unmarshal(tuple[i], &n); err != nil {
		return 0, fmt.Errorf("tuple element %d is not an integer: %w", i, err)
	}
	return n, nil
}
