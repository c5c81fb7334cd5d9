// Package sse implements the minimal SSE framing and chat-completion chunk
// decoding the sidecar needs to extract performance metrics from a
// streaming upstream response while still re-emitting the exact bytes to
// the client.
package sse

import "bytes"

const frameDelimiter = "\n\n"

// FrameReader splits a byte stream arriving in arbitrary-sized reads into
// complete SSE frames, each ending at the first "\n\n" boundary. Bytes that
// arrive without a terminating boundary are carried over to the next Feed
// call, mirroring the remaining/combined buffer the upstream forwarder
// keeps around each network read.
type FrameReader struct {
	carry []byte
}

// NewFrameReader returns an empty FrameReader.
func NewFrameReader() *FrameReader {
	return &FrameReader{}
}

// Feed appends raw to the carry buffer and returns every complete frame it
// now contains, in order. Bytes after the last boundary remain buffered.
func (f *FrameReader) Feed(raw []byte) [][]byte {
	if len(raw) == 0 && len(f.carry) == 0 {
		return nil
	}
	combined := append(f.carry, raw...)

	var frames [][]byte
	for {
		idx := bytes.Index(combined, []byte(frameDelimiter))
		if idx < 0 {
			break
		}
		boundary := idx + len(frameDelimiter)
		frames = append(frames, combined[:boundary])
		combined = combined[boundary:]
	}

	f.carry = append([]byte(nil), combined...)
	return frames
}

// Close flushes whatever partial frame remains in the carry buffer. The
// sidecar still attempts to decode it: some upstreams close the connection
// right after the final data line without a trailing blank line.
func (f *FrameReader) Close() []byte {
	remaining := f.carry
	f.carry = nil
	return remaining
}
