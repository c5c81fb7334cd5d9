package sse

import (
	"reflect"
	"testing"
)

func TestFrameReaderSingleFeed(t *testing.T) {
	r := NewFrameReader()
	frames := r.Feed([]byte("data: {\"a\":1}\n\ndata: {\"b\":2}\n\n"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if string(frames[0]) != "data: {\"a\":1}\n\n" {
		t.Errorf("unexpected frame 0: %q", frames[0])
	}
}

func TestFrameReaderSplitAcrossFeeds(t *testing.T) {
	r := NewFrameReader()
	frames := r.Feed([]byte("data: {\"a\":"))
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(frames))
	}
	frames = r.Feed([]byte("1}\n\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after completing boundary, got %d", len(frames))
	}
	if string(frames[0]) != "data: {\"a\":1}\n\n" {
		t.Errorf("unexpected reassembled frame: %q", frames[0])
	}
}

func TestFrameReaderMultipleBoundariesInOneFeed(t *testing.T) {
	r := NewFrameReader()
	frames := r.Feed([]byte("data: 1\n\ndata: 2\n\ndata: 3\n\nincomplete"))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if got := r.Close(); string(got) != "incomplete" {
		t.Errorf("expected carried remainder 'incomplete', got %q", got)
	}
}

func TestFrameReaderCloseEmpty(t *testing.T) {
	r := NewFrameReader()
	r.Feed([]byte("data: 1\n\n"))
	if got := r.Close(); len(got) != 0 {
		t.Errorf("expected no residual after full frame consumed, got %q", got)
	}
}

func TestFrameReaderEquivalentToManualSplit(t *testing.T) {
	r := NewFrameReader()
	var got [][]byte
	got = append(got, r.Feed([]byte("data: x\n\nda"))...)
	got = append(got, r.Feed([]byte("ta: y\n\n"))...)
	want := [][]byte{[]byte("data: x\n\n"), []byte("data: y\n\n")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}
