package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSyntheticSourceAcquire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lm, err := SyntheticSource{}.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lm.Close()

	if lm.Audio == nil || lm.Video == nil {
		t.Fatal("expected one audio and one video track")
	}

	stream := lm.Stream()
	if len(stream.Tracks) != 2 {
		t.Fatalf("stream tracks = %d, want 2", len(stream.Tracks))
	}
	kinds := map[webrtc.RTPCodecType]bool{}
	for _, tr := range stream.Tracks {
		if !tr.Live {
			t.Fatalf("local track %s not live", tr.ID)
		}
		kinds[tr.Kind] = true
	}
	if !kinds[webrtc.RTPCodecTypeAudio] || !kinds[webrtc.RTPCodecTypeVideo] {
		t.Fatalf("missing a kind: %v", kinds)
	}

	// Idempotent.
	lm.Close()
	lm.Close()
}

func TestFailingSource(t *testing.T) {
	_, err := FailingSource{Err: ErrPermissionDenied}.Acquire(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}
