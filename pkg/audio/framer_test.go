package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxstream/pkg/audio"
)

func TestFramer_SplitsAndRetainsRemainder(t *testing.T) {
	t.Parallel()
	fr := audio.NewFramer(mono16k, 4) // 8 bytes per frame

	frames := fr.Push(make([]byte, 20))
	if len(frames) != 2 {
		t.Fatalf("want 2 frames, got %d", len(frames))
	}
	if fr.Pending() != 4 {
		t.Errorf("want 4 pending bytes, got %d", fr.Pending())
	}

	frames = fr.Push(make([]byte, 4))
	if len(frames) != 1 {
		t.Fatalf("want 1 frame, got %d", len(frames))
	}
	if fr.Pending() != 0 {
		t.Errorf("want 0 pending bytes, got %d", fr.Pending())
	}
}

func TestFramer_FrameContentsAndTimestamps(t *testing.T) {
	t.Parallel()
	fr := audio.NewFramer(mono16k, 2)
	frames := fr.Push(samplesToBytes([]int16{1, 2, 3, 4, 5}))
	if len(frames) != 2 {
		t.Fatalf("want 2 frames, got %d", len(frames))
	}
	equalSamples(t, bytesToSamples(frames[1].Data), []int16{3, 4})

	step := 2 * time.Second / 16000
	if frames[1].Timestamp != step {
		t.Errorf("want timestamp %v, got %v", step, frames[1].Timestamp)
	}
	if frames[0].SampleRate != 16000 || frames[0].Channels != 1 {
		t.Errorf("unexpected frame format %d/%d", frames[0].SampleRate, frames[0].Channels)
	}

	// Frames must not alias the framer's buffer.
	frames[0].Data[0] = 0xFF
	next := fr.Push(samplesToBytes([]int16{6}))
	equalSamples(t, bytesToSamples(next[0].Data), []int16{5, 6})
}

func TestFramer_Reset(t *testing.T) {
	t.Parallel()
	fr := audio.NewFramer(mono16k, 4)
	fr.Push(make([]byte, 12))
	fr.Reset()
	if fr.Pending() != 0 {
		t.Errorf("want 0 pending bytes after reset, got %d", fr.Pending())
	}
	frames := fr.Push(make([]byte, 8))
	if len(frames) != 1 || frames[0].Timestamp != 0 {
		t.Errorf("want one frame at t=0 after reset, got %+v", frames)
	}
}
