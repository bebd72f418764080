package audio

import (
	"time"

	"github.com/MrWong99/voxstream/pkg/types"
)

// Framer slices a PCM byte stream into fixed-size frames for the classifier.
// Bytes that do not fill a whole frame are retained and prefixed to the next
// Push. A Framer is owned by one connection and is not safe for concurrent use.
type Framer struct {
	format     Format
	frameBytes int
	pending    []byte
	emitted    time.Duration
}

// NewFramer returns a Framer producing frames of frameSamples samples per
// channel in format f.
func NewFramer(f Format, frameSamples int) *Framer {
	return &Framer{
		format:     f,
		frameBytes: frameSamples * f.Channels * bytesPerSample,
	}
}

// FrameBytes returns the size of each emitted frame in bytes.
func (fr *Framer) FrameBytes() int { return fr.frameBytes }

// Push appends pcm to the pending buffer and returns every complete frame.
// Returned frames own their data.
func (fr *Framer) Push(pcm []byte) []types.AudioFrame {
	if fr.frameBytes <= 0 {
		return nil
	}
	fr.pending = append(fr.pending, pcm...)

	n := len(fr.pending) / fr.frameBytes
	if n == 0 {
		return nil
	}
	frames := make([]types.AudioFrame, 0, n)
	frameDur := fr.format.Duration(fr.frameBytes)
	for i := range n {
		data := make([]byte, fr.frameBytes)
		copy(data, fr.pending[i*fr.frameBytes:])
		frames = append(frames, types.AudioFrame{
			Data:       data,
			SampleRate: fr.format.SampleRate,
			Channels:   fr.format.Channels,
			Timestamp:  fr.emitted,
		})
		fr.emitted += frameDur
	}

	rest := len(fr.pending) - n*fr.frameBytes
	copy(fr.pending, fr.pending[n*fr.frameBytes:])
	fr.pending = fr.pending[:rest]
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (fr *Framer) Pending() int { return len(fr.pending) }

// Reset discards buffered bytes and restarts timestamps at zero.
func (fr *Framer) Reset() {
	fr.pending = fr.pending[:0]
	fr.emitted = 0
}
