// Package audio provides the PCM plumbing shared by the transport and the
// providers: format descriptions, WAV container encoding and decoding, format
// conversion, and slicing of byte streams into fixed-size classifier frames.
//
// All functions operate on 16-bit signed little-endian PCM. Compressed codecs
// (Opus, MP3) are not handled; clients send PCM or WAV.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is fixed at 2 for 16-bit PCM.
const bytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the PCM byte rate for the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// Duration returns the playback length of n bytes of PCM in this format.
// Returns zero for an invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
