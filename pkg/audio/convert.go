package audio

import (
	"encoding/binary"
	"fmt"
)

// Convert converts 16-bit interleaved PCM from one format to another. Channel
// mixing happens before resampling when reducing channels and after it when
// adding them, so the resampler always works on the smaller stream. Converting
// to the same format returns pcm unchanged.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("audio: convert %s -> %s: invalid format", from, to)
	}
	if len(pcm)%(from.Channels*bytesPerSample) != 0 {
		return nil, fmt.Errorf("audio: convert: %d bytes is not a whole number of %s frames", len(pcm), from)
	}
	if from == to {
		return pcm, nil
	}

	samples := decodeSamples(pcm)
	if to.Channels < from.Channels {
		samples = remix(samples, from.Channels, to.Channels)
		samples = resample(samples, to.Channels, from.SampleRate, to.SampleRate)
	} else {
		samples = resample(samples, from.Channels, from.SampleRate, to.SampleRate)
		samples = remix(samples, from.Channels, to.Channels)
	}
	return encodeSamples(samples), nil
}

func decodeSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func encodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// remix converts interleaved samples between channel counts. Downmixing to
// mono averages all channels; any other change maps output channel c to input
// channel c mod src.
func remix(samples []int16, src, dst int) []int16 {
	if src == dst {
		return samples
	}
	frames := len(samples) / src
	out := make([]int16, frames*dst)
	for i := range frames {
		in := samples[i*src : (i+1)*src]
		if dst == 1 {
			var sum int32
			for _, s := range in {
				sum += int32(s)
			}
			out[i] = int16(sum / int32(src))
			continue
		}
		for c := range dst {
			out[i*dst+c] = in[c%src]
		}
	}
	return out
}

// resample changes the sample rate of interleaved samples using linear
// interpolation between neighbouring frames.
func resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			s0 := float64(samples[idx*channels+c])
			s1 := float64(samples[next*channels+c])
			out[i*channels+c] = clamp16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
