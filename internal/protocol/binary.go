package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Binary audio frames start with a fixed header:
//
//	offset size field
//	0      1    version (FrameVersion)
//	1      1    header length in bytes (FrameHeaderLen)
//	2      16   turn id (UUID bytes)
//	18     4    sentence sequence number, big-endian
//	22     ...  PCM payload
//
// Clients must honour the header length so the header can grow.
const (
	FrameVersion   = 1
	FrameHeaderLen = 22
)

// ErrFrameTooShort is returned when a binary frame is shorter than its header.
var ErrFrameTooShort = errors.New("protocol: binary frame shorter than header")

// FrameHeader is the decoded header of a binary audio frame.
type FrameHeader struct {
	Version int
	TurnID  string
	Seq     uint32
}

// EncodeAudioFrame prefixes pcm with the audio frame header.
func EncodeAudioFrame(turnID string, seq int, pcm []byte) ([]byte, error) {
	id, err := uuid.Parse(turnID)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode audio frame: turn id: %w", err)
	}
	if seq < 0 {
		return nil, fmt.Errorf("protocol: encode audio frame: negative seq %d", seq)
	}
	out := make([]byte, FrameHeaderLen+len(pcm))
	out[0] = FrameVersion
	out[1] = FrameHeaderLen
	copy(out[2:18], id[:])
	binary.BigEndian.PutUint32(out[18:22], uint32(seq))
	copy(out[FrameHeaderLen:], pcm)
	return out, nil
}

// DecodeAudioFrame splits a binary audio frame into header and payload.
func DecodeAudioFrame(frame []byte) (FrameHeader, []byte, error) {
	if len(frame) < 2 {
		return FrameHeader{}, nil, ErrFrameTooShort
	}
	hdrLen := int(frame[1])
	if hdrLen < FrameHeaderLen || len(frame) < hdrLen {
		return FrameHeader{}, nil, ErrFrameTooShort
	}
	id, err := uuid.FromBytes(frame[2:18])
	if err != nil {
		return FrameHeader{}, nil, fmt.Errorf("protocol: decode audio frame: %w", err)
	}
	h := FrameHeader{
		Version: int(frame[0]),
		TurnID:  id.String(),
		Seq:     binary.BigEndian.Uint32(frame[18:22]),
	}
	return h, frame[hdrLen:], nil
}
