// Package mediastream translates between the telephony media-streaming wire
// format and the base64 PCM chunks exchanged with the realtime AI session.
package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the discriminator carried by every media-streaming frame.
type Kind string

const (
	KindAudioData     Kind = "AudioData"
	KindAudioMetadata Kind = "AudioMetadata"
	KindDtmfData      Kind = "DtmfData"
	KindStopAudio     Kind = "StopAudio"
)

// ErrMalformedFrame is returned when a frame is not valid JSON or lacks a kind.
var ErrMalformedFrame = errors.New("mediastream: malformed frame")

// AudioData is the payload of an inbound audio frame. Data is base64 encoded
// 24kHz mono 16-bit PCM.
type AudioData struct {
	Timestamp        string `json:"timestamp,omitempty"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
	Data             string `json:"data"`
	Silent           bool   `json:"silent,omitempty"`
}

// AudioMetadata is sent once by the provider when streaming begins.
type AudioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
	Length         int    `json:"length"`
}

// Frame is one decoded inbound frame. Only the field matching Kind is set.
type Frame struct {
	Kind          Kind           `json:"kind"`
	AudioData     *AudioData     `json:"audioData,omitempty"`
	AudioMetadata *AudioMetadata `json:"audioMetadata,omitempty"`
}

// IsAudio reports whether the frame carries caller audio.
func (f Frame) IsAudio() bool {
	return f.Kind == KindAudioData && f.AudioData != nil && f.AudioData.Data != ""
}

// ParseFrame decodes one inbound media-streaming message.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	return f, nil
}

type outboundAudio struct {
	Data string `json:"data"`
}

type outboundFrame struct {
	Kind      Kind           `json:"kind"`
	AudioData *outboundAudio `json:"audioData"`
	StopAudio *struct{}      `json:"stopAudio"`
}

// EncodeAudio wraps a base64 PCM chunk in an outbound audio frame.
func EncodeAudio(data string) []byte {
	b, _ := json.Marshal(outboundFrame{
		Kind:      KindAudioData,
		AudioData: &outboundAudio{Data: data},
	})
	return b
}

// EncodeStopAudio returns the control frame that makes the provider drop any
// audio it is still playing to the caller.
func EncodeStopAudio() []byte {
	b, _ := json.Marshal(outboundFrame{
		Kind:      KindStopAudio,
		StopAudio: &struct{}{},
	})
	return b
}
