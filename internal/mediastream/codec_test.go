package mediastream

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKind  Kind
		wantAudio bool
		wantErr   bool
	}{
		{
			name:      "audio",
			raw:       `{"kind":"AudioData","audioData":{"timestamp":"2024-11-19T10:00:00Z","participantRawID":"8:acs:abc","data":"AAEC","silent":false}}`,
			wantKind:  KindAudioData,
			wantAudio: true,
		},
		{
			name:     "silent audio with empty payload",
			raw:      `{"kind":"AudioData","audioData":{"data":"","silent":true}}`,
			wantKind: KindAudioData,
		},
		{
			name:     "metadata",
			raw:      `{"kind":"AudioMetadata","audioMetadata":{"subscriptionId":"s","encoding":"PCM","sampleRate":24000,"channels":1,"length":480}}`,
			wantKind: KindAudioMetadata,
		},
		{
			name:     "dtmf",
			raw:      `{"kind":"DtmfData","dtmfData":{"data":"5"}}`,
			wantKind: KindDtmfData,
		},
		{
			name:    "not json",
			raw:     `garbage`,
			wantErr: true,
		},
		{
			name:    "missing kind",
			raw:     `{"audioData":{"data":"AAEC"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("err = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", f.Kind, tt.wantKind)
			}
			if f.IsAudio() != tt.wantAudio {
				t.Errorf("IsAudio() = %v, want %v", f.IsAudio(), tt.wantAudio)
			}
		})
	}
}

func TestEncodeAudio(t *testing.T) {
	got := string(EncodeAudio("AAEC"))
	want := `{"kind":"AudioData","audioData":{"data":"AAEC"},"stopAudio":null}`
	if got != want {
		t.Errorf("EncodeAudio = %s, want %s", got, want)
	}
}

func TestEncodeStopAudio(t *testing.T) {
	got := string(EncodeStopAudio())
	want := `{"kind":"StopAudio","audioData":null,"stopAudio":{}}`
	if got != want {
		t.Errorf("EncodeStopAudio = %s, want %s", got, want)
	}

	var f Frame
	if err := json.Unmarshal(EncodeStopAudio(), &f); err != nil {
		t.Fatalf("stop frame is not valid JSON: %v", err)
	}
}
