package realtime

import "encoding/json"

// Client event types.
const (
	TypeSessionUpdate       = "session.update"
	TypeInputAudioAppend    = "input_audio_buffer.append"
	TypeConversationItemNew = "conversation.item.create"
	TypeResponseCreate      = "response.create"
)

// Server event types handled by Session.
const (
	EventSessionCreated        = "session.created"
	EventSessionUpdated        = "session.updated"
	EventFunctionArgumentsDone = "response.function_call_arguments.done"
	EventAudioDelta            = "response.audio.delta"
	EventSpeechStarted         = "input_audio_buffer.speech_started"
	EventCallerTranscript      = "conversation.item.input_audio_transcription.completed"
	EventAssistantTranscript   = "response.audio_transcript.done"
	EventResponseDone          = "response.done"
	EventError                 = "error"
)

// Tool choice values.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Tool declares a function the model may call.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// TurnDetection configures voice-activity based turn taking.
type TurnDetection struct {
	Type string `json:"type"`
}

// Transcription enables transcripts of caller audio.
type Transcription struct {
	Model string `json:"model"`
}

// SessionConfig is the body of a session.update event. Tools is always
// sent, empty when the profile declares none.
type SessionConfig struct {
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool         `json:"tools"`
	ToolChoice              string         `json:"tool_choice"`
}

// SessionUpdate configures the conversation.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// InputAudioAppend carries one base64 PCM chunk of caller audio.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// FunctionCallOutput is the conversation item answering a tool call. Output
// is sent even when empty.
type FunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// ItemCreate adds an item to the conversation.
type ItemCreate struct {
	Type string             `json:"type"`
	Item FunctionCallOutput `json:"item"`
}

// ResponseCreate asks the model to generate a response.
type ResponseCreate struct {
	Type string `json:"type"`
}

// ServerEvent is the union of the server events Session looks at. Fields
// not relevant to Type are zero.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.function_call_arguments.done
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// input_audio_buffer.speech_started
	AudioStartMs int `json:"audio_start_ms,omitempty"`

	// transcripts
	Transcript string `json:"transcript,omitempty"`

	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
