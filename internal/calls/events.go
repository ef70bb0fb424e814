package calls

import (
	"github.com/flowpbx/callbridge/internal/acs"
)

// EventKind classifies a provider callback.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCallConnected
	EventCallDisconnected
	EventMediaStreamingStarted
	EventMediaStreamingStopped
	EventMediaStreamingFailed
	EventAnswerFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCallConnected:
		return "CallConnected"
	case EventCallDisconnected:
		return "CallDisconnected"
	case EventMediaStreamingStarted:
		return "MediaStreamingStarted"
	case EventMediaStreamingStopped:
		return "MediaStreamingStopped"
	case EventMediaStreamingFailed:
		return "MediaStreamingFailed"
	case EventAnswerFailed:
		return "AnswerFailed"
	default:
		return "Unknown"
	}
}

var eventKinds = map[string]EventKind{
	acs.EventCallConnected:         EventCallConnected,
	acs.EventCallDisconnected:      EventCallDisconnected,
	acs.EventMediaStreamingStarted: EventMediaStreamingStarted,
	acs.EventMediaStreamingStopped: EventMediaStreamingStopped,
	acs.EventMediaStreamingFailed:  EventMediaStreamingFailed,
	acs.EventAnswerFailed:          EventAnswerFailed,
}

// CallbackEvent is one provider callback addressed to a call session.
type CallbackEvent struct {
	Kind             EventKind
	Type             string // provider event type, kept for logging unknown kinds
	CallConnectionID string
	CorrelationID    string
	OperationContext string
	Result           *acs.ResultInformation
	MediaStreaming   *acs.MediaStreamingUpdate
}

// EventFromCloudEvent converts a decoded callback into a CallbackEvent.
// Unrecognised types produce EventUnknown, not an error.
func EventFromCloudEvent(ce acs.CloudEvent) (CallbackEvent, error) {
	data, err := ce.Payload()
	if err != nil {
		return CallbackEvent{}, err
	}
	return CallbackEvent{
		Kind:             eventKinds[ce.Type],
		Type:             ce.Type,
		CallConnectionID: data.CallConnectionID,
		CorrelationID:    data.CorrelationID,
		OperationContext: data.OperationContext,
		Result:           data.ResultInformation,
		MediaStreaming:   data.MediaStreamingUpdate,
	}, nil
}
