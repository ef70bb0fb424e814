package acs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types delivered by Event Grid and call automation callbacks.
const (
	EventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	EventIncomingCall           = "Microsoft.Communication.IncomingCall"

	EventCallConnected         = "Microsoft.Communication.CallConnected"
	EventCallDisconnected      = "Microsoft.Communication.CallDisconnected"
	EventMediaStreamingStarted = "Microsoft.Communication.MediaStreamingStarted"
	EventMediaStreamingStopped = "Microsoft.Communication.MediaStreamingStopped"
	EventMediaStreamingFailed  = "Microsoft.Communication.MediaStreamingFailed"
	EventAnswerFailed          = "Microsoft.Communication.AnswerFailed"
)

// ErrEmptyBatch is returned when a webhook body holds no events.
var ErrEmptyBatch = errors.New("acs: empty event batch")

// PhoneNumberIdentifier is a PSTN number.
type PhoneNumberIdentifier struct {
	Value string `json:"value"`
}

// CommunicationIdentifier identifies a call participant.
type CommunicationIdentifier struct {
	RawID       string                 `json:"rawId,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
	PhoneNumber *PhoneNumberIdentifier `json:"phoneNumber,omitempty"`
}

// Number returns the participant's phone number, falling back to the raw id.
func (c CommunicationIdentifier) Number() string {
	if c.PhoneNumber != nil && c.PhoneNumber.Value != "" {
		return c.PhoneNumber.Value
	}
	return strings.TrimPrefix(c.RawID, "4:")
}

// AnsweredFor is the number a call was answered on. The REST API reports it
// as a bare phone number model; SDK-shaped payloads nest it.
type AnsweredFor struct {
	Value       string                 `json:"value,omitempty"`
	RawID       string                 `json:"rawId,omitempty"`
	PhoneNumber *PhoneNumberIdentifier `json:"phoneNumber,omitempty"`
}

// Number returns the answered-for phone number.
func (a AnsweredFor) Number() string {
	switch {
	case a.Value != "":
		return a.Value
	case a.PhoneNumber != nil && a.PhoneNumber.Value != "":
		return a.PhoneNumber.Value
	default:
		return strings.TrimPrefix(a.RawID, "4:")
	}
}

// EventGridEvent is one element of an Event Grid webhook batch.
type EventGridEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	EventType   string          `json:"eventType"`
	EventTime   time.Time       `json:"eventTime"`
	DataVersion string          `json:"dataVersion,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// SubscriptionValidationData is the payload of a subscription validation
// handshake.
type SubscriptionValidationData struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl,omitempty"`
}

// SubscriptionValidationResponse echoes the validation code back.
type SubscriptionValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// IncomingCallData is the payload of an IncomingCall event.
type IncomingCallData struct {
	To                  CommunicationIdentifier `json:"to"`
	From                CommunicationIdentifier `json:"from"`
	CallerDisplayName   string                  `json:"callerDisplayName,omitempty"`
	ServerCallID        string                  `json:"serverCallId,omitempty"`
	IncomingCallContext string                  `json:"incomingCallContext"`
	CorrelationID       string                  `json:"correlationId,omitempty"`
}

// ParseEventGridBatch decodes an Event Grid webhook body. Event Grid always
// posts an array; a bare object is accepted too.
func ParseEventGridBatch(body []byte) ([]EventGridEvent, error) {
	var events []EventGridEvent
	if err := decodeBatch(body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// DecodeData unmarshals the event payload into v.
func (e EventGridEvent) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("acs: %s event has no data", e.EventType)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("acs: decoding %s data: %w", e.EventType, err)
	}
	return nil
}

// CloudEvent is one element of a call automation callback batch.
type CloudEvent struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	SpecVersion     string          `json:"specversion,omitempty"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// ResultInformation explains the outcome of an operation.
type ResultInformation struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

// MediaStreamingUpdate reports the streaming status change.
type MediaStreamingUpdate struct {
	ContentType                 string `json:"contentType"`
	MediaStreamingStatus        string `json:"mediaStreamingStatus"`
	MediaStreamingStatusDetails string `json:"mediaStreamingStatusDetails"`
}

// CallbackData is the payload shared by the call automation callback events
// this service handles.
type CallbackData struct {
	CallConnectionID     string                `json:"callConnectionId"`
	ServerCallID         string                `json:"serverCallId,omitempty"`
	CorrelationID        string                `json:"correlationId,omitempty"`
	OperationContext     string                `json:"operationContext,omitempty"`
	ResultInformation    *ResultInformation    `json:"resultInformation,omitempty"`
	MediaStreamingUpdate *MediaStreamingUpdate `json:"mediaStreamingUpdate,omitempty"`
}

// ParseCloudEventBatch decodes a callback body.
func ParseCloudEventBatch(body []byte) ([]CloudEvent, error) {
	var events []CloudEvent
	if err := decodeBatch(body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Payload decodes the event payload. Events without data yield an
// empty CallbackData.
func (e CloudEvent) Payload() (CallbackData, error) {
	var d CallbackData
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return CallbackData{}, fmt.Errorf("acs: decoding %s data: %w", e.Type, err)
	}
	return d, nil
}

func decodeBatch[T any](body []byte, out *[]T) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ErrEmptyBatch
	}

	if trimmed[0] == '{' {
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return fmt.Errorf("acs: decoding event: %w", err)
		}
		*out = []T{one}
		return nil
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("acs: decoding event batch: %w", err)
	}
	if len(*out) == 0 {
		return ErrEmptyBatch
	}
	return nil
}
