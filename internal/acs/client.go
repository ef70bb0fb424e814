// Package acs is a small client for the Azure Communication Services call
// automation REST API and the events it delivers.
package acs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultAPIVersion is the call automation API version requested when none
// is configured.
const DefaultAPIVersion = "2024-09-15"

// Media streaming option values used when answering.
const (
	TransportWebSocket    = "websocket"
	ContentAudio          = "audio"
	AudioChannelUnmixed   = "unmixed"
	AudioFormatPCM24KMono = "Pcm24KMono"
)

// MediaStreamingOptions asks the provider to stream call audio to a
// websocket.
type MediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
	EnableBidirectional bool   `json:"enableBidirectional"`
	AudioFormat         string `json:"audioFormat"`
}

// BidirectionalAudio returns streaming options for two-way 24kHz mono PCM on
// an unmixed channel, started as soon as the call connects.
func BidirectionalAudio(transportURL string) *MediaStreamingOptions {
	return &MediaStreamingOptions{
		TransportURL:        transportURL,
		TransportType:       TransportWebSocket,
		ContentType:         ContentAudio,
		AudioChannelType:    AudioChannelUnmixed,
		StartMediaStreaming: true,
		EnableBidirectional: true,
		AudioFormat:         AudioFormatPCM24KMono,
	}
}

// AnswerCallRequest is the body of POST /calling/callConnections:answer.
type AnswerCallRequest struct {
	IncomingCallContext   string                 `json:"incomingCallContext"`
	CallbackURI           string                 `json:"callbackUri"`
	OperationContext      string                 `json:"operationContext,omitempty"`
	MediaStreamingOptions *MediaStreamingOptions `json:"mediaStreamingOptions,omitempty"`
}

// CallConnectionProperties describes an answered call.
type CallConnectionProperties struct {
	CallConnectionID    string                    `json:"callConnectionId"`
	ServerCallID        string                    `json:"serverCallId,omitempty"`
	CallConnectionState string                    `json:"callConnectionState,omitempty"`
	CallbackURI         string                    `json:"callbackUri,omitempty"`
	CorrelationID       string                    `json:"correlationId,omitempty"`
	Source              *CommunicationIdentifier  `json:"source,omitempty"`
	Targets             []CommunicationIdentifier `json:"targets,omitempty"`
	AnsweredFor         *AnsweredFor              `json:"answeredFor,omitempty"`
}

// AnsweredForNumber returns the phone number the call was answered on, or
// "" when the provider did not report one.
func (p *CallConnectionProperties) AnsweredForNumber() string {
	if p == nil || p.AnsweredFor == nil {
		return ""
	}
	return p.AnsweredFor.Number()
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("acs: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("acs: status %d", e.StatusCode)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the call automation API with HMAC-signed requests.
type Client struct {
	httpClient *http.Client
	creds      Credentials
	apiVersion string
	now        func() time.Time
}

// NewClient creates a client. An empty apiVersion uses DefaultAPIVersion.
func NewClient(creds Credentials, apiVersion string) *Client {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		creds:      creds,
		apiVersion: apiVersion,
		now:        time.Now,
	}
}

// NewClientFromConnectionString parses a connection string and creates a
// client.
func NewClientFromConnectionString(conn, apiVersion string) (*Client, error) {
	creds, err := ParseConnectionString(conn)
	if err != nil {
		return nil, err
	}
	return NewClient(creds, apiVersion), nil
}

// AnswerCall answers an incoming call.
func (c *Client) AnswerCall(ctx context.Context, req AnswerCallRequest) (*CallConnectionProperties, error) {
	var props CallConnectionProperties
	if err := c.do(ctx, http.MethodPost, "/calling/callConnections:answer", req, &props); err != nil {
		return nil, err
	}
	if props.CallConnectionID == "" {
		return nil, fmt.Errorf("acs: answer response has no callConnectionId")
	}
	return &props, nil
}

// GetCallConnection fetches the properties of a call connection.
func (c *Client) GetCallConnection(ctx context.Context, callConnectionID string) (*CallConnectionProperties, error) {
	var props CallConnectionProperties
	path := "/calling/callConnections/" + url.PathEscape(callConnectionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("acs: marshalling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := c.creds.Endpoint + path + "?api-version=" + url.QueryEscape(c.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("acs: creating request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if err := signRequest(httpReq, c.creds.AccessKey, c.now()); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("acs: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("acs: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("acs: decoding response: %w", err)
	}
	return nil
}
