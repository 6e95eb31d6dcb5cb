package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Discriminators. Window messages carry a target so that the provider and
// the relay, sharing one window, never pick up each other's messages.
const (
	TypeProviderRequest  = "PROVIDER_REQUEST"
	TypeProviderResponse = "PROVIDER_RESPONSE"

	TargetRelay    = "wallet-relay"
	TargetProvider = "wallet-provider"
)

var ErrMalformedMessage = errors.New("malformed bridge message")

// PageRequest is posted by the provider on the window.
type PageRequest struct {
	Target string            `json:"target"`
	Type   string            `json:"type"`
	ID     CorrelationID     `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Origin string            `json:"origin,omitempty"`
}

// PageResponse is posted by the relay on the window.
type PageResponse struct {
	Target  string        `json:"target"`
	Type    string        `json:"type"`
	ID      CorrelationID `json:"id"`
	Outcome Outcome       `json:"outcome"`
}

// DecodePageRequest parses and validates a window message addressed to the
// relay. Any shape mismatch yields ErrMalformedMessage.
func DecodePageRequest(data []byte) (PageRequest, error) {
	var msg PageRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return PageRequest{}, ErrMalformedMessage
	}
	if msg.Target != TargetRelay || msg.Type != TypeProviderRequest {
		return PageRequest{}, ErrMalformedMessage
	}
	if strings.TrimSpace(string(msg.ID)) == "" || strings.TrimSpace(msg.Method) == "" {
		return PageRequest{}, ErrMalformedMessage
	}
	if msg.Params == nil {
		msg.Params = []json.RawMessage{}
	}
	return msg, nil
}

// DecodePageResponse parses a window message addressed to the provider.
func DecodePageResponse(data []byte) (PageResponse, error) {
	var msg PageResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return PageResponse{}, ErrMalformedMessage
	}
	if msg.Target != TargetProvider || msg.Type != TypeProviderResponse || msg.ID == "" {
		return PageResponse{}, ErrMalformedMessage
	}
	if msg.Outcome.Err == nil && len(msg.Outcome.Result) == 0 {
		return PageResponse{}, ErrMalformedMessage
	}
	return msg, nil
}

// WirePayload is the method call carried to the mediator.
type WirePayload struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// WireRequest is the relay -> mediator message.
type WireRequest struct {
	Type    string      `json:"type"`
	Payload WirePayload `json:"payload"`
}

// WireError is the error part of a WireResponse.
type WireError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// WireResponse is the mediator -> relay reply.
type WireResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// NewWireRequest wraps a provider request for the channel.
func NewWireRequest(method string, params []json.RawMessage) WireRequest {
	if params == nil {
		params = []json.RawMessage{}
	}
	return WireRequest{
		Type:    TypeProviderRequest,
		Payload: WirePayload{Method: method, Params: params},
	}
}

// WireFromOutcome converts a mediator outcome to the wire reply.
func WireFromOutcome(o Outcome) WireResponse {
	if o.Err != nil {
		return WireResponse{Error: &WireError{Kind: o.Err.Kind, Message: o.Err.Message}}
	}
	return WireResponse{Success: true, Data: o.Result}
}

// Outcome converts the wire reply back. A failed reply with no usable error
// becomes ExecutionFailed; unknown kinds are normalized the same way.
func (r WireResponse) Outcome() Outcome {
	if r.Success {
		return Ok(r.Data)
	}
	if r.Error == nil {
		return Fail(KindExecutionFailed, "")
	}
	return Fail(r.Error.Kind, r.Error.Message)
}
