// Package protocol holds the types shared by the three bridge contexts:
// the injected provider (page), the relay (content script) and the
// mediator (background worker).
//
// Responsibilities:
// - Define the ProviderRequest/ProviderResponse model and its outcomes.
// - Define the window-message envelopes and their discriminators.
// - Define the relay<->mediator wire shape.
// - Define the closed set of error kinds that may cross the trust boundary.
//
// Non-responsibilities:
// - Transport, timers, authorization or wallet state.
package protocol

import (
	"encoding/json"
)

const (
	// APIVersion is advertised on the page global and bumped only on
	// incompatible changes to the page-facing contract.
	APIVersion = 1

	// GlobalName is the page global the provider is installed under.
	GlobalName = "wallet"
	// InitializedEvent is dispatched once on the page after install.
	InitializedEvent = "wallet#initialized"
)

// CorrelationID identifies one outstanding provider call.
type CorrelationID string

// ProviderRequest is one page call as seen by the mediator.
type ProviderRequest struct {
	ID     CorrelationID     `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Origin string            `json:"origin"`
}

// Outcome is either a JSON result or an error. The zero Outcome is not valid.
type Outcome struct {
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// Ok builds a successful outcome.
func Ok(result json.RawMessage) Outcome {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Outcome{Result: result}
}

// Fail builds an error outcome.
func Fail(kind ErrorKind, message string) Outcome {
	return Outcome{Err: NewError(kind, message)}
}

// IsOk reports whether the outcome carries a result.
func (o Outcome) IsOk() bool {
	return o.Err == nil
}

// ProviderResponse answers exactly one ProviderRequest.
type ProviderResponse struct {
	ID      CorrelationID `json:"id"`
	Outcome Outcome       `json:"outcome"`
}

// Respond pairs an outcome with the request id.
func Respond(id CorrelationID, outcome Outcome) ProviderResponse {
	return ProviderResponse{ID: id, Outcome: outcome}
}

// Sender describes the page a relay forwards for. It is filled by the
// relay from its own execution context, never from page-supplied data.
type Sender struct {
	Origin     string `json:"origin"`
	DocumentID string `json:"documentId,omitempty"`
}
