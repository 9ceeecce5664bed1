// Package telephony defines the contract with the external calling provider.
package telephony

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRejected is returned when the provider refuses to start a call.
var ErrRejected = errors.New("telephony: call rejected")

// Request describes one call the provider is asked to start.
type Request struct {
	CallID     uuid.UUID
	To         string
	ScriptID   string
	WebhookURL string
	Metadata   map[string]any
}

// Provider abstracts the telephony integration. StartCall returns the
// provider-assigned call id once the provider has accepted the call;
// completion is reported later through the status callback.
type Provider interface {
	StartCall(ctx context.Context, req Request) (string, error)
}
