package agent

import (
	"context"
)

// Adapter is the uniform contract every agent integration implements. The
// registry and bus only ever hold this interface.
type Adapter interface {
	ID() string
	Meta() Meta

	// Install performs one-time setup and starts emitting. Calling it again
	// while installed is a no-op.
	Install(ctx context.Context) error
	// Uninstall reverses Install where safe and stops emitting. It never
	// tears down infrastructure the adapter doesn't own.
	Uninstall(ctx context.Context) error

	// Events is live from construction until the adapter is discarded.
	Events() <-chan Event

	// ResolvePermission delivers a user decision to the waiting agent.
	// Unknown request ids are a no-op.
	ResolvePermission(ctx context.Context, requestID string, d Decision) error
}

// Meta is display-only information consumed by the UI.
type Meta struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

// Decision is the user's answer to a permission request.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

func (d Decision) String() string {
	if d.Allow {
		return "allow"
	}
	return "deny"
}

// Allow and Deny are shorthands for the two decisions.
func Allow() Decision { return Decision{Allow: true} }

func Deny(reason string) Decision { return Decision{Reason: reason} }
