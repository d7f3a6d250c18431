package transports

import (
	"context"
	"net/http"
)

// Server is the network boundary a service runs: it accepts connections
// until Shutdown.
type Server interface {
	Name() string
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Handler() http.Handler
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// StatusCallback overrides the status webhook URL. Empty uses the
	// configured status path.
	StatusCallback string
	// Inline answers the call with stream TwiML directly instead of fetching
	// the voice webhook. Requires a public URL.
	Inline bool
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
