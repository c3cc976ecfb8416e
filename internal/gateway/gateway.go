// Package gateway defines the lifecycle shared by the network surfaces that
// expose reasoning and approvals to operators.
package gateway

import "context"

// Gateway is a long-running operator surface such as the HTTP API.
type Gateway interface {
	// Start serves until the gateway fails or is stopped. It returns
	// http.ErrServerClosed or nil after a clean Stop.
	Start(ctx context.Context) error

	// Stop shuts down gracefully. The context deadline bounds the time
	// given to in-flight requests.
	Stop(ctx context.Context) error
}
