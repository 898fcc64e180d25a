// Package ports declares the external collaborators the orchestrator talks
// to. They are specified at their interface boundary only; implementations
// live outside the core.
package ports

import "context"

// NotificationSink receives structured payloads for externally visible
// events. Implementations must be timeout-bounded; callers never retry.
type NotificationSink interface {
	Notify(ctx context.Context, payload any) error
}
