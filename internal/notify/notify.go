// Package notify fans domain events out to interested terminals and
// back-office dashboards. Emission happens after the owning transaction
// commits; delivery is best effort and never fails the request.
package notify

import "context"

type Notifier interface {
	EmitBranch(ctx context.Context, branchID string, event string, payload any)
	EmitAdmin(ctx context.Context, event string, payload any)
}

// Noop drops every event. Used in tests and when no broker is configured.
type Noop struct{}

func (Noop) EmitBranch(ctx context.Context, branchID string, event string, payload any) {}

func (Noop) EmitAdmin(ctx context.Context, event string, payload any) {}
