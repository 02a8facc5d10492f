// internal/domain/notifier.go
package domain

import "context"

// Notifier delivers NOTIFY tasks to their webhook.
type Notifier interface {
	Notify(ctx context.Context, payload *NotifyPayload) (any, error)
}
