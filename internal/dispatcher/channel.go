package dispatcher

import (
	"context"
	"errors"
)

// Delivery outcome taxonomy. A channel wraps (or returns) one of these; any
// other error is treated as retryable-transient.
var (
	ErrRetryable = errors.New("dispatcher: retryable delivery failure")
	ErrPermanent = errors.New("dispatcher: permanent delivery failure")
)

// Notification is the rendered, channel-agnostic message to deliver.
type Notification struct {
	NotificationID string
	UserID         string
	Channel        string
	Title          string
	Body           string
	Metadata       map[string]string
}

// Channel delivers a notification. Implementations exist for in-app push;
// email and mobile push plug in behind the same three-outcome contract.
type Channel interface {
	Deliver(ctx context.Context, n Notification) error
}
