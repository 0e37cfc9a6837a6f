package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the record published for every rate limit decision.
type Event struct {
	ID        string `json:"id,omitempty"` // lets consumers drop redeliveries
	ClientID  string `json:"clientId"`
	Resource  string `json:"resource"`
	Allowed   bool   `json:"allowed"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func NewEvent(clientID, resource string, allowed bool, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Resource:  resource,
		Allowed:   allowed,
		Timestamp: at.UnixMilli(),
	}
}

// Sink delivers events somewhere durable or visible.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}
