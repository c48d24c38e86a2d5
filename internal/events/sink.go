package events

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Publisher publishes individual events; Bus satisfies it.
type Publisher interface {
	Publish(evt Event)
}
