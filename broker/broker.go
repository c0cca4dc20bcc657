// Package broker carries encoded events between monitor instances so that
// observers attached to any instance see every event.
package broker

import "context"

// EventsChannel is the channel hub instances publish observer events on.
const EventsChannel = "events"

type MessageHandler func(channel string, data []byte)

type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}
