package core

import (
	"context"
	"slices"
)

type UnsubscribeFunc func() error

func (u UnsubscribeFunc) Unsubscribe() error {
	return u()
}

type Unsubscriber interface {
	Unsubscribe() error
}

// Message is one transport message. Messages sharing a GroupKey are delivered
// in publish order, one at a time. A DedupKey seen within the dedup window
// of a subject is dropped.
type Message struct {
	Data       []byte
	GroupKey   string
	DedupKey   string
	Attributes Metadata
	// Deliveries counts delivery attempts including the current one. Set by
	// the bus on receive.
	Deliveries int
}

// Filter selects messages by attribute. A nil or empty field matches all.
type Filter struct {
	StreamIds []string
}

func (f Filter) Matches(attributes Metadata) bool {
	if len(f.StreamIds) == 0 {
		return true
	}
	return slices.Contains(f.StreamIds, attributes[AttrStreamId])
}

type Subscription struct {
	Subject string
	// Durable names the consumer so it resumes after restart. Buses without
	// persistence ignore it.
	Durable string
	Filter  Filter
}

// Handler processes one delivery. A non nil error causes redelivery, errors
// wrapping ErrDeferred are redelivered without being reported.
type Handler func(ctx context.Context, message Message) error

type MessageBus interface {
	Publish(ctx context.Context, subject string, messages ...Message) error
	Subscribe(subscription Subscription, handler Handler) (Unsubscriber, error)
}
