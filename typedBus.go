package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gehhilfe/eventlog/core"
)

type typedMessageBus struct {
	bus      core.MessageBus
	envelope bool
}

func newTypedMessageBus(bus core.MessageBus, envelope bool) *typedMessageBus {
	return &typedMessageBus{
		bus:      bus,
		envelope: envelope,
	}
}

// typedMessage is a payload with its routing.
type typedMessage struct {
	payload    any
	groupKey   string
	dedupKey   string
	attributes core.Metadata
}

func (b *typedMessageBus) Publish(ctx context.Context, subject string, messages ...typedMessage) error {
	out := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m.payload)
		if err != nil {
			return err
		}
		if b.envelope {
			if data, err = wrapNotification(data); err != nil {
				return err
			}
		}
		out = append(out, core.Message{
			Data:       data,
			GroupKey:   m.groupKey,
			DedupKey:   m.dedupKey,
			Attributes: m.attributes,
		})
	}
	return b.bus.Publish(ctx, subject, out...)
}

// malformedError marks a payload that can never be decoded.
type malformedError struct {
	subject string
	err     error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("malformed message on %s: %v", e.subject, e.err)
}

func (e *malformedError) Unwrap() error {
	return e.err
}

func decode[T any](subject string, message core.Message) (*T, error) {
	var msg T
	if err := json.Unmarshal(unwrapNotification(message.Data), &msg); err != nil {
		return nil, &malformedError{subject: subject, err: err}
	}
	return &msg, nil
}

// subscribeTyped decodes every delivery into T before calling handler.
// Messages are unwrapped from one notification envelope if they carry one.
func subscribeTyped[T any](
	bus core.MessageBus,
	subscription core.Subscription,
	handler func(ctx context.Context, message *T, raw core.Message) error,
) (core.Unsubscriber, error) {
	return bus.Subscribe(subscription, func(ctx context.Context, raw core.Message) error {
		msg, err := decode[T](subscription.Subject, raw)
		if err != nil {
			return err
		}
		return handler(ctx, msg, raw)
	})
}

// unsubscriber stops several subscriptions in reverse order.
type unsubscriber struct {
	subscribers []core.Unsubscriber
}

func (u *unsubscriber) Unsubscribe() error {
	var errs []error
	for i := len(u.subscribers) - 1; i >= 0; i-- {
		if err := u.subscribers[i].Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	u.subscribers = nil
	return errors.Join(errs...)
}
