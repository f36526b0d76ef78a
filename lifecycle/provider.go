package lifecycle

import (
	"context"
	"errors"

	havencache "github.com/havenlabs/haven-cache"
)

// EventKind identifies a wallet/session event.
type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventAccountChanged EventKind = "account_changed"
	EventChainChanged   EventKind = "chain_changed"
	EventVisible        EventKind = "visible"
)

// Event is a wallet or page-session event delivered by a Provider.
// Identity is set for connected and account_changed events.
type Event struct {
	Kind     EventKind
	Identity string
}

// Provider surfaces the current wallet session and a stream of session
// events. Implementations close the Events channel when the session source
// shuts down.
type Provider interface {
	// Identity returns the currently connected identity, if any.
	Identity(ctx context.Context) (string, bool, error)

	// Events returns the session event stream.
	Events(ctx context.Context) <-chan Event
}

// Run attaches the provider's current identity, then consumes session
// events until the context is cancelled or the event stream closes. On
// return the coordinator is detached with a security purge when the final
// event warranted one, plain otherwise.
func (c *Coordinator) Run(ctx context.Context, p Provider) error {
	if id, ok, err := p.Identity(ctx); err != nil {
		return err
	} else if ok {
		if err := c.Attach(ctx, id); err != nil && !errors.Is(err, havencache.ErrAttachAborted) {
			return err
		}
	}

	events := p.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return c.Detach(context.WithoutCancel(ctx), ReasonNavigation)
		case ev, ok := <-events:
			if !ok {
				return c.Detach(context.WithoutCancel(ctx), ReasonNavigation)
			}
			if err := c.handle(ctx, ev); err != nil {
				c.logger.Error("handling session event", "kind", string(ev.Kind), "error", err)
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventConnected:
		err := c.Attach(ctx, ev.Identity)
		if errors.Is(err, havencache.ErrAttachAborted) {
			return nil
		}
		return err
	case EventDisconnected:
		return c.Detach(ctx, ReasonDisconnect)
	case EventAccountChanged:
		if err := c.Detach(ctx, ReasonAccountChange); err != nil {
			return err
		}
		if ev.Identity == "" {
			return nil
		}
		err := c.Attach(ctx, ev.Identity)
		if errors.Is(err, havencache.ErrAttachAborted) {
			return nil
		}
		return err
	case EventChainChanged:
		return c.Detach(ctx, ReasonChainChange)
	case EventVisible:
		_, err := c.Visible(ctx)
		return err
	}
	c.logger.Debug("ignoring unknown session event", "kind", string(ev.Kind))
	return nil
}
