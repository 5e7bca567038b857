package relaypool

import (
	"context"
	"sync"

	"nsite-gateway/internal/nostrtypes"
)

// Subscribe opens a long-lived, never-completing query against every relay
// in relays and fans their events into one channel, which is closed once
// every per-relay stream has ended (ctx cancelled, dial failure, or the
// relay's subscription or connection closing). Events are not
// deduplicated: an event served by several relays arrives once per relay.
// This is the Invalidation Subscriber's entry point into the pool. Unlike
// Query, it has no timeout and never returns on EOSE.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filter nostrtypes.Filter) (<-chan nostrtypes.Event, error) {
	out := make(chan nostrtypes.Event, 256)

	var wg sync.WaitGroup
	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			p.streamFromRelay(ctx, relayURL, filter, out)
		}(relayURL)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// streamFromRelay maintains a subscription to one relay for the lifetime of
// ctx; it does not resubscribe after a disconnect.
// Reconnection timing itself is owned by the caller's run loop (Subscriber),
// not by the pool; streamFromRelay simply returns once its subscription
// ends so the caller can decide what happens next.
func (p *Pool) streamFromRelay(ctx context.Context, relayURL string, filter nostrtypes.Filter, out chan<- nostrtypes.Event) {
	c, err := p.getOrDial(ctx, relayURL)
	if err != nil {
		p.log.Debug("relaypool: subscribe dial failed", "relay", relayURL, "err", err)
		return
	}

	subID := newSubID()
	sub, err := c.subscribe(subID, filter)
	if err != nil {
		p.log.Debug("relaypool: subscribe failed", "relay", relayURL, "err", err)
		return
	}
	defer c.unsubscribe(subID)

	eoseCh := sub.eose
	for {
		select {
		case <-ctx.Done():
			return
		case <-eoseCh:
			// Live subscriptions have no end-of-stored-events deadline;
			// streaming continues until ctx is cancelled or the connection
			// drops. EOSE on a since-bounded filter just marks the
			// backlog's end. eoseCh is a closed channel from here on, so it
			// must be cleared or this case would fire on every loop
			// iteration and spin the goroutine.
			eoseCh = nil
		case evt, ok := <-sub.events:
			if !ok {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}
