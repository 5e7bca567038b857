// Package invalidation implements the Invalidation Subscriber (IS): a
// single, always-on set of relay subscriptions that convert arriving
// publish events into Cache Store writes, shifting Resolver misses to hits
// before clients ask. It runs one subscription per filter against a
// curated relay set, reconnecting with a delay whenever a subscription
// drops for any reason other than shutdown.
package invalidation

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"nsite-gateway/internal/cache"
	"nsite-gateway/internal/metrics"
	"nsite-gateway/internal/model"
	"nsite-gateway/internal/nostrtypes"
)

// State is the subscriber's lifecycle position.
type State int

const (
	StateDisabled State = iota
	StateConnecting
	StateLive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// mappingLookback is how far back the mapping filter's "since" reaches, so
// that a restart rehydrates the cache for sites published while the
// subscriber was down.
const mappingLookback = time.Hour

// RelaySubscriber is the subset of the Relay Pool's contract IS depends on:
// a long-lived streaming query rather than RV's bounded one-shot Query.
type RelaySubscriber interface {
	Subscribe(ctx context.Context, relays []string, filter nostrtypes.Filter) (<-chan nostrtypes.Event, error)
}

// Config bundles the subscriber's tunables.
type Config struct {
	Enabled        bool
	Relays         []string
	DefaultRelays  []string
	DefaultServers []string
	ReconnectDelay time.Duration
}

// Subscriber is the IS component.
type Subscriber struct {
	store *cache.Store
	pool  RelaySubscriber
	cfg   Config
	log   *slog.Logger

	mu    sync.RWMutex
	state State

	cancel       context.CancelFunc
	done         chan struct{}
	shuttingDown bool
}

// New constructs a Subscriber. It does not start running until Start is
// called; initial state is Disabled if cfg.Enabled is false, else
// Connecting.
func New(store *cache.Store, pool RelaySubscriber, cfg Config, log *slog.Logger) *Subscriber {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	initial := StateDisabled
	if cfg.Enabled {
		initial = StateConnecting
	}
	return &Subscriber{store: store, pool: pool, cfg: cfg, log: log, state: initial}
}

// State reports IS's current state, for the /healthz endpoint.
func (s *Subscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	metrics.InvalidationState.Set(float64(st))
}

// Start opens the three subscriptions eagerly. It is a no-op when the
// subscriber is disabled.
func (s *Subscriber) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.doneChan())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.setState(StateConnecting)
		s.runOnce(ctx)

		s.mu.RLock()
		shuttingDown := s.shuttingDown
		s.mu.RUnlock()
		if shuttingDown {
			return
		}

		s.setState(StateDegraded)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Subscriber) doneChan() chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// runOnce opens all three subscriptions and processes events until one of
// them closes or ctx is cancelled.
func (s *Subscriber) runOnce(ctx context.Context) {
	since := time.Now().Add(-mappingLookback).Unix()
	now := time.Now().Unix()

	filters := []nostrtypes.Filter{
		{Kinds: []int{nostrtypes.KindMapping}, Since: since},
		{Kinds: []int{nostrtypes.KindRelayList}, Since: now},
		{Kinds: []int{nostrtypes.KindServerList}, Since: now},
	}

	var wg sync.WaitGroup
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, filter := range filters {
		ch, err := s.pool.Subscribe(subCtx, s.cfg.Relays, filter)
		if err != nil {
			s.log.Info("invalidation: subscribe failed", "kinds", filter.Kinds, "err", err)
			continue
		}
		wg.Add(1)
		go func(ch <-chan nostrtypes.Event) {
			defer wg.Done()
			// One subscription ending ends them all, so the run loop
			// reconnects every filter together.
			defer cancel()
			s.consume(subCtx, ch)
		}(ch)
	}

	s.setState(StateLive)
	wg.Wait()
}

// consume applies every event that arrives on ch to the Cache Store. A
// panic inside event handling is recovered and logged; it must not
// terminate the subscription.
func (s *Subscriber) consume(ctx context.Context, ch <-chan nostrtypes.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.handleEventSafely(ctx, evt)
		}
	}
}

func (s *Subscriber) handleEventSafely(ctx context.Context, evt nostrtypes.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("invalidation: event handler panicked", "event_id", evt.ID, "kind", evt.Kind, "recover", r)
		}
	}()
	s.handleEvent(ctx, evt)
}

func (s *Subscriber) handleEvent(ctx context.Context, evt nostrtypes.Event) {
	switch evt.Kind {
	case nostrtypes.KindMapping:
		s.handleMapping(ctx, evt)
	case nostrtypes.KindRelayList:
		s.handleRelayList(ctx, evt)
	case nostrtypes.KindServerList:
		s.handleServerList(ctx, evt)
	}
}

// handleMapping upserts or invalidates the path mapping for the event's
// d tag. No "d" tag: ignore. No "x" tag: delete rather than upsert.
func (s *Subscriber) handleMapping(ctx context.Context, evt nostrtypes.Event) {
	d := evt.Tag("d")
	if d == "" {
		return
	}
	var pubkey model.Pubkey
	if !decodeHexPubkey(evt.PubKey, &pubkey) {
		return
	}
	cacheKey := evt.PubKey + d
	negKey := "paths:" + evt.PubKey + d

	x := evt.Tag("x")
	if x == "" {
		if err := s.store.Paths.Delete(ctx, cacheKey); err != nil {
			s.log.Debug("invalidation: failed to delete path mapping", "err", err)
		}
		return
	}

	mapping := model.PathMapping{Pubkey: pubkey, Path: d, SHA256: x, CreatedAt: evt.CreatedAt}
	if !mapping.Valid() {
		return
	}
	if err := s.store.Paths.Put(ctx, cacheKey, mapping); err != nil {
		s.log.Debug("invalidation: failed to upsert path mapping", "err", err)
		return
	}
	if err := s.store.ClearNegative(ctx, negKey); err != nil {
		s.log.Debug("invalidation: failed to clear negative mark", "err", err)
	}
}

// handleRelayList replaces relays:pubkey with the event's parsed relay
// entries (readers take the read-capable ones via ReadURLs), falling back
// to the configured defaults on an empty parse.
func (s *Subscriber) handleRelayList(ctx context.Context, evt nostrtypes.Event) {
	var pubkey model.Pubkey
	if !decodeHexPubkey(evt.PubKey, &pubkey) {
		return
	}
	entries := model.ParseRelayTags(evt.Tags)
	if len(entries) == 0 {
		entries = make([]model.RelayEntry, len(s.cfg.DefaultRelays))
		for i, u := range s.cfg.DefaultRelays {
			entries[i] = model.RelayEntry{URL: u, Read: true}
		}
	}
	list := model.RelayList{Pubkey: pubkey, Relays: entries}
	if err := s.store.Relays.Put(ctx, evt.PubKey, list); err != nil {
		s.log.Debug("invalidation: failed to replace relay list", "err", err)
	}
}

// handleServerList replaces servers:pubkey with the event's server URLs,
// falling back to the configured defaults on an empty parse.
func (s *Subscriber) handleServerList(ctx context.Context, evt nostrtypes.Event) {
	var pubkey model.Pubkey
	if !decodeHexPubkey(evt.PubKey, &pubkey) {
		return
	}
	servers := model.ParseServerTags(evt.Tags)
	if len(servers) == 0 {
		servers = s.cfg.DefaultServers
	}
	list := model.ServerList{Pubkey: pubkey, Servers: servers}
	if err := s.store.Servers.Put(ctx, evt.PubKey, list); err != nil {
		s.log.Debug("invalidation: failed to replace server list", "err", err)
	}
}

func decodeHexPubkey(hexStr string, out *model.Pubkey) bool {
	if len(hexStr) != 64 {
		return false
	}
	var buf [32]byte
	n, err := hex.Decode(buf[:], []byte(hexStr))
	if err != nil || n != 32 {
		return false
	}
	*out = buf
	return true
}

// Shutdown sets the shutting-down flag, closes all subscriptions (by
// cancelling their context), and waits for the run loop to exit.
// Idempotent.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		s.setState(StateClosed)
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	s.setState(StateClosed)
}
