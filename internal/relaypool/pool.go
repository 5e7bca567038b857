// Package relaypool implements the Relay Pool (RP): the gateway's only
// owner of outgoing WebSocket connections to gossip relays. It multiplexes
// queries onto long-lived connections and reclaims idle sockets. Callers
// get a synchronous Query(relays, filter, timeout) for one-shot lookups
// and a streaming Subscribe for long-lived consumers.
package relaypool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nsite-gateway/internal/metrics"
	"nsite-gateway/internal/nostrtypes"
)

// Defaults for the janitor.
const (
	DefaultIdleThreshold   = time.Hour
	DefaultCleanupInterval = 5 * time.Minute

	// uniqueLookupGrace is the early-termination optimization's grace
	// period: once the first event for a unique-lookup filter arrives, wait
	// this long for a possibly-newer one before closing the subscription.
	uniqueLookupGrace = 200 * time.Millisecond
)

type subscription struct {
	events chan nostrtypes.Event
	eose   chan struct{}
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.eose) })
}

// conn manages one websocket connection and the subscriptions multiplexed
// onto it.
type conn struct {
	url  string
	mu   sync.Mutex
	ws   *websocket.Conn
	subs map[string]*subscription

	writeMu sync.Mutex

	closed     atomic.Bool
	lastUsedMu sync.Mutex
	lastUsed   time.Time
}

func (c *conn) touch() {
	c.lastUsedMu.Lock()
	c.lastUsed = time.Now()
	c.lastUsedMu.Unlock()
}

func (c *conn) idleSince(threshold time.Time) bool {
	c.lastUsedMu.Lock()
	defer c.lastUsedMu.Unlock()
	return c.lastUsed.Before(threshold)
}

// Pool is the Relay Pool. Connections are created lazily on first use and
// reaped by a background janitor when idle beyond idleThreshold.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]*conn

	idleThreshold   time.Duration
	cleanupInterval time.Duration

	log *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pool. It establishes no connections eagerly (dialing is
// lazy, on first use) and starts the idle-connection janitor immediately.
func New(idleThreshold, cleanupInterval time.Duration, log *slog.Logger) *Pool {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		conns:           make(map[string]*conn),
		idleThreshold:   idleThreshold,
		cleanupInterval: cleanupInterval,
		log:             log,
		stopCh:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.janitorLoop()
	return p
}

// Query broadcasts filter to every relay in relays that can be connected
// within timeout, and returns every event collected before either every
// contacted relay signals end-of-stored-events or timeout fires, whichever
// comes first. Individual relay failures never fail the call: an
// unreachable relay is silently dropped from this query.
func (p *Pool) Query(ctx context.Context, relays []string, filter nostrtypes.Filter, timeout time.Duration) []nostrtypes.Event {
	if len(relays) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RelayQueryDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subID := newSubID()
	var (
		mu     sync.Mutex
		events []nostrtypes.Event
		seen   = make(map[string]bool)
	)

	eoseRemaining := int32(0)
	done := make(chan struct{})
	var doneOnce sync.Once
	closeDone := func() { doneOnce.Do(func() { close(done) }) }

	var wg sync.WaitGroup
	for _, relayURL := range relays {
		c, err := p.getOrDial(ctx, relayURL)
		if err != nil {
			p.log.Debug("relaypool: skipping unreachable relay", "relay", relayURL, "err", err)
			continue
		}
		sub, err := c.subscribe(subID, filter)
		if err != nil {
			p.log.Debug("relaypool: subscribe failed", "relay", relayURL, "err", err)
			continue
		}
		atomic.AddInt32(&eoseRemaining, 1)

		wg.Add(1)
		go func(c *conn, sub *subscription) {
			defer wg.Done()
			defer c.unsubscribe(subID)
			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.eose:
					if atomic.AddInt32(&eoseRemaining, -1) == 0 {
						closeDone()
					}
					return
				case evt, ok := <-sub.events:
					if !ok {
						return
					}
					mu.Lock()
					if !seen[evt.ID] {
						seen[evt.ID] = true
						events = append(events, evt)
					}
					n := len(events)
					mu.Unlock()
					if filter.IsUniqueLookup() && n > 0 {
						p.armUniqueLookupGrace(ctx, closeDone)
					}
				}
			}
		}(c, sub)
	}

	if atomic.LoadInt32(&eoseRemaining) == 0 {
		wg.Wait()
		return nil
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return events
}

// armUniqueLookupGrace starts an early-termination grace timer for a
// unique-lookup query that signals done after uniqueLookupGrace. Each call
// starts an independent timer and closeDone is idempotent, so the first
// timer to fire ends the query uniqueLookupGrace after the first event;
// later events do not extend the window.
func (p *Pool) armUniqueLookupGrace(ctx context.Context, closeDone func()) {
	go func() {
		t := time.NewTimer(uniqueLookupGrace)
		defer t.Stop()
		select {
		case <-t.C:
			closeDone()
		case <-ctx.Done():
		}
	}()
}

func newSubID() string {
	return "rv-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// getOrDial returns the connection for relayURL, dialing it if this is the
// first use. At most one logical connection per URL exists at a time.
func (p *Pool) getOrDial(ctx context.Context, relayURL string) (*conn, error) {
	p.mu.RLock()
	c := p.conns[relayURL]
	p.mu.RUnlock()
	if c != nil && !c.closed.Load() {
		c.touch()
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c = p.conns[relayURL]
	if c != nil && !c.closed.Load() {
		c.touch()
		return c, nil
	}

	if _, err := parseRelayURL(relayURL); err != nil {
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	newConn := &conn{
		url:  relayURL,
		ws:   ws,
		subs: make(map[string]*subscription),
	}
	newConn.touch()
	p.conns[relayURL] = newConn
	p.wg.Add(1)
	go p.readLoop(newConn)
	return newConn, nil
}

// parseRelayURL validates a relay URL before the pool will dial it. Relay
// URLs arrive from relay-list events published by the site's own pubkey,
// so a site operator controls them: without this check the gateway could
// be steered into dialing cloud metadata endpoints or internal hosts.
// Loopback stays allowed so a locally run relay works in development.
func parseRelayURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relaypool: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("relaypool: relay URL %q has no host", raw)
	}
	if host == "localhost" {
		return u, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if !relayIPAllowed(ip) {
			return nil, fmt.Errorf("relaypool: refusing to dial non-public address %q", host)
		}
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now may still be a valid external host (transient
		// DNS failure; the dialer will fail on its own), but obviously
		// internal names are rejected outright.
		if strings.HasSuffix(host, ".") || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
			return nil, fmt.Errorf("relaypool: refusing to dial internal name %q", host)
		}
		return u, nil
	}
	for _, ip := range ips {
		if !relayIPAllowed(ip) {
			return nil, fmt.Errorf("relaypool: %q resolves to non-public address %s", host, ip)
		}
	}
	return u, nil
}

// relayIPAllowed permits loopback (development relays) and public unicast
// addresses only. Private ranges, link-local (which covers the cloud
// metadata address), unspecified, and multicast are all refused.
func relayIPAllowed(ip net.IP) bool {
	switch {
	case ip == nil:
		return false
	case ip.IsLoopback():
		return true
	case ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(),
		ip.IsMulticast():
		return false
	}
	return true
}

func (c *conn) subscribe(subID string, filter nostrtypes.Filter) (*subscription, error) {
	sub := &subscription{
		events: make(chan nostrtypes.Event, 64),
		eose:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	req := []interface{}{"REQ", subID, filter.MarshalMap()}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}
	c.touch()
	return sub, nil
}

func (c *conn) unsubscribe(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if !c.closed.Load() {
		c.writeMu.Lock()
		_ = c.ws.WriteJSON([]interface{}{"CLOSE", subID})
		c.writeMu.Unlock()
	}
	sub.close()
}

// readLoop continuously reads relay messages and routes EVENT/EOSE frames
// to the matching subscription.
func (p *Pool) readLoop(c *conn) {
	defer p.wg.Done()
	defer c.markClosed()

	for {
		var msg []json.RawMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !c.closed.Load() {
				p.log.Debug("relaypool: read error", "relay", c.url, "err", err)
			}
			return
		}
		c.touch()
		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var evt nostrtypes.Event
			if err := json.Unmarshal(msg[2], &evt); err != nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[subID]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			select {
			case sub.events <- evt:
			default:
				p.log.Debug("relaypool: event channel full, dropping", "relay", c.url, "sub", subID)
			}

		case "EOSE":
			if len(msg) < 2 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[subID]
			c.mu.Unlock()
			if sub != nil {
				sub.close()
			}

		case "CLOSED":
			if len(msg) < 2 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			c.mu.Lock()
			sub, ok := c.subs[subID]
			if ok {
				delete(c.subs, subID)
			}
			c.mu.Unlock()
			if ok {
				sub.close()
			}

		case "NOTICE":
			if len(msg) >= 2 {
				var notice string
				_ = json.Unmarshal(msg[1], &notice)
				p.log.Debug("relaypool: NOTICE", "relay", c.url, "notice", notice)
			}
		}
	}
}

func (c *conn) markClosed() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.ws.Close()
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// janitorLoop closes connections whose last use predates idleThreshold,
// every cleanupInterval.
func (p *Pool) janitorLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.idleThreshold)
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.conns {
		if c.closed.Load() || c.idleSince(cutoff) {
			delete(p.conns, url)
			if !c.closed.Load() {
				p.log.Debug("relaypool: reaping idle connection", "relay", url)
				c.markClosed()
			}
		}
	}
}

// ConnectionCount reports the number of connections currently tracked, for
// /healthz, and updates the RelayConnections gauge served at /metrics.
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.conns)
	metrics.RelayConnections.Set(float64(n))
	return n
}

// Shutdown closes every connection in one batch and stops the janitor.
// It is idempotent.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()
	for _, c := range conns {
		c.markClosed()
	}
	p.wg.Wait()
}
