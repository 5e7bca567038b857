package relaypool

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nsite-gateway/internal/nostrtypes"
)

var upgrader = websocket.Upgrader{}

// newFakeRelay starts a relay that, for every REQ, replies with one EVENT
// carrying the requested subscription id and then EOSE.
func newFakeRelay(t *testing.T, event nostrtypes.Event) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) < 2 {
				continue
			}
			var msgType string
			_ = json.Unmarshal(msg[0], &msgType)
			if msgType != "REQ" {
				continue
			}
			var subID string
			_ = json.Unmarshal(msg[1], &subID)

			evtJSON, _ := json.Marshal(event)
			_ = conn.WriteJSON([]interface{}{"EVENT", subID, json.RawMessage(evtJSON)})
			_ = conn.WriteJSON([]interface{}{"EOSE", subID})
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestQueryReturnsEventsFromRelay(t *testing.T) {
	want := nostrtypes.Event{ID: "abc", PubKey: "pk", CreatedAt: 1, Kind: nostrtypes.KindMapping}
	relay := newFakeRelay(t, want)
	defer relay.Close()

	p := New(time.Hour, time.Hour, slog.Default())
	defer p.Shutdown()

	events := p.Query(context.Background(), []string{wsURL(relay.URL)}, nostrtypes.Filter{Kinds: []int{nostrtypes.KindMapping}}, time.Second)
	if len(events) != 1 || events[0].ID != "abc" {
		t.Fatalf("expected one event with ID abc, got %+v", events)
	}
}

func TestQueryDedupesAcrossRelaysReturningSameEvent(t *testing.T) {
	evt := nostrtypes.Event{ID: "dup", PubKey: "pk", CreatedAt: 1, Kind: nostrtypes.KindMapping}
	r1 := newFakeRelay(t, evt)
	defer r1.Close()
	r2 := newFakeRelay(t, evt)
	defer r2.Close()

	p := New(time.Hour, time.Hour, slog.Default())
	defer p.Shutdown()

	events := p.Query(context.Background(), []string{wsURL(r1.URL), wsURL(r2.URL)}, nostrtypes.Filter{Kinds: []int{nostrtypes.KindMapping}}, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected exactly one deduped event, got %d", len(events))
	}
}

func TestQueryUnreachableRelayIsSkipped(t *testing.T) {
	p := New(time.Hour, time.Hour, slog.Default())
	defer p.Shutdown()

	events := p.Query(context.Background(), []string{"ws://127.0.0.1:1"}, nostrtypes.Filter{Kinds: []int{nostrtypes.KindMapping}}, 200*time.Millisecond)
	if events != nil {
		t.Fatalf("expected nil events from an unreachable relay, got %+v", events)
	}
}

func TestQueryEmptyRelayListReturnsNil(t *testing.T) {
	p := New(time.Hour, time.Hour, slog.Default())
	defer p.Shutdown()

	if got := p.Query(context.Background(), nil, nostrtypes.Filter{}, time.Second); got != nil {
		t.Fatalf("expected nil for an empty relay list, got %+v", got)
	}
}

func TestParseRelayURLRejectsNonPublicAddresses(t *testing.T) {
	cases := []string{
		"wss://169.254.169.254",
		"wss://10.0.0.5",
		"wss://192.168.1.1:4848",
		"wss://172.16.0.9",
		"ws://0.0.0.0",
		"wss://internal-api.corp.internal",
		"http://relay.example",
		"wss://",
	}
	for _, raw := range cases {
		if _, err := parseRelayURL(raw); err == nil {
			t.Errorf("parseRelayURL(%q) should have been rejected", raw)
		}
	}
}

func TestParseRelayURLAllowsLoopback(t *testing.T) {
	for _, raw := range []string{"ws://127.0.0.1:8080", "ws://localhost:7777", "wss://[::1]:443"} {
		if _, err := parseRelayURL(raw); err != nil {
			t.Errorf("parseRelayURL(%q): %v", raw, err)
		}
	}
}

func TestQueryRefusesPrivateRelayAddress(t *testing.T) {
	p := New(time.Hour, time.Hour, slog.Default())
	defer p.Shutdown()

	events := p.Query(context.Background(), []string{"wss://169.254.169.254"}, nostrtypes.Filter{Kinds: []int{nostrtypes.KindMapping}}, 200*time.Millisecond)
	if events != nil {
		t.Fatalf("expected a private relay address to be dropped from the query, got %+v", events)
	}
	if p.ConnectionCount() != 0 {
		t.Fatalf("expected no connection to a refused address, got %d", p.ConnectionCount())
	}
}

func TestJanitorReapsIdleConnections(t *testing.T) {
	relay := newFakeRelay(t, nostrtypes.Event{ID: "x", Kind: nostrtypes.KindMapping})
	defer relay.Close()

	p := New(50*time.Millisecond, 25*time.Millisecond, slog.Default())
	defer p.Shutdown()

	p.Query(context.Background(), []string{wsURL(relay.URL)}, nostrtypes.Filter{Kinds: []int{nostrtypes.KindMapping}}, time.Second)
	if p.ConnectionCount() != 1 {
		t.Fatalf("expected one open connection after the query, got %d", p.ConnectionCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the janitor to reap the idle connection, still %d open", p.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectionCountReflectsOpenConnections(t *testing.T) {
	relay := newFakeRelay(t, nostrtypes.Event{ID: "x", Kind: nostrtypes.KindMapping})
	defer relay.Close()

	p := New(time.Hour, time.Hour, slog.Default())
	defer p.Shutdown()

	p.Query(context.Background(), []string{wsURL(relay.URL)}, nostrtypes.Filter{Kinds: []int{nostrtypes.KindMapping}}, time.Second)
	if p.ConnectionCount() != 1 {
		t.Fatalf("expected one open connection, got %d", p.ConnectionCount())
	}
}
