// Package nostrtypes holds the wire-level Nostr vocabulary the gateway
// consumes from relays: events, filters, and the three recognized event
// kinds. It carries no caching or networking logic of its own.
package nostrtypes

// Recognized event kinds.
const (
	KindMapping    = 34128
	KindRelayList  = 10002
	KindServerList = 10063
)

// Event is a signed Nostr event as received from a relay. Signature
// verification is explicitly out of scope (relays are trusted to serve
// well-formed events from the requested author), so Event carries no
// verification state.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the named tag (tag[1]), or "" if absent.
func (e Event) Tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// TagsNamed returns every tag whose name matches, in document order.
func (e Event) TagsNamed(name string) [][]string {
	var out [][]string
	for _, t := range e.Tags {
		if len(t) >= 1 && t[0] == name {
			out = append(out, t)
		}
	}
	return out
}

// HasTag reports whether a tag with the given name exists, regardless of value.
func (e Event) HasTag(name string) bool {
	for _, t := range e.Tags {
		if len(t) >= 1 && t[0] == name {
			return true
		}
	}
	return false
}

// Filter is a gossip-protocol query: a set of constraints a relay matches
// events against. It is transport-agnostic; RelayPool is responsible for
// turning it into the wire-level REQ message.
type Filter struct {
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"` // arbitrary "#x" tag-value constraints, keyed by tag letter
	Since   int64               `json:"since,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// MarshalMap renders the filter as the map shape relays expect on the wire,
// i.e. {"authors":[...], "kinds":[...], "#d":[...], "since":..., "limit":...}.
func (f Filter) MarshalMap() map[string]interface{} {
	m := make(map[string]interface{}, 4+len(f.Tags))
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for tag, values := range f.Tags {
		m["#"+tag] = values
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return m
}

// IsUniqueLookup reports whether this filter's shape qualifies for the Relay
// Pool's early-termination optimization: a single author, exactly one kind,
// and limit=1. The kind's value is not checked, so relay-list and
// server-list lookups qualify as well as mapping lookups.
func (f Filter) IsUniqueLookup() bool {
	return len(f.Authors) == 1 && len(f.Kinds) == 1 && f.Limit == 1
}
