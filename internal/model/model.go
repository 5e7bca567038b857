// Package model holds the gateway's resolved domain entities: the shapes
// that travel between the Resolver, Blob Fetcher, and Cache Store once a
// raw Nostr event has been interpreted.
package model

import (
	"encoding/hex"
	"strings"
)

// Pubkey is a 32-byte Nostr public key. Its printable form is produced by
// package bech32; Pubkey itself never parses or encodes bech32.
type Pubkey [32]byte

// Hex returns the lowercase hex encoding used as the author field on the
// wire and as the cache-key component for every pubkey-scoped namespace.
func (p Pubkey) Hex() string {
	return hex.EncodeToString(p[:])
}

// RelayEntry is one line of a parsed NIP-65-style relay list: a URL and
// whether it was tagged read-capable, write-capable, or both (absent marker).
type RelayEntry struct {
	URL   string
	Read  bool
	Write bool
}

// RelayList is a pubkey's preferred relay set, in the order published.
type RelayList struct {
	Pubkey Pubkey
	Relays []RelayEntry
}

// ReadURLs returns, in insertion order with duplicates removed, the URLs of
// every entry that is read-capable (absent marker or explicit "read").
func (l RelayList) ReadURLs() []string {
	seen := make(map[string]bool, len(l.Relays))
	var out []string
	for _, r := range l.Relays {
		if !r.Read {
			continue
		}
		if seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r.URL)
	}
	return out
}

// ParseRelayTags builds a RelayList's entries from a relay-list event's raw
// ["r", url, marker?] tags. A marker of "read" or an absent marker both mark
// the entry read-capable (an absent marker also marks it write-capable);
// "write" marks it write-only.
func ParseRelayTags(tags [][]string) []RelayEntry {
	var entries []RelayEntry
	for _, t := range tags {
		if len(t) < 2 || t[0] != "r" {
			continue
		}
		url := t[1]
		marker := ""
		if len(t) >= 3 {
			marker = t[2]
		}
		switch marker {
		case "write":
			entries = append(entries, RelayEntry{URL: url, Write: true})
		case "read":
			entries = append(entries, RelayEntry{URL: url, Read: true})
		case "":
			entries = append(entries, RelayEntry{URL: url, Read: true, Write: true})
		default:
			// unrecognized marker: ignore per spec ("ignore other entries")
		}
	}
	return entries
}

// ServerList is a pubkey's preferred blob servers, ordered by priority
// (position = priority).
type ServerList struct {
	Pubkey  Pubkey
	Servers []string
}

// ParseServerTags extracts URLs from ["server", url] tags, preserving order
// and dropping duplicates.
func ParseServerTags(tags [][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tags {
		if len(t) < 2 || t[0] != "server" {
			continue
		}
		if seen[t[1]] {
			continue
		}
		seen[t[1]] = true
		out = append(out, t[1])
	}
	return out
}

// PathMapping associates a path under a pubkey's site with a content hash.
type PathMapping struct {
	Pubkey    Pubkey
	Path      string
	SHA256    string
	CreatedAt int64
}

// Valid reports whether the mapping satisfies its documented invariants:
// path begins with "/"; sha256 is 64 lowercase hex characters.
func (m PathMapping) Valid() bool {
	if !strings.HasPrefix(m.Path, "/") {
		return false
	}
	return isLowerHex64(m.SHA256)
}

func isLowerHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// BlobURLSet is the set of blob-server URLs known to have successfully
// served a given content hash.
type BlobURLSet struct {
	SHA256 string
	URLs   []string
}

// Add appends url if it is not already present, preserving insertion order.
func (s *BlobURLSet) Add(url string) {
	for _, u := range s.URLs {
		if u == url {
			return
		}
	}
	s.URLs = append(s.URLs, url)
}

// Blob is cached content-addressed bytes plus the content type the gateway
// decided to serve it as.
type Blob struct {
	SHA256      string
	Bytes       []byte
	ContentType string
}
