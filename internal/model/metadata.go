package model

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// AccountMetaPrefix is the header namespace holding user metadata.
const AccountMetaPrefix = "X-Account-Meta-"

// MetadataItem is one independently versioned metadata value. An empty Value
// marks the key as removed while keeping its timestamp slot.
type MetadataItem struct {
	Value     string
	Timestamp Timestamp
}

// Metadata maps canonical header keys to versioned values.
type Metadata struct {
	items map[string]MetadataItem
}

// NewMetadata returns an empty metadata set.
func NewMetadata() Metadata {
	return Metadata{items: make(map[string]MetadataItem)}
}

// MetadataFromHeaders stamps every X-Account-Meta-* header with ts.
func MetadataFromHeaders(h http.Header, ts Timestamp) Metadata {
	md := NewMetadata()
	for key, values := range h {
		if !IsAccountMetaKey(key) {
			continue
		}
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		md.Set(key, value, ts)
	}
	return md
}

// IsAccountMetaKey reports whether key lives in the account metadata namespace.
func IsAccountMetaKey(key string) bool {
	return len(key) >= len(AccountMetaPrefix) &&
		strings.EqualFold(key[:len(AccountMetaPrefix)], AccountMetaPrefix)
}

// Set stores value at ts, replacing whatever was there.
func (m *Metadata) Set(key, value string, ts Timestamp) {
	if m.items == nil {
		m.items = make(map[string]MetadataItem)
	}
	m.items[textproto.CanonicalMIMEHeaderKey(key)] = MetadataItem{Value: value, Timestamp: ts}
}

// Get returns the stored item for key, including removed ones.
func (m Metadata) Get(key string) (MetadataItem, bool) {
	item, ok := m.items[textproto.CanonicalMIMEHeaderKey(key)]
	return item, ok
}

// Len returns the number of versioned slots, removed ones included.
func (m Metadata) Len() int {
	return len(m.items)
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge applies updates per key; a key is replaced only by a strictly newer
// timestamp. It reports whether anything changed.
func (m *Metadata) Merge(updates Metadata) bool {
	if m.items == nil {
		m.items = make(map[string]MetadataItem)
	}
	changed := false
	for _, key := range updates.Keys() {
		incoming := updates.items[key]
		current, ok := m.items[key]
		if ok && !incoming.Timestamp.After(current.Timestamp) {
			continue
		}
		m.items[key] = incoming
		changed = true
	}
	return changed
}

// Clear returns a copy where every key is emptied at ts.
func (m Metadata) Clear(ts Timestamp) Metadata {
	cleared := NewMetadata()
	for key := range m.items {
		cleared.items[key] = MetadataItem{Value: "", Timestamp: ts}
	}
	return cleared
}

// Visible returns the non-empty values keyed by header name.
func (m Metadata) Visible() map[string]string {
	out := make(map[string]string, len(m.items))
	for key, item := range m.items {
		if item.Value != "" {
			out[key] = item.Value
		}
	}
	return out
}

// MarshalJSON encodes as {"key": ["value", "timestamp"]}.
func (m Metadata) MarshalJSON() ([]byte, error) {
	raw := make(map[string][2]string, len(m.items))
	for key, item := range m.items {
		raw[key] = [2]string{item.Value, item.Timestamp.String()}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	md := NewMetadata()
	for key, pair := range raw {
		if len(pair) != 2 {
			return fmt.Errorf("metadata %q: expected [value, timestamp]", key)
		}
		ts, err := ParseTimestamp(pair[1])
		if err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		md.Set(key, pair[0], ts)
	}
	*m = md
	return nil
}
