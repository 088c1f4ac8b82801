// Package secrets builds the read-only placeholder map used at deploy time and
// substitutes placeholders into the copy of a configuration that is transmitted
// to a device. Substituted text must never be persisted.
package secrets

import (
	"sort"
	"strings"
)

// DefaultPrefix is the namespace marker every placeholder token must start with.
const DefaultPrefix = "REPLACEMENTS_"

// Map is an immutable set of placeholder tokens and their values.
// The zero value is an empty map and substitutes nothing.
//
// Substitution is idempotent as long as no value contains a token.
type Map struct {
	prefix   string
	entries  map[string]string
	replacer *strings.Replacer
}

// NewMap builds a Map from values, keeping only keys that start with prefix and
// are longer than it. values is copied.
func NewMap(prefix string, values map[string]string) Map {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	entries := make(map[string]string)
	for k, v := range values {
		if len(k) > len(prefix) && strings.HasPrefix(k, prefix) {
			entries[k] = v
		}
	}

	m := Map{prefix: prefix, entries: entries}
	if len(entries) == 0 {
		return m
	}

	// Longest tokens first so REPLACEMENTS_AB is never shadowed by REPLACEMENTS_A.
	keys := m.Keys()
	sort.SliceStable(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	oldnew := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		oldnew = append(oldnew, k, entries[k])
	}
	m.replacer = strings.NewReplacer(oldnew...)

	return m
}

// Prefix returns the namespace marker of the map.
func (m Map) Prefix() string {
	if m.prefix == "" {
		return DefaultPrefix
	}
	return m.prefix
}

// Len returns the number of tokens.
func (m Map) Len() int {
	return len(m.entries)
}

// Keys returns the tokens in lexical order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the value of token.
func (m Map) Lookup(token string) (string, bool) {
	v, ok := m.entries[token]
	return v, ok
}

// Substitute returns a copy of text with every token in m replaced by its value.
// text is returned unchanged when it contains no tokens.
func Substitute(text string, m Map) string {
	if m.replacer == nil || !strings.Contains(text, m.Prefix()) {
		return text
	}
	return m.replacer.Replace(text)
}

// Contains reports whether text still carries any token of m.
func Contains(text string, m Map) bool {
	for k := range m.entries {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
