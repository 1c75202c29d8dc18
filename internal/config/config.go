// Package config implements the hierarchical key-value document used for
// workflow definitions and task parameters. Unlike a plain map, a Config
// remembers the insertion order of its keys; sibling step ordering in a
// workflow definition is derived from that order, so it must survive
// parsing, copying and serialization.
package config

import (
	"fmt"
	"sort"
	"strings"
)

// Config is an ordered key-value tree. Values are scalars (string, bool,
// int64, float64, nil), []any lists, or nested *Config nodes.
type Config struct {
	keys   []string
	values map[string]any
}

// New returns an empty Config.
func New() *Config {
	return &Config{values: make(map[string]any)}
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (c *Config) Keys() []string {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return keys
}

// Len returns the number of top-level keys.
func (c *Config) Len() int {
	return len(c.keys)
}

// IsEmpty reports whether the Config has no keys.
func (c *Config) IsEmpty() bool {
	return c == nil || len(c.keys) == 0
}

// Has reports whether key exists at the top level.
func (c *Config) Has(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.values[key]
	return ok
}

// Get returns the raw value for key, or nil if absent.
func (c *Config) Get(key string) any {
	if c == nil {
		return nil
	}
	return c.values[key]
}

// GetString returns the string value for key.
func (c *Config) GetString(key string) (string, bool) {
	v, ok := c.values[key].(string)
	return v, ok
}

// GetStringOr returns the string value for key, or def when absent or not a
// string.
func (c *Config) GetStringOr(key, def string) string {
	if c == nil {
		return def
	}
	if v, ok := c.values[key].(string); ok {
		return v
	}
	return def
}

// GetBoolOr returns the bool value for key, or def when absent or not a bool.
func (c *Config) GetBoolOr(key string, def bool) bool {
	if c == nil {
		return def
	}
	if v, ok := c.values[key].(bool); ok {
		return v
	}
	return def
}

// GetIntOr returns the integer value for key, or def when absent or not a
// number.
func (c *Config) GetIntOr(key string, def int) int {
	if c == nil {
		return def
	}
	switch v := c.values[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetList returns the list value for key, or nil.
func (c *Config) GetList(key string) []any {
	if c == nil {
		return nil
	}
	v, _ := c.values[key].([]any)
	return v
}

// GetStringList returns the list value for key with every element coerced to
// a string.
func (c *Config) GetStringList(key string) ([]string, error) {
	raw := c.GetList(key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("key %q: list element %v is not a string", key, v)
		}
		out = append(out, s)
	}
	return out, nil
}

// Nested returns the nested Config under key.
func (c *Config) Nested(key string) (*Config, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key].(*Config)
	return v, ok
}

// NestedOrEmpty returns the nested Config under key, or a fresh empty Config
// when absent. The returned empty Config is not attached to the receiver.
func (c *Config) NestedOrEmpty(key string) *Config {
	if nested, ok := c.Nested(key); ok {
		return nested
	}
	return New()
}

// Set stores a value for key, appending the key to the order when new.
// Nested map[string]any values are converted to *Config with sorted keys;
// callers that care about order should pass a *Config.
func (c *Config) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = normalize(value)
}

// Remove deletes a key, preserving the order of the remaining keys.
func (c *Config) Remove(key string) {
	if !c.Has(key) {
		return
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

// GetPath resolves a dotted path ("a.b.c") through nested Configs.
func (c *Config) GetPath(path string) (any, bool) {
	cur := c
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if cur == nil {
			return nil, false
		}
		if i == len(parts)-1 {
			v, ok := cur.values[part]
			return v, ok
		}
		next, ok := cur.Nested(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// SetPath sets a value at a dotted path, creating intermediate nested
// Configs as needed.
func (c *Config) SetPath(path string, value any) {
	parts := strings.Split(path, ".")
	cur := c
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.Nested(part)
		if !ok {
			next = New()
			cur.Set(part, next)
		}
		cur = next
	}
	cur.Set(parts[len(parts)-1], value)
}

// DeepCopy returns a fully independent copy.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return New()
	}
	out := &Config{
		keys:   make([]string, len(c.keys)),
		values: make(map[string]any, len(c.values)),
	}
	copy(out.keys, c.keys)
	for k, v := range c.values {
		out.values[k] = copyValue(v)
	}
	return out
}

// Merge deep-merges other into the receiver; values from other win. Keys
// already present keep their position, new keys append in other's order.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		ov := other.values[k]
		if onested, ok := ov.(*Config); ok {
			if cnested, ok := c.values[k].(*Config); ok {
				cnested.Merge(onested)
				continue
			}
		}
		c.Set(k, copyValue(ov))
	}
}

// MergeDefault deep-merges other into the receiver keeping the receiver's
// values where both define a key.
func (c *Config) MergeDefault(other *Config) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		ov := other.values[k]
		cv, exists := c.values[k]
		if !exists {
			c.Set(k, copyValue(ov))
			continue
		}
		cnested, cok := cv.(*Config)
		onested, ook := ov.(*Config)
		if cok && ook {
			cnested.MergeDefault(onested)
		}
	}
}

// String renders the Config as compact JSON, mostly for logs and errors.
func (c *Config) String() string {
	b, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(b)
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case map[string]any:
		nested := New()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nested.Set(k, t[k])
		}
		return nested
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func copyValue(v any) any {
	switch t := v.(type) {
	case *Config:
		return t.DeepCopy()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
