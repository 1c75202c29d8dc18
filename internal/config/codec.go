package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	yamlv3 "gopkg.in/yaml.v3"
)

// ParseYAML parses a YAML document into a Config, preserving key order.
func ParseYAML(data []byte) (*Config, error) {
	var node yamlv3.Node
	if err := yamlv3.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if node.Kind == 0 || len(node.Content) == 0 {
		return New(), nil
	}
	v, err := fromYAMLNode(&node)
	if err != nil {
		return nil, err
	}
	cfg, ok := v.(*Config)
	if !ok {
		return nil, fmt.Errorf("yaml document root is not a mapping")
	}
	return cfg, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Config) UnmarshalYAML(node *yamlv3.Node) error {
	v, err := fromYAMLNode(node)
	if err != nil {
		return err
	}
	cfg, ok := v.(*Config)
	if !ok {
		return fmt.Errorf("yaml node is not a mapping")
	}
	*c = *cfg
	return nil
}

// MarshalYAML implements yaml.Marshaler, emitting keys in insertion order.
func (c *Config) MarshalYAML() (interface{}, error) {
	return toYAMLNode(c), nil
}

func fromYAMLNode(node *yamlv3.Node) (any, error) {
	switch node.Kind {
	case yamlv3.DocumentNode:
		if len(node.Content) == 0 {
			return New(), nil
		}
		return fromYAMLNode(node.Content[0])
	case yamlv3.AliasNode:
		return fromYAMLNode(node.Alias)
	case yamlv3.MappingNode:
		cfg := New()
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("decode mapping key: %w", err)
			}
			val, err := fromYAMLNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			cfg.Set(key, val)
		}
		return cfg, nil
	case yamlv3.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, elem := range node.Content {
			v, err := fromYAMLNode(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yamlv3.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode scalar %q: %w", node.Value, err)
		}
		return normalize(v), nil
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d", node.Kind)
	}
}

func toYAMLNode(v any) *yamlv3.Node {
	switch t := v.(type) {
	case *Config:
		node := &yamlv3.Node{Kind: yamlv3.MappingNode, Tag: "!!map"}
		for _, k := range t.keys {
			keyNode := &yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: k}
			node.Content = append(node.Content, keyNode, toYAMLNode(t.values[k]))
		}
		return node
	case []any:
		node := &yamlv3.Node{Kind: yamlv3.SequenceNode, Tag: "!!seq"}
		for _, e := range t {
			node.Content = append(node.Content, toYAMLNode(e))
		}
		return node
	default:
		node := &yamlv3.Node{}
		if err := node.Encode(v); err != nil {
			node.Kind = yamlv3.ScalarNode
			node.Tag = "!!str"
			node.Value = fmt.Sprintf("%v", v)
		}
		return node
	}
}

// ParseJSON parses a JSON object into a Config, preserving key order.
func ParseJSON(data []byte) (*Config, error) {
	cfg := New()
	if err := cfg.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MarshalJSON implements json.Marshaler, emitting keys in insertion order.
func (c *Config) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Config) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if tok == nil {
		*c = *New()
		return nil
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("json document root is not an object")
	}
	v, err := readJSONObject(dec)
	if err != nil {
		return err
	}
	*c = *v
	return nil
}

func readJSONObject(dec *json.Decoder) (*Config, error) {
	cfg := New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse json key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("json object key %v is not a string", keyTok)
		}
		v, err := readJSONValue(dec)
		if err != nil {
			return nil, err
		}
		cfg.Set(key, v)
	}
	// consume closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parse json object end: %w", err)
	}
	return cfg, nil
}

func readJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse json value: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return readJSONObject(dec)
		case '[':
			var list []any
			for dec.More() {
				v, err := readJSONValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("parse json array end: %w", err)
			}
			return list, nil
		default:
			return nil, fmt.Errorf("unexpected json delimiter %v", t)
		}
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("parse json number %q: %w", t.String(), err)
		}
		return f, nil
	default:
		return t, nil
	}
}

func writeJSON(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case *Config:
		buf.WriteByte('{')
		for i, k := range t.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeJSON(buf, t.values[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
